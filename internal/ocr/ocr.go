// Package ocr produces a transcription with per-block confidence for a
// stored document.
package ocr

import (
	"context"

	"github.com/intakehq/docintake/internal/models"
)

// Engine recognizes the text of the document at sourceURI and classifies
// it against the supported document types.
type Engine interface {
	Recognize(ctx context.Context, sourceURI string, documentTypes []string) (*models.OCRResult, error)
}
