package ocr

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"cloud.google.com/go/vertexai/genai"

	"github.com/intakehq/docintake/internal/gcp"
	"github.com/intakehq/docintake/internal/models"
	"github.com/intakehq/docintake/internal/validate"
)

// Gemini implements Engine on the OCR-configured Vertex model. The model
// reads the document straight from Cloud Storage; nothing is downloaded
// into the worker.
type Gemini struct {
	client *gcp.VertexClient
}

func NewGemini(client *gcp.VertexClient) *Gemini {
	return &Gemini{client: client}
}

func (g *Gemini) Recognize(ctx context.Context, sourceURI string, documentTypes []string) (*models.OCRResult, error) {
	types := append([]string(nil), documentTypes...)
	sort.Strings(types)
	prompt := fmt.Sprintf("%s\n\nSupported document types: %s", gcp.OCRUserPrompt, strings.Join(types, ", "))

	filePart := genai.FileData{
		MIMEType: "application/pdf",
		FileURI:  sourceURI,
	}
	resp, err := g.client.OCRModel.GenerateContent(ctx, filePart, genai.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("failed to generate content from gemini: %w", err)
	}

	return parseResponse([]byte(candidateText(resp)))
}

// parseResponse decodes the model's JSON and recomputes the confidence
// floor from the blocks rather than trusting a self-reported summary.
func parseResponse(raw []byte) (*models.OCRResult, error) {
	text := validate.StripFences(string(raw))
	if text == "" {
		return nil, fmt.Errorf("empty OCR response")
	}

	var out models.OCRResult
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, fmt.Errorf("failed to parse OCR response: %w", err)
	}
	if strings.TrimSpace(out.Text) == "" {
		return nil, fmt.Errorf("OCR response carries no text")
	}

	out.MinConfidence = minBlockConfidence(out.Blocks)
	if out.PageCount <= 0 {
		out.PageCount = 1
	}
	if out.DocumentType == "" {
		out.DocumentType = "unknown"
	}
	return &out, nil
}

func minBlockConfidence(blocks []models.OCRBlock) float64 {
	if len(blocks) == 0 {
		return 1
	}
	min := blocks[0].Confidence
	for _, b := range blocks[1:] {
		if b.Confidence < min {
			min = b.Confidence
		}
	}
	return min
}

func candidateText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	return sb.String()
}

var _ Engine = (*Gemini)(nil)
