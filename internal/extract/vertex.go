package extract

import (
	"context"
	"fmt"
	"path"
	"strings"

	"cloud.google.com/go/vertexai/genai"

	"github.com/intakehq/docintake/internal/gcp"
	"github.com/intakehq/docintake/internal/models"
)

// VertexLLM implements LLM on the pre-configured Vertex models.
type VertexLLM struct {
	client *gcp.VertexClient
}

func NewVertexLLM(client *gcp.VertexClient) *VertexLLM {
	return &VertexLLM{client: client}
}

func (v *VertexLLM) Extract(ctx context.Context, req *models.ExtractionRequest, tier models.ModelTier) ([]byte, error) {
	model := v.client.CheapModel
	if tier == models.TierExpensive {
		model = v.client.ExpensiveModel
	}

	parts := make([]genai.Part, 0, len(req.ImageURIs)+1)
	if req.AttachImage {
		for _, uri := range req.ImageURIs {
			parts = append(parts, genai.FileData{
				MIMEType: mimeTypeForURI(uri),
				FileURI:  uri,
			})
		}
	}
	parts = append(parts, genai.Text(BuildPrompt(req)))

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, fmt.Errorf("failed to generate content from gemini: %w", err)
	}
	return []byte(responseText(resp)), nil
}

// BuildPrompt renders the user prompt for one extraction call from the
// document type's field specs.
func BuildPrompt(req *models.ExtractionRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Document type: %s\n\n", req.DocumentType)
	b.WriteString("Extract the following fields:\n")
	for _, f := range req.Fields {
		requirement := "optional"
		if f.Required {
			requirement = "required"
		}
		fmt.Fprintf(&b, "- %s (%s, %s)", f.Name, f.Type, requirement)
		if f.Description != "" {
			fmt.Fprintf(&b, ": %s", f.Description)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nReturn a single JSON object with exactly these fields. Use null for any field you cannot find. Do not invent values.\n")
	if req.AttachImage {
		b.WriteString("\nThe original page images are attached. Where the transcription and the images disagree, trust the images.\n")
	}
	b.WriteString("\nDocument transcription:\n")
	b.WriteString(req.OCRText)
	return b.String()
}

// responseText concatenates the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) string {
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

func mimeTypeForURI(uri string) string {
	switch strings.ToLower(path.Ext(uri)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".tif", ".tiff":
		return "image/tiff"
	default:
		return "application/pdf"
	}
}

var _ LLM = (*VertexLLM)(nil)
