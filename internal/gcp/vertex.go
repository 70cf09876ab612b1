package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/vertexai/genai"

	"github.com/intakehq/docintake/internal/config"
)

// --- OCR Model Prompts ---
const OCRSystemPrompt = "You are a document OCR engine. Your task is to transcribe the provided document pages with maximal fidelity and report your own confidence. You must output your response as a single valid JSON object."
const OCRUserPrompt = `Transcribe the provided document.

Follow these rules precisely:
1.  Read every page and transcribe all text content in reading order.
2.  Classify the document into one of the supported types you are given, or "unknown" if none fits.
3.  Report one block per visually coherent region (paragraph, table, stamp, signature line) with a confidence between 0.0 and 1.0 reflecting how certain you are of that block's transcription.
4.  The output MUST be a single valid JSON object with exactly these keys:
    - "text": the full transcription as one string.
    - "blocks": an array of {"text": string, "page": number, "confidence": number}.
    - "pageCount": the number of pages you saw.
    - "documentType": the classified type.
Do not include any text before or after the JSON object.`

// --- Extraction Model Prompts ---
const ExtractionSystemPrompt = "You are a structured data extraction engine. Your task is to extract a fixed set of fields from a document transcription. You must output your response as a single valid JSON object containing exactly the requested fields and nothing else."

// VertexClient holds the pre-configured generative models for the intake
// pipeline. The OCR model and the cheap extraction tier share a model
// name but carry different system instructions, so they are separate
// instances.
type VertexClient struct {
	OCRModel       *genai.GenerativeModel
	CheapModel     *genai.GenerativeModel
	ExpensiveModel *genai.GenerativeModel
	baseClient     *genai.Client
}

// NewVertexClient creates a client holding all necessary models. Every
// model is forced to JSON output at temperature zero: downstream parsing
// depends on it.
func NewVertexClient(ctx context.Context, cfg *config.Config) (*VertexClient, error) {
	if cfg.ProjectID == "" || cfg.Region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}

	baseClient, err := genai.NewClient(ctx, cfg.ProjectID, cfg.Region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	ocrModel := baseClient.GenerativeModel(cfg.Models.Cheap)
	configureModel(ocrModel, OCRSystemPrompt)

	cheapModel := baseClient.GenerativeModel(cfg.Models.Cheap)
	configureModel(cheapModel, ExtractionSystemPrompt)

	expensiveModel := baseClient.GenerativeModel(cfg.Models.Expensive)
	configureModel(expensiveModel, ExtractionSystemPrompt)

	return &VertexClient{
		OCRModel:       ocrModel,
		CheapModel:     cheapModel,
		ExpensiveModel: expensiveModel,
		baseClient:     baseClient,
	}, nil
}

func configureModel(m *genai.GenerativeModel, systemPrompt string) {
	m.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemPrompt)},
	}
	m.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}
	m.SafetySettings = []*genai.SafetySetting{
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
	}
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}
