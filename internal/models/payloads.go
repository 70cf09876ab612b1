package models

import "time"

// These structs define the JSON payloads exchanged between the review API,
// the intake worker and the review workflow.

// OCRBlock is one recognized text block with its layout confidence.
type OCRBlock struct {
	Text       string  `json:"text"`
	Page       int     `json:"page"`
	Confidence float64 `json:"confidence"`
}

// OCRResult is the output of the OCR stage for one document.
type OCRResult struct {
	Text          string     `json:"text"`
	Blocks        []OCRBlock `json:"blocks,omitempty"`
	MinConfidence float64    `json:"minConfidence"`
	PageCount     int        `json:"pageCount"`
	DocumentType  string     `json:"documentType,omitempty"`
}

// FieldSpec describes one field the extraction model must produce for a
// document type. Specs drive both the prompt and the semantic validation
// of the model's output.
type FieldSpec struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type" json:"type"`
	Required    bool   `yaml:"required" json:"required"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// ExtractionRequest is the input handed to the extraction engine for one
// document. AttachImage asks the model call to include the original page
// images alongside the OCR text.
type ExtractionRequest struct {
	DocumentID   string      `json:"documentId"`
	DocumentType string      `json:"documentType"`
	OCRText      string      `json:"ocrText"`
	Fields       []FieldSpec `json:"fields"`
	ImageURIs    []string    `json:"imageUris,omitempty"`
	AttachImage  bool        `json:"attachImage"`
	AttachReason string      `json:"attachReason,omitempty"`
}

// CorrectionRequest is the review API payload for an optimistic update.
// ExpectedVersion must echo the updatedAt the reviewer last read.
type CorrectionRequest struct {
	Changes         map[string]any `json:"changes"`
	ExpectedVersion string         `json:"expectedVersion"`
	Reviewer        string         `json:"reviewer,omitempty"`
}

// ConflictResponse is returned with HTTP 409 when an optimistic update
// loses the race. It carries both versions so the client can re-fetch
// and re-apply.
type ConflictResponse struct {
	Error           string `json:"error"`
	ExpectedVersion string `json:"expectedVersion"`
	ActualVersion   string `json:"actualVersion"`
}

// ReviewWorkflowArgs is the argument document passed to the human-review
// workflow execution when a document is quarantined.
type ReviewWorkflowArgs struct {
	DocumentID   string `json:"documentId"`
	DocumentType string `json:"documentType,omitempty"`
	Reason       string `json:"reason"`
	ExecutionID  string `json:"executionId"`
}

// QuarantineReport is written next to the quarantined file so a reviewer
// sees every attempt and every validation complaint without touching the
// record store.
type QuarantineReport struct {
	DocumentID      string    `json:"documentId"`
	DocumentType    string    `json:"documentType,omitempty"`
	Reason          string    `json:"reason"`
	ExecutionID     string    `json:"executionId"`
	SourceURI       string    `json:"sourceUri,omitempty"`
	Attempts        []Attempt `json:"attempts,omitempty"`
	QualityWarnings []string  `json:"qualityWarnings,omitempty"`
	QuarantinedAt   time.Time `json:"quarantinedAt"`
}
