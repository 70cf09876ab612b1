package models

import "time"

// Status is the lifecycle state of a document record.
//
// PENDING and PROCESSING are the in-flight states; COMPLETED, FAILED and
// QUARANTINED are terminal for a given run. COMPLETED is terminal forever:
// a duplicate trigger must never overwrite it. FAILED and QUARANTINED
// records keep no lock, so a replayed trigger may claim and reprocess them.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusProcessing  Status = "PROCESSING"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
	StatusQuarantined Status = "QUARANTINED"
)

// Terminal reports whether a run ends in this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusQuarantined:
		return true
	}
	return false
}

// ParseStatus maps a raw string onto a known Status.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusQuarantined:
		return st, true
	}
	return "", false
}

// ModelTier names an extraction model tier. The concrete model behind each
// tier is configuration.
type ModelTier string

const (
	TierCheap     ModelTier = "cheap"
	TierExpensive ModelTier = "expensive"
)

// Attempt is one extraction attempt. Attempts are immutable once appended:
// they form the audit trail of how a document reached its final state,
// independent of the extracted payload itself.
type Attempt struct {
	Model     ModelTier `firestore:"model" json:"model"`
	ErrorType string    `firestore:"errorType,omitempty" json:"errorType,omitempty"`
	RawOutput string    `firestore:"rawOutput,omitempty" json:"rawOutput,omitempty"`
	Timestamp time.Time `firestore:"timestamp" json:"timestamp"`
}

// Document is the master record for one ingested document, keyed by the
// sha256 of its content. Identity-by-content-hash makes re-uploads of
// identical bytes naturally idempotent.
//
// UpdatedAt strictly increases on every mutation and doubles as the version
// token for optimistic reviewer updates. LockExpiresAt is the processing
// claim: nil means unlocked, a future time means some worker owns the
// document.
type Document struct {
	ID               string         `firestore:"-" json:"id"`
	Status           Status         `firestore:"status" json:"status"`
	SourceURI        string         `firestore:"sourceUri" json:"sourceUri"`
	DestinationURI   string         `firestore:"destinationUri,omitempty" json:"destinationUri,omitempty"`
	OriginalFilename string         `firestore:"originalFilename,omitempty" json:"originalFilename,omitempty"`
	DocumentType     string         `firestore:"documentType,omitempty" json:"documentType,omitempty"`
	PageCount        int            `firestore:"pageCount,omitempty" json:"pageCount,omitempty"`
	ExtractedData    map[string]any `firestore:"extractedData,omitempty" json:"extractedData,omitempty"`
	Attempts         []Attempt      `firestore:"attempts,omitempty" json:"attempts,omitempty"`
	QualityWarnings  []string       `firestore:"qualityWarnings,omitempty" json:"qualityWarnings,omitempty"`
	LockExpiresAt    *time.Time     `firestore:"lockExpiresAt" json:"lockExpiresAt,omitempty"`
	CreatedAt        time.Time      `firestore:"createdAt" json:"createdAt"`
	UpdatedAt        time.Time      `firestore:"updatedAt" json:"updatedAt"`
	ProcessedAt      *time.Time     `firestore:"processedAt,omitempty" json:"processedAt,omitempty"`
	ErrorMessage     string         `firestore:"errorMessage,omitempty" json:"errorMessage,omitempty"`
	ExecutionID      string         `firestore:"executionId,omitempty" json:"executionId,omitempty"`
}

// Locked reports whether the record carries an unexpired processing claim.
func (d *Document) Locked(now time.Time) bool {
	return d.LockExpiresAt != nil && now.Before(*d.LockExpiresAt)
}

// Clone returns a deep copy. The in-memory store hands out clones so tests
// cannot mutate shared state behind the adapter's back.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	if d.LockExpiresAt != nil {
		t := *d.LockExpiresAt
		out.LockExpiresAt = &t
	}
	if d.ProcessedAt != nil {
		t := *d.ProcessedAt
		out.ProcessedAt = &t
	}
	if d.ExtractedData != nil {
		out.ExtractedData = make(map[string]any, len(d.ExtractedData))
		for k, v := range d.ExtractedData {
			out.ExtractedData[k] = v
		}
	}
	out.Attempts = append([]Attempt(nil), d.Attempts...)
	out.QualityWarnings = append([]string(nil), d.QualityWarnings...)
	return &out
}

// FieldChange is one before/after pair inside a correction entry.
type FieldChange struct {
	Field  string `firestore:"field" json:"field"`
	Before any    `firestore:"before" json:"before"`
	After  any    `firestore:"after" json:"after"`
}

// Correction is an append-only audit entry for a reviewer edit applied
// through the optimistic update protocol.
type Correction struct {
	DocumentID string        `firestore:"documentId" json:"documentId"`
	Reviewer   string        `firestore:"reviewer,omitempty" json:"reviewer,omitempty"`
	Changes    []FieldChange `firestore:"changes" json:"changes"`
	AppliedAt  time.Time     `firestore:"appliedAt" json:"appliedAt"`
}

// Draft holds a reviewer's in-progress edit of a document's extracted data.
// Drafts are keyed by (documentId, userId) and are single-writer by
// construction, so they sit outside the optimistic-update protocol.
type Draft struct {
	DocumentID string         `firestore:"documentId" json:"documentId"`
	UserID     string         `firestore:"userId" json:"userId"`
	Data       map[string]any `firestore:"data" json:"data"`
	UpdatedAt  time.Time      `firestore:"updatedAt" json:"updatedAt"`
}
