// Package store persists document records, reviewer drafts and usage
// counters. The Firestore implementation is the production backend; the
// in-memory implementation backs tests.
//
// Every create and update stamps the record's updatedAt. Callers never set
// it themselves: the stamp is what makes updatedAt usable as the version
// token for optimistic updates.
package store

import (
	"context"
	"errors"

	"github.com/intakehq/docintake/internal/models"
)

var (
	// ErrNotFound is returned when a document, draft or counter lookup
	// misses.
	ErrNotFound = errors.New("document not found")

	// ErrAlreadyExists is returned by Tx.Create when the document ID is
	// already taken.
	ErrAlreadyExists = errors.New("document already exists")

	// ErrLimitReached is returned by Counters.Reserve when an increment
	// would cross a limit. No increment is applied in that case.
	ErrLimitReached = errors.New("usage limit reached")
)

// Field is one path/value pair for a partial update. Paths use dotted
// notation for nested maps, e.g. "extractedData.total".
type Field struct {
	Path  string
	Value any
}

// Tx is the transactional view of the document collection. Reads observe
// the pre-transaction state and writes are buffered until commit, matching
// Firestore transaction semantics. All reads must happen before the first
// write.
type Tx interface {
	Get(id string) (*models.Document, error)
	Create(id string, doc *models.Document) error
	Update(id string, fields []Field) error

	// AppendCorrection stages an append-only correction entry, committed
	// atomically with the rest of the transaction.
	AppendCorrection(c *models.Correction) error
}

// Store is the document record store.
type Store interface {
	// RunTransaction executes fn inside a transaction. The transaction
	// commits only if fn returns nil; contention is retried by the
	// backend, so fn must be idempotent.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Get(ctx context.Context, id string) (*models.Document, error)
	Update(ctx context.Context, id string, fields []Field) error
	ListByStatus(ctx context.Context, status models.Status, limit int) ([]*models.Document, error)

	// AppendAttempt records one extraction attempt in the document's
	// attempt log. The log is an audit trail: callers treat failures as
	// non-fatal.
	AppendAttempt(ctx context.Context, id string, a *models.Attempt) error
}

// Drafts stores reviewer drafts keyed by (documentId, userId).
type Drafts interface {
	// SaveDraft upserts the draft and stamps d.UpdatedAt.
	SaveDraft(ctx context.Context, d *models.Draft) error
	GetDraft(ctx context.Context, documentID, userID string) (*models.Draft, error)
	DeleteDraft(ctx context.Context, documentID, userID string) error
}

// Counters tracks monotonically increasing usage counts.
type Counters interface {
	// Usage returns the current count per key. Missing keys read as zero.
	Usage(ctx context.Context, keys ...string) (map[string]int64, error)

	// Reserve atomically increments every key by one, but only if each
	// key's current count is strictly below its paired limit. On
	// ErrLimitReached nothing is incremented.
	Reserve(ctx context.Context, limits map[string]int64) error
}
