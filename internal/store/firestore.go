package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/intakehq/docintake/internal/config"
	"github.com/intakehq/docintake/internal/models"
)

const correctionsSubcollection = "corrections"

// FirestoreStore implements Store, Drafts and Counters on Cloud Firestore.
type FirestoreStore struct {
	client    *firestore.Client
	documents string
	drafts    string
	counters  string
	attempts  string
	now       func() time.Time
}

// NewFirestoreStore wraps an existing Firestore client. Collection names
// come from the config snapshot the process was started with.
func NewFirestoreStore(client *firestore.Client, cfg *config.Config) *FirestoreStore {
	return &FirestoreStore{
		client:    client,
		documents: cfg.DocumentsCollection,
		drafts:    cfg.DraftsCollection,
		counters:  cfg.CountersCollection,
		attempts:  cfg.AttemptsSubcollection,
		now:       time.Now,
	}
}

func (s *FirestoreStore) docRef(id string) *firestore.DocumentRef {
	return s.client.Collection(s.documents).Doc(id)
}

func decodeDocument(snap *firestore.DocumentSnapshot) (*models.Document, error) {
	var d models.Document
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", snap.Ref.ID, err)
	}
	d.ID = snap.Ref.ID
	return &d, nil
}

// updates converts fields and stamps updatedAt so every mutation advances
// the version token.
func (s *FirestoreStore) updates(fields []Field) []firestore.Update {
	out := make([]firestore.Update, 0, len(fields)+1)
	for _, f := range fields {
		out = append(out, firestore.Update{Path: f.Path, Value: f.Value})
	}
	return append(out, firestore.Update{Path: "updatedAt", Value: s.now().UTC()})
}

func (s *FirestoreStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(ctx, &firestoreTx{s: s, tx: tx})
	})
}

func (s *FirestoreStore) Get(ctx context.Context, id string) (*models.Document, error) {
	snap, err := s.docRef(id).Get(ctx)
	if err != nil {
		if grpcstatus.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document %s: %w", id, err)
	}
	return decodeDocument(snap)
}

func (s *FirestoreStore) Update(ctx context.Context, id string, fields []Field) error {
	if _, err := s.docRef(id).Update(ctx, s.updates(fields)); err != nil {
		if grpcstatus.Code(err) == codes.NotFound {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update document %s: %w", id, err)
	}
	return nil
}

func (s *FirestoreStore) ListByStatus(ctx context.Context, st models.Status, limit int) ([]*models.Document, error) {
	q := s.client.Collection(s.documents).
		Where("status", "==", string(st)).
		OrderBy("updatedAt", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []*models.Document
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list %s documents: %w", st, err)
		}
		doc, err := decodeDocument(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func (s *FirestoreStore) AppendAttempt(ctx context.Context, id string, a *models.Attempt) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = s.now().UTC()
	}
	ref := s.docRef(id).Collection(s.attempts).NewDoc()
	if _, err := ref.Create(ctx, a); err != nil {
		return fmt.Errorf("failed to append attempt for %s: %w", id, err)
	}
	return nil
}

// firestoreTx adapts *firestore.Transaction to the Tx interface.
type firestoreTx struct {
	s  *FirestoreStore
	tx *firestore.Transaction
}

func (t *firestoreTx) Get(id string) (*models.Document, error) {
	snap, err := t.tx.Get(t.s.docRef(id))
	if err != nil {
		if grpcstatus.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document %s: %w", id, err)
	}
	return decodeDocument(snap)
}

func (t *firestoreTx) Create(id string, doc *models.Document) error {
	now := t.s.now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	if err := t.tx.Create(t.s.docRef(id), doc); err != nil {
		if grpcstatus.Code(err) == codes.AlreadyExists {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create document %s: %w", id, err)
	}
	return nil
}

func (t *firestoreTx) Update(id string, fields []Field) error {
	if err := t.tx.Update(t.s.docRef(id), t.s.updates(fields)); err != nil {
		return fmt.Errorf("failed to update document %s: %w", id, err)
	}
	return nil
}

func (t *firestoreTx) AppendCorrection(c *models.Correction) error {
	c.AppliedAt = t.s.now().UTC()
	ref := t.s.docRef(c.DocumentID).Collection(correctionsSubcollection).NewDoc()
	if err := t.tx.Create(ref, c); err != nil {
		return fmt.Errorf("failed to append correction for %s: %w", c.DocumentID, err)
	}
	return nil
}

func draftID(documentID, userID string) string {
	return documentID + "__" + userID
}

func (s *FirestoreStore) SaveDraft(ctx context.Context, d *models.Draft) error {
	d.UpdatedAt = s.now().UTC()
	ref := s.client.Collection(s.drafts).Doc(draftID(d.DocumentID, d.UserID))
	if _, err := ref.Set(ctx, d); err != nil {
		return fmt.Errorf("failed to save draft for %s: %w", d.DocumentID, err)
	}
	return nil
}

func (s *FirestoreStore) GetDraft(ctx context.Context, documentID, userID string) (*models.Draft, error) {
	snap, err := s.client.Collection(s.drafts).Doc(draftID(documentID, userID)).Get(ctx)
	if err != nil {
		if grpcstatus.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get draft for %s: %w", documentID, err)
	}
	var d models.Draft
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("failed to decode draft %s: %w", snap.Ref.ID, err)
	}
	return &d, nil
}

// DeleteDraft is idempotent: deleting a missing draft is not an error.
func (s *FirestoreStore) DeleteDraft(ctx context.Context, documentID, userID string) error {
	if _, err := s.client.Collection(s.drafts).Doc(draftID(documentID, userID)).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete draft for %s: %w", documentID, err)
	}
	return nil
}

// All budget counters live in one shared document whose fields are the
// calendar keys. Concurrent reservations serialize on that document.
const budgetCounterDoc = "model-budget"

func (s *FirestoreStore) Usage(ctx context.Context, keys ...string) (map[string]int64, error) {
	snap, err := s.client.Collection(s.counters).Doc(budgetCounterDoc).Get(ctx)
	if err != nil && grpcstatus.Code(err) != codes.NotFound {
		return nil, fmt.Errorf("failed to read usage counters: %w", err)
	}
	out := make(map[string]int64, len(keys))
	for _, k := range keys {
		out[k] = counterValue(snap, k)
	}
	return out, nil
}

func (s *FirestoreStore) Reserve(ctx context.Context, limits map[string]int64) error {
	keys := make([]string, 0, len(limits))
	for k := range limits {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ref := s.client.Collection(s.counters).Doc(budgetCounterDoc)

	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && grpcstatus.Code(err) != codes.NotFound {
			return fmt.Errorf("failed to read usage counters: %w", err)
		}
		for _, k := range keys {
			if counterValue(snap, k) >= limits[k] {
				return ErrLimitReached
			}
		}
		updates := make(map[string]any, len(keys)+1)
		for _, k := range keys {
			updates[k] = firestore.Increment(1)
		}
		updates["updatedAt"] = s.now().UTC()
		if err := tx.Set(ref, updates, firestore.MergeAll); err != nil {
			return fmt.Errorf("failed to increment usage counters: %w", err)
		}
		return nil
	})
}

func counterValue(snap *firestore.DocumentSnapshot, key string) int64 {
	if snap == nil || !snap.Exists() {
		return 0
	}
	v, err := snap.DataAt(key)
	if err != nil {
		return 0
	}
	n, ok := v.(int64)
	if !ok {
		return 0
	}
	return n
}

var (
	_ Store    = (*FirestoreStore)(nil)
	_ Drafts   = (*FirestoreStore)(nil)
	_ Counters = (*FirestoreStore)(nil)
)
