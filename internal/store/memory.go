package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/intakehq/docintake/internal/models"
)

// MemoryStore is an in-memory Store, Drafts and Counters used by tests. A
// single mutex serializes transactions, which makes them trivially
// serializable; reads inside a transaction observe the pre-transaction
// state and writes are staged until commit, like Firestore.
type MemoryStore struct {
	mu          sync.Mutex
	docs        map[string]*models.Document
	drafts      map[string]*models.Draft
	counters    map[string]int64
	attempts    map[string][]models.Attempt
	corrections map[string][]models.Correction

	// Now is the clock. Tests may freeze or step it; stamps still advance
	// strictly so updatedAt stays usable as a version token.
	Now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:        make(map[string]*models.Document),
		drafts:      make(map[string]*models.Draft),
		counters:    make(map[string]int64),
		attempts:    make(map[string][]models.Attempt),
		corrections: make(map[string][]models.Correction),
		Now:         time.Now,
	}
}

func (s *MemoryStore) stamp(prev time.Time) time.Time {
	ts := s.Now().UTC()
	if !ts.After(prev) {
		ts = prev.Add(time.Microsecond)
	}
	return ts
}

func (s *MemoryStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:       s,
		staged:  make(map[string]*models.Document),
		created: make(map[string]bool),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, fields []Field) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return ErrNotFound
	}
	next := doc.Clone()
	for _, f := range fields {
		if err := applyField(next, f); err != nil {
			return err
		}
	}
	next.UpdatedAt = s.stamp(doc.UpdatedAt)
	s.docs[id] = next
	return nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, st models.Status, limit int) ([]*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Document
	for _, doc := range s.docs {
		if doc.Status == st {
			out = append(out, doc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendAttempt(ctx context.Context, id string, a *models.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := *a
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.Now().UTC()
	}
	s.attempts[id] = append(s.attempts[id], entry)
	return nil
}

// AttemptLog returns the recorded attempt log for a document.
func (s *MemoryStore) AttemptLog(id string) []models.Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Attempt(nil), s.attempts[id]...)
}

// Corrections returns the committed correction entries for a document.
func (s *MemoryStore) Corrections(id string) []models.Correction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Correction(nil), s.corrections[id]...)
}

// Seed installs a document directly, bypassing stamps. Tests use it to
// arrange preexisting state.
func (s *MemoryStore) Seed(doc *models.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = doc.Clone()
}

// memTx stages writes against working copies; nothing is visible until
// commit, and a failed transaction leaves the maps untouched.
type memTx struct {
	s           *MemoryStore
	staged      map[string]*models.Document
	created     map[string]bool
	corrections []models.Correction
}

func (t *memTx) Get(id string) (*models.Document, error) {
	doc, ok := t.s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

func (t *memTx) Create(id string, doc *models.Document) error {
	if _, ok := t.s.docs[id]; ok {
		return ErrAlreadyExists
	}
	if _, ok := t.staged[id]; ok {
		return ErrAlreadyExists
	}
	cp := doc.Clone()
	cp.ID = id
	t.staged[id] = cp
	t.created[id] = true
	return nil
}

func (t *memTx) Update(id string, fields []Field) error {
	target, ok := t.staged[id]
	if !ok {
		committed, exists := t.s.docs[id]
		if !exists {
			return ErrNotFound
		}
		target = committed.Clone()
		t.staged[id] = target
	}
	for _, f := range fields {
		if err := applyField(target, f); err != nil {
			return err
		}
	}
	return nil
}

func (t *memTx) AppendCorrection(c *models.Correction) error {
	t.corrections = append(t.corrections, *c)
	return nil
}

func (t *memTx) commit() {
	for id, doc := range t.staged {
		var prev time.Time
		if old, ok := t.s.docs[id]; ok {
			prev = old.UpdatedAt
		}
		ts := t.s.stamp(prev)
		doc.UpdatedAt = ts
		if t.created[id] {
			doc.CreatedAt = ts
		}
		t.s.docs[id] = doc
	}
	for _, c := range t.corrections {
		c.AppliedAt = t.s.Now().UTC()
		t.s.corrections[c.DocumentID] = append(t.s.corrections[c.DocumentID], c)
	}
}

func (s *MemoryStore) SaveDraft(ctx context.Context, d *models.Draft) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := draftID(d.DocumentID, d.UserID)
	cp := *d
	var prev time.Time
	if old, ok := s.drafts[id]; ok {
		prev = old.UpdatedAt
	}
	cp.UpdatedAt = s.stamp(prev)
	d.UpdatedAt = cp.UpdatedAt
	s.drafts[id] = &cp
	return nil
}

func (s *MemoryStore) GetDraft(ctx context.Context, documentID, userID string) (*models.Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[draftID(documentID, userID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) DeleteDraft(ctx context.Context, documentID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.drafts, draftID(documentID, userID))
	return nil
}

func (s *MemoryStore) Usage(ctx context.Context, keys ...string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(keys))
	for _, k := range keys {
		out[k] = s.counters[k]
	}
	return out, nil
}

func (s *MemoryStore) Reserve(ctx context.Context, limits map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, limit := range limits {
		if s.counters[k] >= limit {
			return ErrLimitReached
		}
	}
	for k := range limits {
		s.counters[k]++
	}
	return nil
}

// applyField mutates one document field addressed by a dotted update path.
// Only the paths the pipeline actually writes are supported; an unknown
// path fails loudly so a typo cannot pass tests silently.
func applyField(d *models.Document, f Field) error {
	if name, ok := strings.CutPrefix(f.Path, "extractedData."); ok {
		if d.ExtractedData == nil {
			d.ExtractedData = make(map[string]any)
		}
		d.ExtractedData[name] = f.Value
		return nil
	}
	switch f.Path {
	case "status":
		switch v := f.Value.(type) {
		case models.Status:
			d.Status = v
		case string:
			d.Status = models.Status(v)
		default:
			return fmt.Errorf("bad value type %T for %s", f.Value, f.Path)
		}
	case "lockExpiresAt":
		t, err := timeValue(f)
		if err != nil {
			return err
		}
		d.LockExpiresAt = t
	case "processedAt":
		t, err := timeValue(f)
		if err != nil {
			return err
		}
		d.ProcessedAt = t
	case "errorMessage":
		d.ErrorMessage, _ = f.Value.(string)
	case "extractedData":
		m, ok := f.Value.(map[string]any)
		if !ok && f.Value != nil {
			return fmt.Errorf("bad value type %T for %s", f.Value, f.Path)
		}
		d.ExtractedData = make(map[string]any, len(m))
		for k, v := range m {
			d.ExtractedData[k] = v
		}
	case "attempts":
		a, ok := f.Value.([]models.Attempt)
		if !ok {
			return fmt.Errorf("bad value type %T for %s", f.Value, f.Path)
		}
		d.Attempts = append([]models.Attempt(nil), a...)
	case "qualityWarnings":
		w, ok := f.Value.([]string)
		if !ok {
			return fmt.Errorf("bad value type %T for %s", f.Value, f.Path)
		}
		d.QualityWarnings = append([]string(nil), w...)
	case "destinationUri":
		d.DestinationURI, _ = f.Value.(string)
	case "sourceUri":
		d.SourceURI, _ = f.Value.(string)
	case "originalFilename":
		d.OriginalFilename, _ = f.Value.(string)
	case "documentType":
		d.DocumentType, _ = f.Value.(string)
	case "executionId":
		d.ExecutionID, _ = f.Value.(string)
	case "pageCount":
		n, ok := f.Value.(int)
		if !ok {
			return fmt.Errorf("bad value type %T for %s", f.Value, f.Path)
		}
		d.PageCount = n
	default:
		return fmt.Errorf("unsupported field path %q", f.Path)
	}
	return nil
}

func timeValue(f Field) (*time.Time, error) {
	switch v := f.Value.(type) {
	case nil:
		return nil, nil
	case time.Time:
		t := v
		return &t, nil
	case *time.Time:
		if v == nil {
			return nil, nil
		}
		t := *v
		return &t, nil
	default:
		return nil, fmt.Errorf("bad value type %T for %s", f.Value, f.Path)
	}
}

var (
	_ Store    = (*MemoryStore)(nil)
	_ Drafts   = (*MemoryStore)(nil)
	_ Counters = (*MemoryStore)(nil)
)
