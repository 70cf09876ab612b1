package review

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/intakehq/docintake/internal/models"
	"github.com/intakehq/docintake/internal/store"
)

func seedStore(t *testing.T) (*store.MemoryStore, *models.Document) {
	t.Helper()
	s := store.NewMemoryStore()
	s.Seed(&models.Document{
		ID:            "doc1",
		Status:        models.StatusCompleted,
		ExtractedData: map[string]any{"total": 99.5, "vendor": "acne"},
		UpdatedAt:     time.Date(2026, 4, 10, 12, 0, 0, 500_000, time.UTC),
	})
	doc, err := s.Get(context.Background(), "doc1")
	require.NoError(t, err)
	return s, doc
}

func TestApplyWithFreshVersion(t *testing.T) {
	ctx := context.Background()
	s, doc := seedStore(t)
	u := NewUpdater(s)

	res, err := u.Apply(ctx, "doc1", map[string]any{"vendor": "acme"}, doc.UpdatedAt, "reviewer-1")
	require.NoError(t, err)
	require.Equal(t, UpdateApplied, res.Outcome)
	require.Equal(t, "acme", res.Document.ExtractedData["vendor"])
	require.Equal(t, 99.5, res.Document.ExtractedData["total"], "untouched fields survive")
	require.True(t, res.Document.UpdatedAt.After(doc.UpdatedAt), "an applied correction moves the version")

	entries := s.Corrections("doc1")
	require.Len(t, entries, 1)
	require.Equal(t, "reviewer-1", entries[0].Reviewer)
	require.Equal(t, []models.FieldChange{{Field: "vendor", Before: "acne", After: "acme"}}, entries[0].Changes)
}

func TestApplyWithStaleVersionConflicts(t *testing.T) {
	ctx := context.Background()
	s, doc := seedStore(t)
	u := NewUpdater(s)

	stale := doc.UpdatedAt.Add(-5 * time.Millisecond)
	res, err := u.Apply(ctx, "doc1", map[string]any{"vendor": "acme"}, stale, "reviewer-1")
	require.NoError(t, err)
	require.Equal(t, UpdateConflict, res.Outcome)
	require.Equal(t, stale, res.Expected)
	require.Equal(t, doc.UpdatedAt, res.Actual)

	unchanged, err := s.Get(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, "acne", unchanged.ExtractedData["vendor"], "a conflict writes nothing")
	require.Equal(t, doc.UpdatedAt, unchanged.UpdatedAt)
	require.Empty(t, s.Corrections("doc1"), "a conflict records no correction")
}

func TestApplyToleratesTimestampTruncation(t *testing.T) {
	ctx := context.Background()
	s, doc := seedStore(t)
	u := NewUpdater(s)

	// A client that parsed the version from JSON with millisecond
	// precision echoes a truncated value.
	truncated := doc.UpdatedAt.Truncate(time.Millisecond)
	require.NotEqual(t, doc.UpdatedAt, truncated)

	res, err := u.Apply(ctx, "doc1", map[string]any{"vendor": "acme"}, truncated, "reviewer-1")
	require.NoError(t, err)
	require.Equal(t, UpdateApplied, res.Outcome)
}

func TestSecondReviewerLosesTheRace(t *testing.T) {
	ctx := context.Background()
	s, doc := seedStore(t)
	u := NewUpdater(s)

	// Both reviewers read the same version.
	first, err := u.Apply(ctx, "doc1", map[string]any{"vendor": "acme"}, doc.UpdatedAt, "reviewer-1")
	require.NoError(t, err)
	require.Equal(t, UpdateApplied, first.Outcome)

	second, err := u.Apply(ctx, "doc1", map[string]any{"total": 100.0}, doc.UpdatedAt, "reviewer-2")
	require.NoError(t, err)
	require.Equal(t, UpdateConflict, second.Outcome, "the lost update must be refused")

	// After re-reading the fresh version the second edit lands.
	retry, err := u.Apply(ctx, "doc1", map[string]any{"total": 100.0}, first.Document.UpdatedAt, "reviewer-2")
	require.NoError(t, err)
	require.Equal(t, UpdateApplied, retry.Outcome)
	require.Equal(t, "acme", retry.Document.ExtractedData["vendor"], "first correction preserved")
	require.Equal(t, 100.0, retry.Document.ExtractedData["total"])
	require.Len(t, s.Corrections("doc1"), 2)
}

func TestApplyMissingDocument(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	u := NewUpdater(s)

	res, err := u.Apply(ctx, "ghost", map[string]any{"vendor": "acme"}, time.Now(), "reviewer-1")
	require.NoError(t, err)
	require.Equal(t, UpdateNotFound, res.Outcome)
}

func TestApplyRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	s, doc := seedStore(t)
	u := NewUpdater(s)

	_, err := u.Apply(ctx, "doc1", nil, doc.UpdatedAt, "reviewer-1")
	require.ErrorIs(t, err, ErrInvalid)

	_, err = u.Apply(ctx, "doc1", map[string]any{"a.b": 1}, doc.UpdatedAt, "reviewer-1")
	require.ErrorIs(t, err, ErrInvalid)
}
