package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/intakehq/docintake/internal/config"
	"github.com/intakehq/docintake/internal/models"
	"github.com/intakehq/docintake/internal/store"
)

func newManager(t *testing.T) (*Manager, *store.MemoryStore) {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	s := store.NewMemoryStore()
	return NewManager(s, cfg), s
}

func TestAcquireCreatesFreshRecord(t *testing.T) {
	ctx := context.Background()
	m, s := newManager(t)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	acq, err := m.Acquire(ctx, "doc1", Seed{SourceURI: "gs://intake/doc1.pdf", ExecutionID: "exec-1"})
	require.NoError(t, err)
	require.Equal(t, OutcomeAcquired, acq.Outcome)
	require.False(t, acq.Takeover)
	require.NotNil(t, acq.Handle)
	defer acq.Handle.Release(ctx, models.StatusFailed, "test teardown")

	doc, err := s.Get(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, doc.Status)
	require.Equal(t, "gs://intake/doc1.pdf", doc.SourceURI)
	require.Equal(t, "exec-1", doc.ExecutionID)
	require.NotNil(t, doc.LockExpiresAt)
	require.Equal(t, now.Add(10*time.Minute), *doc.LockExpiresAt)
}

func TestAcquireWhileHeld(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	first, err := m.Acquire(ctx, "doc1", Seed{SourceURI: "gs://intake/doc1.pdf"})
	require.NoError(t, err)
	require.Equal(t, OutcomeAcquired, first.Outcome)
	defer first.Handle.Release(ctx, models.StatusFailed, "test teardown")

	second, err := m.Acquire(ctx, "doc1", Seed{SourceURI: "gs://intake/doc1.pdf"})
	require.NoError(t, err)
	require.Equal(t, OutcomeHeld, second.Outcome)
	require.Nil(t, second.Handle)
	require.Equal(t, *first.Document.LockExpiresAt, second.HeldUntil)
}

func TestAcquireSkipsCompleted(t *testing.T) {
	ctx := context.Background()
	m, s := newManager(t)
	stamp := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	s.Seed(&models.Document{ID: "doc1", Status: models.StatusCompleted, UpdatedAt: stamp})

	acq, err := m.Acquire(ctx, "doc1", Seed{})
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyCompleted, acq.Outcome)
	require.Nil(t, acq.Handle)

	doc, err := s.Get(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, stamp, doc.UpdatedAt, "a skip must not touch the record")
}

func TestAcquireTakesOverExpiredLock(t *testing.T) {
	ctx := context.Background()
	m, s := newManager(t)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	expired := now.Add(-time.Minute)
	s.Seed(&models.Document{
		ID:            "doc1",
		Status:        models.StatusProcessing,
		LockExpiresAt: &expired,
		ErrorMessage:  "leftover",
	})

	acq, err := m.Acquire(ctx, "doc1", Seed{ExecutionID: "exec-2"})
	require.NoError(t, err)
	require.Equal(t, OutcomeAcquired, acq.Outcome)
	require.True(t, acq.Takeover)
	require.Equal(t, models.StatusProcessing, acq.PreviousStatus)
	defer acq.Handle.Release(ctx, models.StatusFailed, "test teardown")

	doc, err := s.Get(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, doc.Status)
	require.Equal(t, now.Add(10*time.Minute), *doc.LockExpiresAt)
	require.Empty(t, doc.ErrorMessage)
	require.Equal(t, "exec-2", doc.ExecutionID)
}

func TestAcquireReclaimsFailedRecord(t *testing.T) {
	ctx := context.Background()
	m, s := newManager(t)
	s.Seed(&models.Document{ID: "doc1", Status: models.StatusFailed, ErrorMessage: "old failure"})

	acq, err := m.Acquire(ctx, "doc1", Seed{})
	require.NoError(t, err)
	require.Equal(t, OutcomeAcquired, acq.Outcome)
	require.True(t, acq.Takeover)
	require.Equal(t, models.StatusFailed, acq.PreviousStatus)
	require.NoError(t, acq.Handle.Release(ctx, models.StatusFailed, "still failing"))

	doc, err := s.Get(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, "still failing", doc.ErrorMessage)
}

func TestReleaseWritesFinalStateOnce(t *testing.T) {
	ctx := context.Background()
	m, s := newManager(t)

	acq, err := m.Acquire(ctx, "doc1", Seed{SourceURI: "gs://intake/doc1.pdf"})
	require.NoError(t, err)

	require.NoError(t, acq.Handle.Release(ctx, models.StatusCompleted, ""))
	first, err := s.Get(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, first.Status)
	require.Nil(t, first.LockExpiresAt)

	require.NoError(t, acq.Handle.Release(ctx, models.StatusFailed, "must not apply"))
	second, err := s.Get(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, second.Status)
	require.Equal(t, first.UpdatedAt, second.UpdatedAt, "second release must not write")
}

func TestHeartbeatExtendsLock(t *testing.T) {
	ctx := context.Background()
	m, s := newManager(t)
	m.ttl = time.Second
	m.heartbeat = 10 * time.Millisecond

	acq, err := m.Acquire(ctx, "doc1", Seed{SourceURI: "gs://intake/doc1.pdf"})
	require.NoError(t, err)
	initial := *acq.Document.LockExpiresAt

	require.Eventually(t, func() bool {
		doc, err := s.Get(ctx, "doc1")
		if err != nil {
			return false
		}
		return doc.LockExpiresAt != nil && doc.LockExpiresAt.After(initial)
	}, 2*time.Second, 5*time.Millisecond, "heartbeat should push the expiry forward")

	require.NoError(t, acq.Handle.Release(ctx, models.StatusCompleted, ""))

	released, err := s.Get(ctx, "doc1")
	require.NoError(t, err)
	require.Nil(t, released.LockExpiresAt)

	// No renewal may land after release has cleared the claim.
	time.Sleep(5 * m.heartbeat)
	after, err := s.Get(ctx, "doc1")
	require.NoError(t, err)
	require.Nil(t, after.LockExpiresAt)
	require.Equal(t, released.UpdatedAt, after.UpdatedAt)
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	const workers = 8
	type result struct {
		acq *Acquisition
		err error
	}
	results := make(chan result, workers)
	for i := 0; i < workers; i++ {
		go func() {
			acq, err := m.Acquire(ctx, "doc1", Seed{SourceURI: "gs://intake/doc1.pdf"})
			results <- result{acq: acq, err: err}
		}()
	}

	var winners []*Acquisition
	for i := 0; i < workers; i++ {
		r := <-results
		require.NoError(t, r.err)
		if r.acq.Outcome == OutcomeAcquired {
			winners = append(winners, r.acq)
		} else {
			require.Equal(t, OutcomeHeld, r.acq.Outcome)
		}
	}
	require.Len(t, winners, 1, "exactly one worker may win the claim")
	require.NoError(t, winners[0].Handle.Release(ctx, models.StatusFailed, "test teardown"))
}
