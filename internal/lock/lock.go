// Package lock implements the distributed processing claim on document
// records. The claim is a lockExpiresAt timestamp on the record itself,
// acquired in a store transaction and renewed by a heartbeat goroutine, so
// a crashed worker's claim simply expires and a later trigger can take the
// document over.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/intakehq/docintake/internal/config"
	"github.com/intakehq/docintake/internal/models"
	"github.com/intakehq/docintake/internal/store"
)

// Outcome classifies an acquisition attempt.
type Outcome int

const (
	// OutcomeAcquired means the caller owns the document and must call
	// Release on every exit path.
	OutcomeAcquired Outcome = iota

	// OutcomeAlreadyCompleted means the document reached COMPLETED earlier.
	// Duplicate triggers land here and must do nothing.
	OutcomeAlreadyCompleted

	// OutcomeHeld means another worker holds an unexpired claim.
	OutcomeHeld
)

// Acquisition is the result of an Acquire call.
type Acquisition struct {
	Outcome Outcome

	// Document is the record state as of the acquisition transaction,
	// including the writes the transaction made.
	Document *models.Document

	// Takeover is set when the claim was taken from an expired lock or a
	// reprocessable terminal state rather than created fresh.
	Takeover bool

	// PreviousStatus is the status the record had before a takeover.
	PreviousStatus models.Status

	// HeldUntil is when the current owner's claim expires. Set only for
	// OutcomeHeld.
	HeldUntil time.Time

	// Handle is the owned claim. Non-nil exactly when Outcome is
	// OutcomeAcquired.
	Handle *Handle
}

// Seed is the initial record state written when a document is seen for the
// first time.
type Seed struct {
	SourceURI        string
	OriginalFilename string
	ExecutionID      string
}

// Manager acquires and renews processing claims.
type Manager struct {
	store     store.Store
	ttl       time.Duration
	heartbeat time.Duration
	now       func() time.Time
}

func NewManager(st store.Store, cfg *config.Config) *Manager {
	return &Manager{
		store:     st,
		ttl:       cfg.Lock.TTL(),
		heartbeat: cfg.Lock.HeartbeatInterval(),
		now:       time.Now,
	}
}

// Acquire claims the document in a single transaction. A missing record is
// created in PENDING with the claim set; an unlocked or expired record is
// taken over unless it is COMPLETED, which is terminal forever.
//
// The transaction body may be retried by the backend, so it rebuilds its
// result from the freshly read state on every run.
func (m *Manager) Acquire(ctx context.Context, id string, seed Seed) (*Acquisition, error) {
	var acq Acquisition
	err := m.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		acq = Acquisition{}
		now := m.now().UTC()
		expiry := now.Add(m.ttl)

		doc, err := tx.Get(id)
		if errors.Is(err, store.ErrNotFound) {
			fresh := &models.Document{
				ID:               id,
				Status:           models.StatusPending,
				SourceURI:        seed.SourceURI,
				OriginalFilename: seed.OriginalFilename,
				ExecutionID:      seed.ExecutionID,
				LockExpiresAt:    &expiry,
			}
			if err := tx.Create(id, fresh); err != nil {
				return err
			}
			acq = Acquisition{Outcome: OutcomeAcquired, Document: fresh}
			return nil
		}
		if err != nil {
			return err
		}

		if doc.Status == models.StatusCompleted {
			acq = Acquisition{Outcome: OutcomeAlreadyCompleted, Document: doc}
			return nil
		}
		if doc.Locked(now) {
			acq = Acquisition{Outcome: OutcomeHeld, Document: doc, HeldUntil: *doc.LockExpiresAt}
			return nil
		}

		prev := doc.Status
		fields := []store.Field{
			{Path: "status", Value: models.StatusPending},
			{Path: "lockExpiresAt", Value: expiry},
			{Path: "errorMessage", Value: ""},
			{Path: "executionId", Value: seed.ExecutionID},
		}
		// Identical content can re-arrive at a new path; the claim follows
		// the live object.
		if seed.SourceURI != "" && seed.SourceURI != doc.SourceURI {
			fields = append(fields, store.Field{Path: "sourceUri", Value: seed.SourceURI})
			doc.SourceURI = seed.SourceURI
		}
		if err := tx.Update(id, fields); err != nil {
			return err
		}
		doc.Status = models.StatusPending
		doc.LockExpiresAt = &expiry
		doc.ErrorMessage = ""
		doc.ExecutionID = seed.ExecutionID
		acq = Acquisition{Outcome: OutcomeAcquired, Document: doc, Takeover: true, PreviousStatus: prev}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock for %s: %w", id, err)
	}

	if acq.Outcome == OutcomeAcquired {
		acq.Handle = m.startHeartbeat(id)
	}
	return &acq, nil
}

// Handle is an owned processing claim with a running heartbeat.
type Handle struct {
	m      *Manager
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// startHeartbeat renews the claim on its own context, detached from the
// request: a cancelled invocation must still be able to write its final
// state before the claim is dropped.
func (m *Manager) startHeartbeat(id string) *Handle {
	hbCtx, cancel := context.WithCancel(context.Background())
	h := &Handle{m: m, id: id, cancel: cancel, done: make(chan struct{})}
	go h.run(hbCtx)
	return h
}

func (h *Handle) run(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.m.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expiry := h.m.now().UTC().Add(h.m.ttl)
			err := h.m.store.Update(ctx, h.id, []store.Field{{Path: "lockExpiresAt", Value: expiry}})
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("Failed to renew processing lock.", "documentId", h.id, "error", err)
			}
		}
	}
}

// Release stops the heartbeat, waits for it to exit, then writes the final
// status and clears the claim in a single update. The heartbeat join comes
// first so no renewal can land after the clear.
//
// Release is idempotent; only the first call writes. Callers should pass a
// context that outlives the processing deadline.
func (h *Handle) Release(ctx context.Context, final models.Status, errorMessage string) error {
	var err error
	h.once.Do(func() {
		h.cancel()
		<-h.done
		err = h.m.store.Update(ctx, h.id, []store.Field{
			{Path: "status", Value: final},
			{Path: "lockExpiresAt", Value: nil},
			{Path: "errorMessage", Value: errorMessage},
		})
	})
	if err != nil {
		return fmt.Errorf("failed to release lock for %s: %w", h.id, err)
	}
	return nil
}
