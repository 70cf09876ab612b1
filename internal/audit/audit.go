// Package audit emits pipeline events to Pub/Sub. Emission is
// fire-and-forget: the pipeline never blocks or fails on the audit path.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
)

// Event types emitted by the pipeline.
const (
	EventLockAcquired  = "lock.acquired"
	EventLockTakeover  = "lock.takeover"
	EventLockContended = "lock.contended"
	EventCompleted     = "document.completed"
	EventFailed        = "document.failed"
	EventQuarantined   = "document.quarantined"
	EventCorrected     = "document.corrected"
	EventEscalated     = "extraction.escalated"
	EventBudgetDenied  = "budget.denied"
)

// Event is one pipeline audit event.
type Event struct {
	Type        string         `json:"type"`
	DocumentID  string         `json:"documentId"`
	ExecutionID string         `json:"executionId,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Sink receives audit events. Implementations must not block the caller
// beyond enqueueing.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// PubSubSink publishes events to a Pub/Sub topic. Publish results are
// drained in the background; a failed publish is logged and dropped.
type PubSubSink struct {
	topic *pubsub.Topic
}

func NewPubSubSink(client *pubsub.Client, topic string) *PubSubSink {
	return &PubSubSink{topic: client.Topic(topic)}
}

func (s *PubSubSink) Emit(ctx context.Context, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("Failed to marshal audit event.", "type", e.Type, "documentId", e.DocumentID, "error", err)
		return
	}
	res := s.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"type":       e.Type,
			"documentId": e.DocumentID,
		},
	})
	go func() {
		if _, err := res.Get(context.Background()); err != nil {
			slog.Error("Failed to publish audit event.", "type", e.Type, "documentId", e.DocumentID, "error", err)
		}
	}()
}

// Stop flushes pending publishes.
func (s *PubSubSink) Stop() {
	s.topic.Stop()
}

// Nop discards all events. Used when no audit topic is configured.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// Memory collects events for tests.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Emit(ctx context.Context, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Types returns the event types in emission order.
func (m *Memory) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

var (
	_ Sink = (*PubSubSink)(nil)
	_ Sink = Nop{}
	_ Sink = (*Memory)(nil)
)
