package extract

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/intakehq/docintake/internal/audit"
	"github.com/intakehq/docintake/internal/budget"
	"github.com/intakehq/docintake/internal/config"
	"github.com/intakehq/docintake/internal/models"
	"github.com/intakehq/docintake/internal/store"
)

var testFields = []models.FieldSpec{
	{Name: "total", Type: "number", Required: true},
	{Name: "vendor", Type: "string", Required: true},
}

const (
	goodJSON     = `{"total": 99.5, "vendor": "acme"}`
	semanticJSON = `{"vendor": "acme"}`
	badJSON      = `{"total": 99.5, "vendor":`
)

type scriptedCall struct {
	raw string
	err error
}

// fakeLLM replays a fixed script and records every request it saw.
type fakeLLM struct {
	mu     sync.Mutex
	script []scriptedCall
	calls  []models.ExtractionRequest
	tiers  []models.ModelTier
}

func (f *fakeLLM) Extract(ctx context.Context, req *models.ExtractionRequest, tier models.ModelTier) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.calls)
	f.calls = append(f.calls, *req)
	f.tiers = append(f.tiers, tier)
	if i >= len(f.script) {
		return nil, fmt.Errorf("unexpected extra call %d", i+1)
	}
	return []byte(f.script[i].raw), f.script[i].err
}

type fixture struct {
	engine *Engine
	llm    *fakeLLM
	store  *store.MemoryStore
	audit  *audit.Memory
	sleeps *[]time.Duration
}

func newFixture(t *testing.T, script []scriptedCall, mutate func(cfg *config.Config)) *fixture {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	if mutate != nil {
		mutate(cfg)
	}
	s := store.NewMemoryStore()
	llm := &fakeLLM{script: script}
	aud := audit.NewMemory()
	eng := NewEngine(llm, budget.NewManager(s, cfg), s, aud, cfg)

	sleeps := &[]time.Duration{}
	eng.sleep = func(ctx context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return ctx.Err()
	}
	eng.now = func() time.Time { return time.Date(2026, 6, 2, 8, 0, 0, 0, time.UTC) }
	return &fixture{engine: eng, llm: llm, store: s, audit: aud, sleeps: sleeps}
}

func testInput(attempts []models.Attempt) Input {
	return Input{
		Document: &models.Document{ID: "doc1", Attempts: attempts},
		OCR: &models.OCRResult{
			Text:          "INVOICE #42 total 99.50 vendor acme",
			MinConfidence: 0.97,
			PageCount:     1,
			DocumentType:  "invoice",
		},
		Fields:    testFields,
		ImageURIs: []string{"gs://intake/incoming/doc1.pdf"},
	}
}

func (f *fixture) expensiveUsage(t *testing.T) int64 {
	t.Helper()
	usage, err := f.store.Usage(context.Background(), "expensive-2026-06-02")
	require.NoError(t, err)
	return usage["expensive-2026-06-02"]
}

func TestFirstCallSucceeds(t *testing.T) {
	fx := newFixture(t, []scriptedCall{{raw: goodJSON}}, nil)

	res := fx.engine.Extract(context.Background(), testInput(nil))

	require.Equal(t, OutcomeSuccess, res.Outcome)
	require.Equal(t, models.TierCheap, res.Tier)
	require.Equal(t, 99.5, res.Payload["total"])
	require.Len(t, fx.llm.calls, 1)
	require.False(t, fx.llm.calls[0].AttachImage, "clean first call needs no images")
	require.Len(t, res.Attempts, 1)
	require.Empty(t, res.Attempts[0].ErrorType)
	require.Equal(t, int64(0), fx.expensiveUsage(t), "cheap calls never touch the budget")
}

func TestSyntaxFailureRetriesSameTierThenSucceeds(t *testing.T) {
	fx := newFixture(t, []scriptedCall{{raw: badJSON}, {raw: goodJSON}}, nil)

	res := fx.engine.Extract(context.Background(), testInput(nil))

	require.Equal(t, OutcomeSuccess, res.Outcome)
	require.Equal(t, []models.ModelTier{models.TierCheap, models.TierCheap}, fx.llm.tiers)
	require.Len(t, res.Attempts, 2)
	require.Equal(t, ErrorTypeSyntax, res.Attempts[0].ErrorType)
	require.Empty(t, res.Attempts[1].ErrorType)

	retry := fx.llm.calls[1]
	require.True(t, retry.AttachImage, "a retry must carry the page images")
	require.Equal(t, AttachReasonPriorFailure, retry.AttachReason)
	require.Equal(t, []string{"gs://intake/incoming/doc1.pdf"}, retry.ImageURIs)
}

func TestSyntaxFailuresExhaustWithoutEscalating(t *testing.T) {
	fx := newFixture(t, []scriptedCall{{raw: badJSON}, {raw: "still not json"}}, nil)

	res := fx.engine.Extract(context.Background(), testInput(nil))

	require.Equal(t, OutcomeQuarantined, res.Outcome)
	require.Contains(t, res.QuarantineReason, "syntax failures exhausted")
	require.Equal(t, []models.ModelTier{models.TierCheap, models.TierCheap}, fx.llm.tiers,
		"syntax failures never escalate tiers")
	require.Equal(t, int64(0), fx.expensiveUsage(t))
	require.Equal(t, "still not json", res.RawOutput, "last raw output kept for reviewers")
}

func TestSemanticFailureEscalatesOnce(t *testing.T) {
	fx := newFixture(t, []scriptedCall{{raw: semanticJSON}, {raw: goodJSON}}, nil)

	res := fx.engine.Extract(context.Background(), testInput(nil))

	require.Equal(t, OutcomeSuccess, res.Outcome)
	require.Equal(t, models.TierExpensive, res.Tier)
	require.Equal(t, []models.ModelTier{models.TierCheap, models.TierExpensive}, fx.llm.tiers)
	require.Equal(t, int64(1), fx.expensiveUsage(t), "budget reserved before the expensive call")
	require.Contains(t, fx.audit.Types(), audit.EventEscalated)

	escalated := fx.llm.calls[1]
	require.True(t, escalated.AttachImage)
	require.Equal(t, AttachReasonPriorFailure, escalated.AttachReason)
}

func TestSemanticFailureWithoutBudgetQuarantines(t *testing.T) {
	fx := newFixture(t, []scriptedCall{{raw: semanticJSON}}, func(cfg *config.Config) {
		cfg.Budget.DailyLimit = -1
	})

	res := fx.engine.Extract(context.Background(), testInput(nil))

	require.Equal(t, OutcomeQuarantined, res.Outcome)
	require.Contains(t, res.QuarantineReason, "no budget to escalate")
	require.Len(t, fx.llm.calls, 1, "no expensive call may be made without budget")
}

func TestSemanticFailureOnExpensiveTierQuarantines(t *testing.T) {
	fx := newFixture(t, []scriptedCall{{raw: semanticJSON}, {raw: semanticJSON}}, nil)

	res := fx.engine.Extract(context.Background(), testInput(nil))

	require.Equal(t, OutcomeQuarantined, res.Outcome)
	require.Equal(t, "semantic failure on expensive tier", res.QuarantineReason)
	require.Equal(t, []models.ModelTier{models.TierCheap, models.TierExpensive}, fx.llm.tiers)
	require.Equal(t, int64(1), fx.expensiveUsage(t), "the failed expensive call still consumed budget")
}

func TestRateLimitBacksOffThenSucceeds(t *testing.T) {
	rl := &googleapi.Error{Code: 429, Message: "quota"}
	fx := newFixture(t, []scriptedCall{
		{err: rl}, {err: rl}, {err: rl}, {err: rl}, {err: rl}, {raw: goodJSON},
	}, nil)

	res := fx.engine.Extract(context.Background(), testInput(nil))

	require.Equal(t, OutcomeSuccess, res.Outcome)
	require.Len(t, fx.llm.calls, 6, "five retries after the initial call")
	require.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}, *fx.sleeps, "exponential backoff between rate limited calls")
}

func TestRateLimitRetriesExhaust(t *testing.T) {
	rl := &googleapi.Error{Code: 429, Message: "quota"}
	script := make([]scriptedCall, 6)
	for i := range script {
		script[i] = scriptedCall{err: rl}
	}
	fx := newFixture(t, script, nil)

	res := fx.engine.Extract(context.Background(), testInput(nil))

	require.Equal(t, OutcomeQuarantined, res.Outcome)
	require.Equal(t, "rate limit retries exhausted", res.QuarantineReason)
	require.Len(t, fx.llm.calls, 6, "the sixth call is the last")
	for _, a := range res.Attempts {
		require.Equal(t, ErrorTypeRateLimit, a.ErrorType)
	}
}

func TestServerErrorsRetryThenExhaust(t *testing.T) {
	srv := &googleapi.Error{Code: 503, Message: "backend"}
	fx := newFixture(t, []scriptedCall{{err: srv}, {err: srv}, {err: srv}, {err: srv}}, nil)

	res := fx.engine.Extract(context.Background(), testInput(nil))

	require.Equal(t, OutcomeQuarantined, res.Outcome)
	require.Equal(t, "server error retries exhausted", res.QuarantineReason)
	require.Len(t, fx.llm.calls, 4, "three retries after the initial call")
	require.Equal(t, []time.Duration{
		1 * time.Second, 1 * time.Second, 1 * time.Second,
	}, *fx.sleeps, "server errors wait a flat interval between calls")
}

func TestUnknownErrorQuarantinesImmediately(t *testing.T) {
	fx := newFixture(t, []scriptedCall{{err: errors.New("something odd")}}, nil)

	res := fx.engine.Extract(context.Background(), testInput(nil))

	require.Equal(t, OutcomeQuarantined, res.Outcome)
	require.Equal(t, "unclassified extraction failure", res.QuarantineReason)
	require.Len(t, fx.llm.calls, 1)
	require.Empty(t, *fx.sleeps)
}

func TestCancelledContextAborts(t *testing.T) {
	rl := &googleapi.Error{Code: 429, Message: "quota"}
	fx := newFixture(t, []scriptedCall{{err: rl}}, nil)
	fx.engine.sleep = func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	}

	res := fx.engine.Extract(context.Background(), testInput(nil))

	require.Equal(t, OutcomeAborted, res.Outcome)
	require.ErrorIs(t, res.Err, context.Canceled)
}

func TestFragileTypeAttachesImagesOnFirstCall(t *testing.T) {
	fx := newFixture(t, []scriptedCall{{raw: goodJSON}}, nil)
	in := testInput(nil)
	in.Fragile = true

	res := fx.engine.Extract(context.Background(), in)

	require.Equal(t, OutcomeSuccess, res.Outcome)
	require.True(t, fx.llm.calls[0].AttachImage)
	require.Equal(t, AttachReasonFragileType, fx.llm.calls[0].AttachReason)
}

func TestLowConfidenceAttachesImages(t *testing.T) {
	fx := newFixture(t, []scriptedCall{{raw: goodJSON}}, nil)
	in := testInput(nil)
	in.OCR.MinConfidence = 0.4

	res := fx.engine.Extract(context.Background(), in)

	require.Equal(t, OutcomeSuccess, res.Outcome)
	require.True(t, fx.llm.calls[0].AttachImage)
	require.Equal(t, AttachReasonLowConfidence, fx.llm.calls[0].AttachReason)
}

func TestPriorRunFailureAttachesImagesOnFirstCall(t *testing.T) {
	fx := newFixture(t, []scriptedCall{{raw: goodJSON}}, nil)
	prior := []models.Attempt{{Model: models.TierCheap, ErrorType: ErrorTypeSemantic}}

	res := fx.engine.Extract(context.Background(), testInput(prior))

	require.Equal(t, OutcomeSuccess, res.Outcome)
	require.True(t, fx.llm.calls[0].AttachImage)
	require.Equal(t, AttachReasonPriorFailure, fx.llm.calls[0].AttachReason)
}

func TestAttemptLogReceivesFullRawOutput(t *testing.T) {
	long := `{"vendor": "` + string(make([]byte, 3000)) + `"`
	fx := newFixture(t, []scriptedCall{{raw: long}, {raw: goodJSON}}, nil)

	res := fx.engine.Extract(context.Background(), testInput(nil))

	require.Equal(t, OutcomeSuccess, res.Outcome)
	logged := fx.store.AttemptLog("doc1")
	require.Len(t, logged, 2)
	require.Len(t, logged[0].RawOutput, len(long), "attempt log keeps the full output")
	require.LessOrEqual(t, len(res.Attempts[0].RawOutput), maxRawOutputOnRecord,
		"the record carries a bounded copy")
}
