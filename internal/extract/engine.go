// Package extract runs the tiered model extraction with retry and
// escalation. The decision table is fixed: syntax failures retry on the
// same tier, semantic failures escalate once, rate limits and server
// errors back off and retry, anything unclassified goes to human review.
// Only the counts are configurable.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/intakehq/docintake/internal/audit"
	"github.com/intakehq/docintake/internal/budget"
	"github.com/intakehq/docintake/internal/config"
	"github.com/intakehq/docintake/internal/models"
	"github.com/intakehq/docintake/internal/validate"
)

// maxRawOutputOnRecord bounds the raw output carried on the document
// record itself. The attempt log keeps the full output.
const maxRawOutputOnRecord = 2048

// LLM is one call to an extraction model tier.
type LLM interface {
	Extract(ctx context.Context, req *models.ExtractionRequest, tier models.ModelTier) ([]byte, error)
}

// AttemptSink receives the full attempt log entries. Failures are logged
// and ignored: losing a log entry must not fail a document.
type AttemptSink interface {
	AppendAttempt(ctx context.Context, id string, a *models.Attempt) error
}

// Policy carries the configurable counts of the decision table.
type Policy struct {
	MaxSyntaxAttempts   int
	MaxRateLimitRetries int
	MaxServerRetries    int
	BackoffBase         time.Duration
	BackoffCap          time.Duration
}

func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		MaxSyntaxAttempts:   cfg.Retry.MaxSyntaxAttempts,
		MaxRateLimitRetries: cfg.Retry.MaxRateLimitRetries,
		MaxServerRetries:    cfg.Retry.MaxServerRetries,
		BackoffBase:         cfg.Retry.BackoffBase(),
		BackoffCap:          cfg.Retry.BackoffCap(),
	}
}

// Input is one document ready for extraction.
type Input struct {
	Document  *models.Document
	OCR       *models.OCRResult
	Fields    []models.FieldSpec
	Fragile   bool
	ImageURIs []string
	StartTier models.ModelTier
}

// Outcome classifies how a run ended.
type Outcome int

const (
	// OutcomeSuccess means a validated payload was produced.
	OutcomeSuccess Outcome = iota

	// OutcomeQuarantined means the decision table ran out of moves and a
	// human must look at the document.
	OutcomeQuarantined

	// OutcomeAborted means the run was cut short by context cancellation.
	// The document stays retryable.
	OutcomeAborted
)

// Result is the outcome of one extraction run.
type Result struct {
	Outcome  Outcome
	Payload  map[string]any
	Warnings []string

	// Tier is the tier that produced the successful payload.
	Tier models.ModelTier

	// Attempts are the calls made this run, raw output truncated for the
	// record.
	Attempts []models.Attempt

	QuarantineReason string
	Err              error

	// RawOutput is the last raw model output, kept for reviewers of a
	// quarantined document.
	RawOutput string
}

// Engine drives extraction runs.
type Engine struct {
	llm           LLM
	budget        *budget.Manager
	attempts      AttemptSink
	audit         audit.Sink
	policy        Policy
	minConfidence float64
	sleep         func(ctx context.Context, d time.Duration) error
	now           func() time.Time
}

func NewEngine(llm LLM, bm *budget.Manager, sink AttemptSink, aud audit.Sink, cfg *config.Config) *Engine {
	if aud == nil {
		aud = audit.Nop{}
	}
	return &Engine{
		llm:           llm,
		budget:        bm,
		attempts:      sink,
		audit:         aud,
		policy:        PolicyFromConfig(cfg),
		minConfidence: cfg.MinOCRConfidence,
		sleep:         sleepCtx,
		now:           time.Now,
	}
}

// Extract runs the decision table to a terminal outcome. It never returns
// an error: every failure mode ends in a Result the caller persists.
func (e *Engine) Extract(ctx context.Context, in Input) *Result {
	logCtx := slog.With("documentId", in.Document.ID)
	res := &Result{}

	tier := in.StartTier
	if tier == "" {
		tier = models.TierCheap
	}

	syntaxFailures := make(map[models.ModelTier]int)
	rateLimitRetries := 0
	serverRetries := 0
	priorFailure := hasPriorValidationFailure(in.Document.Attempts)
	calls := 0

	for {
		if err := ctx.Err(); err != nil {
			return e.abort(res, err)
		}

		attach, reason := DecideAttach(AttachInput{
			PriorValidationFailure: priorFailure,
			FragileType:            in.Fragile,
			CallIndex:              calls,
			MinConfidence:          in.OCR.MinConfidence,
			Threshold:              e.minConfidence,
		})
		req := &models.ExtractionRequest{
			DocumentID:   in.Document.ID,
			DocumentType: in.OCR.DocumentType,
			OCRText:      in.OCR.Text,
			Fields:       in.Fields,
			AttachImage:  attach,
			AttachReason: reason,
		}
		if attach {
			req.ImageURIs = in.ImageURIs
		}

		if tier == models.TierExpensive {
			if err := e.budget.Reserve(ctx); err != nil {
				if errors.Is(err, budget.ErrExhausted) {
					e.audit.Emit(ctx, audit.Event{
						Type:       audit.EventBudgetDenied,
						DocumentID: in.Document.ID,
					})
					return e.quarantine(res, logCtx, "expensive tier budget exhausted", err)
				}
				return e.abort(res, err)
			}
		}

		logCtx.Info("Calling extraction model.", "tier", tier, "call", calls+1, "attachImage", attach, "attachReason", reason)
		raw, err := e.llm.Extract(ctx, req, tier)
		calls++

		var payload map[string]any
		var warnings []string
		if err == nil {
			payload, warnings, err = validate.Parse(raw, in.Fields)
		}

		if err == nil {
			e.record(ctx, in.Document.ID, res, tier, "", raw)
			res.Outcome = OutcomeSuccess
			res.Payload = payload
			res.Warnings = warnings
			res.Tier = tier
			logCtx.Info("Extraction succeeded.", "tier", tier, "calls", calls, "warnings", len(warnings))
			return res
		}

		if ctx.Err() != nil {
			return e.abort(res, err)
		}

		errType := Classify(err)
		e.record(ctx, in.Document.ID, res, tier, errType, raw)
		res.RawOutput = string(raw)
		logCtx.Warn("Extraction attempt failed.", "tier", tier, "call", calls, "errorType", errType, "error", err)

		switch errType {
		case ErrorTypeSyntax:
			priorFailure = true
			syntaxFailures[tier]++
			if syntaxFailures[tier] >= e.policy.MaxSyntaxAttempts {
				return e.quarantine(res, logCtx, fmt.Sprintf("syntax failures exhausted on %s tier", tier), err)
			}

		case ErrorTypeSemantic:
			priorFailure = true
			if tier == models.TierExpensive {
				return e.quarantine(res, logCtx, "semantic failure on expensive tier", err)
			}
			ok, berr := e.budget.Available(ctx)
			if berr != nil {
				logCtx.Warn("Failed to read model budget, not escalating.", "error", berr)
				ok = false
			}
			if !ok {
				return e.quarantine(res, logCtx, "semantic failure and no budget to escalate", err)
			}
			logCtx.Info("Escalating to expensive tier.", "documentType", in.OCR.DocumentType)
			e.audit.Emit(ctx, audit.Event{
				Type:       audit.EventEscalated,
				DocumentID: in.Document.ID,
				Detail:     map[string]any{"from": string(tier), "to": string(models.TierExpensive)},
			})
			tier = models.TierExpensive

		case ErrorTypeRateLimit:
			rateLimitRetries++
			if rateLimitRetries > e.policy.MaxRateLimitRetries {
				return e.quarantine(res, logCtx, "rate limit retries exhausted", err)
			}
			if serr := e.sleep(ctx, backoffDelay(e.policy, rateLimitRetries)); serr != nil {
				return e.abort(res, serr)
			}

		case ErrorTypeServer:
			serverRetries++
			if serverRetries > e.policy.MaxServerRetries {
				return e.quarantine(res, logCtx, "server error retries exhausted", err)
			}
			// Server errors wait a flat interval; only rate limits back off.
			if serr := e.sleep(ctx, e.policy.BackoffBase); serr != nil {
				return e.abort(res, serr)
			}

		default:
			return e.quarantine(res, logCtx, "unclassified extraction failure", err)
		}
	}
}

// record appends the attempt to the run result and, best effort, to the
// attempt log.
func (e *Engine) record(ctx context.Context, id string, res *Result, tier models.ModelTier, errType string, raw []byte) {
	ts := e.now().UTC()
	full := models.Attempt{Model: tier, ErrorType: errType, RawOutput: string(raw), Timestamp: ts}
	if err := e.attempts.AppendAttempt(ctx, id, &full); err != nil {
		slog.Warn("Failed to append attempt log entry.", "documentId", id, "error", err)
	}

	onRecord := full
	if errType == "" {
		onRecord.RawOutput = ""
	} else if len(onRecord.RawOutput) > maxRawOutputOnRecord {
		onRecord.RawOutput = onRecord.RawOutput[:maxRawOutputOnRecord]
	}
	res.Attempts = append(res.Attempts, onRecord)
}

func (e *Engine) quarantine(res *Result, logCtx *slog.Logger, reason string, err error) *Result {
	res.Outcome = OutcomeQuarantined
	res.QuarantineReason = reason
	res.Err = err
	logCtx.Error("Extraction quarantined.", "reason", reason, "error", err)
	return res
}

func (e *Engine) abort(res *Result, err error) *Result {
	res.Outcome = OutcomeAborted
	res.Err = err
	return res
}

func hasPriorValidationFailure(attempts []models.Attempt) bool {
	for _, a := range attempts {
		if a.ErrorType == ErrorTypeSyntax || a.ErrorType == ErrorTypeSemantic {
			return true
		}
	}
	return false
}

// backoffDelay doubles from the base per retry, capped.
func backoffDelay(p Policy, retry int) time.Duration {
	d := p.BackoffBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= p.BackoffCap {
			return p.BackoffCap
		}
	}
	if d > p.BackoffCap {
		return p.BackoffCap
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
