// Package saga runs ordered multi-step operations with compensation. The
// persistence of an extraction result spans the record store and blob
// storage, which cannot share a transaction; a saga keeps the two
// eventually consistent by undoing completed steps when a later one fails.
package saga

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// compensationTimeout bounds the compensation walk after a failure.
// Compensation runs on a context detached from the trigger, so an expired
// processing deadline cannot skip cleanup.
const compensationTimeout = 30 * time.Second

// Step is one forward action paired with the action that undoes it. A nil
// Compensate means the step needs no undo.
type Step struct {
	Name       string
	Execute    func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// CompensationFailure records a compensation that itself failed. The saga
// keeps walking after one; the failure is surfaced for the caller to log
// and for operators to repair by hand.
type CompensationFailure struct {
	Step string
	Err  error
}

// Result describes how far a saga got.
type Result struct {
	Success              bool
	ExecutedSteps        []string
	FailedStep           string
	Err                  error
	CompensatedSteps     []string
	CompensationFailures []CompensationFailure
}

// Execute runs steps in order. On the first failure it compensates every
// previously executed step in strict reverse order, best effort, and
// reports what happened. A panicking step is treated as a failed step.
func Execute(ctx context.Context, logCtx *slog.Logger, steps []Step) *Result {
	if logCtx == nil {
		logCtx = slog.Default()
	}
	res := &Result{}

	for i, step := range steps {
		logCtx.Info("Executing saga step.", "step", step.Name)
		if err := runStep(ctx, step.Execute); err != nil {
			logCtx.Error("Saga step failed, compensating.", "step", step.Name, "error", err)
			res.FailedStep = step.Name
			res.Err = err
			compensate(ctx, logCtx, steps[:i], res)
			return res
		}
		res.ExecutedSteps = append(res.ExecutedSteps, step.Name)
	}

	res.Success = true
	return res
}

func compensate(ctx context.Context, logCtx *slog.Logger, executed []Step, res *Result) {
	compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	for i := len(executed) - 1; i >= 0; i-- {
		step := executed[i]
		if step.Compensate == nil {
			continue
		}
		logCtx.Info("Compensating saga step.", "step", step.Name)
		if err := runStep(compCtx, step.Compensate); err != nil {
			logCtx.Error("Saga compensation failed.", "step", step.Name, "error", err)
			res.CompensationFailures = append(res.CompensationFailures, CompensationFailure{Step: step.Name, Err: err})
			continue
		}
		res.CompensatedSteps = append(res.CompensatedSteps, step.Name)
	}
}

func runStep(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panicked: %v", r)
		}
	}()
	return fn(ctx)
}
