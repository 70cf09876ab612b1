package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"time"

	executionspb "cloud.google.com/go/workflows/executions/apiv1/executionspb"
	"github.com/googleapis/gax-go/v2"
	"golang.org/x/sync/errgroup"

	"github.com/intakehq/docintake/internal/audit"
	"github.com/intakehq/docintake/internal/blob"
	"github.com/intakehq/docintake/internal/config"
	"github.com/intakehq/docintake/internal/models"
)

// quarantineTimeout bounds the quarantine side effects, which often run
// right after the processing deadline already expired.
const quarantineTimeout = 20 * time.Second

// WorkflowLauncher starts one review workflow execution. Satisfied by
// *executions.Client.
type WorkflowLauncher interface {
	CreateExecution(ctx context.Context, req *executionspb.CreateExecutionRequest, opts ...gax.CallOption) (*executionspb.Execution, error)
}

// Quarantiner fires the side effects of routing a document to human
// review: a copy of the original file, a report describing every attempt,
// the review workflow execution and the audit event. The QUARANTINED
// status itself is written by the claim release. Every step is
// independent and best effort; one failing never stops the others.
type Quarantiner struct {
	audit    audit.Sink
	launcher WorkflowLauncher
	blobs    blob.Store
}

func NewQuarantiner(sink audit.Sink, launcher WorkflowLauncher, blobs blob.Store) *Quarantiner {
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Quarantiner{audit: sink, launcher: launcher, blobs: blobs}
}

// Run fires all side effects concurrently and waits for them. Failures are
// logged, not returned. The work runs on its own bounded context so an
// expired processing deadline cannot suppress it.
func (q *Quarantiner) Run(ctx context.Context, cfg *config.Config, report *models.QuarantineReport) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), quarantineTimeout)
	defer cancel()

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := q.copyOriginal(gctx, cfg, report); err != nil {
			slog.Error("Failed to copy original into quarantine bucket.", "documentId", report.DocumentID, "error", err)
		}
		return nil
	})
	eg.Go(func() error {
		if err := q.writeReport(gctx, cfg, report); err != nil {
			slog.Error("Failed to write quarantine report.", "documentId", report.DocumentID, "error", err)
		}
		return nil
	})
	eg.Go(func() error {
		if err := q.triggerReviewWorkflow(gctx, cfg, report); err != nil {
			slog.Error("Failed to trigger review workflow.", "documentId", report.DocumentID, "error", err)
		}
		return nil
	})
	eg.Go(func() error {
		q.audit.Emit(gctx, audit.Event{
			Type:        audit.EventQuarantined,
			DocumentID:  report.DocumentID,
			ExecutionID: report.ExecutionID,
			Detail: map[string]any{
				"reason":       report.Reason,
				"documentType": report.DocumentType,
			},
		})
		return nil
	})
	_ = eg.Wait()
}

func (q *Quarantiner) copyOriginal(ctx context.Context, cfg *config.Config, report *models.QuarantineReport) error {
	if q.blobs == nil || cfg.QuarantineBucket == "" || report.SourceURI == "" {
		return nil
	}
	dst := blob.URI(cfg.QuarantineBucket, report.DocumentID+path.Ext(report.SourceURI))
	if err := q.blobs.Copy(ctx, report.SourceURI, dst); err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", report.SourceURI, dst, err)
	}
	return nil
}

// writeReport uploads the report as JSON next to the quarantined file.
// Upload is create-only, so a replayed quarantine keeps the first report.
func (q *Quarantiner) writeReport(ctx context.Context, cfg *config.Config, report *models.QuarantineReport) error {
	if q.blobs == nil || cfg.QuarantineBucket == "" {
		slog.Info("No quarantine bucket configured, skipping report.", "documentId", report.DocumentID)
		return nil
	}
	payload, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal quarantine report: %w", err)
	}
	uri := blob.URI(cfg.QuarantineBucket, report.DocumentID+".report.json")
	if err := q.blobs.Upload(ctx, uri, payload, "application/json"); err != nil {
		return fmt.Errorf("failed to upload quarantine report to %s: %w", uri, err)
	}
	return nil
}

func (q *Quarantiner) triggerReviewWorkflow(ctx context.Context, cfg *config.Config, report *models.QuarantineReport) error {
	if q.launcher == nil || cfg.ReviewWorkflow == "" {
		slog.Info("No review workflow configured, skipping trigger.", "documentId", report.DocumentID)
		return nil
	}
	args := models.ReviewWorkflowArgs{
		DocumentID:   report.DocumentID,
		DocumentType: report.DocumentType,
		Reason:       report.Reason,
		ExecutionID:  report.ExecutionID,
	}
	payloadBytes, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow arguments: %w", err)
	}
	req := &executionspb.CreateExecutionRequest{
		Parent: fmt.Sprintf("projects/%s/locations/%s/workflows/%s", cfg.ProjectID, cfg.Region, cfg.ReviewWorkflow),
		Execution: &executionspb.Execution{
			Argument: string(payloadBytes),
		},
	}
	exec, err := q.launcher.CreateExecution(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to create review workflow execution: %w", err)
	}
	slog.Info("Review workflow triggered.", "documentId", report.DocumentID, "execution", exec.GetName())
	return nil
}
