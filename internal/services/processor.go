package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/intakehq/docintake/internal/audit"
	"github.com/intakehq/docintake/internal/blob"
	"github.com/intakehq/docintake/internal/budget"
	"github.com/intakehq/docintake/internal/config"
	"github.com/intakehq/docintake/internal/extract"
	"github.com/intakehq/docintake/internal/gcp"
	"github.com/intakehq/docintake/internal/lock"
	"github.com/intakehq/docintake/internal/models"
	"github.com/intakehq/docintake/internal/ocr"
	"github.com/intakehq/docintake/internal/saga"
	"github.com/intakehq/docintake/internal/store"
)

// releaseTimeout bounds the final status write after processing, which
// runs on a context detached from the (possibly expired) trigger context.
const releaseTimeout = 10 * time.Second

// GCSEvent is the storage object finalize payload the worker is wired to.
type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

// IntakeFunction owns the full processing of one uploaded document: claim
// the record, OCR the blob, extract structured fields, persist the result
// and archive the source.
//
// The heavyweight clients live for the process; the claim manager and the
// extraction engine are rebuilt per invocation from the current config
// snapshot, so a config reload applies to the next document without a
// restart.
type IntakeFunction struct {
	provider   *config.Provider
	store      store.Store
	counters   store.Counters
	blobs      blob.Store
	ocr        ocr.Engine
	llm        extract.LLM
	audit      audit.Sink
	quarantine *Quarantiner

	inspect func(data []byte) (int, error)
	now     func() time.Time
}

func NewIntakeFunction(ctx context.Context, provider *config.Provider) (*IntakeFunction, error) {
	cfg := provider.Current()
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("GCP_PROJECT_ID environment variable must be set")
	}
	if cfg.ArchiveBucket == "" {
		return nil, fmt.Errorf("ARCHIVE_BUCKET environment variable must be set")
	}

	firestoreClient, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	storageClient, err := gcp.NewStorageClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	vertexClient, err := gcp.NewVertexClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vertex client: %w", err)
	}
	executionsClient, err := gcp.NewExecutionsClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflows executions client: %w", err)
	}

	var sink audit.Sink = audit.Nop{}
	if cfg.AuditTopic != "" {
		pubsubClient, err := gcp.NewPubSubClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to create pubsub client: %w", err)
		}
		sink = audit.NewPubSubSink(pubsubClient, cfg.AuditTopic)
	}

	st := store.NewFirestoreStore(firestoreClient, cfg)
	blobs := blob.NewGCS(storageClient)
	f := &IntakeFunction{
		provider:   provider,
		store:      st,
		counters:   st,
		blobs:      blobs,
		ocr:        ocr.NewGemini(vertexClient),
		llm:        extract.NewVertexLLM(vertexClient),
		audit:      sink,
		quarantine: NewQuarantiner(sink, executionsClient, blobs),
		inspect:    inspectPDF,
		now:        time.Now,
	}
	slog.Info("Intake worker initialized.", "projectId", cfg.ProjectID, "archiveBucket", cfg.ArchiveBucket)
	return f, nil
}

// Process handles one storage event end to end. It returns an error only
// when a retry by the event delivery can help, meaning transient
// infrastructure failures. Terminal outcomes, including quarantine,
// return nil.
func (f *IntakeFunction) Process(ctx context.Context, e GCSEvent) error {
	cfg := f.provider.Current()
	if e.Bucket == "" || e.Name == "" {
		return fmt.Errorf("event is missing bucket or object name")
	}
	if !strings.EqualFold(path.Ext(e.Name), ".pdf") {
		slog.Warn("Skipping non-PDF object.", "gcsBucket", e.Bucket, "gcsObject", e.Name)
		return nil
	}
	if e.Bucket == cfg.ArchiveBucket {
		slog.Info("Ignoring event from archive bucket.", "gcsObject", e.Name)
		return nil
	}

	executionID := uuid.NewString()
	sourceURI := blob.URI(e.Bucket, e.Name)
	logCtx := slog.With("sourceUri", sourceURI, "executionId", executionID)
	logCtx.Info("Processing new document upload.")

	data, err := f.blobs.Download(ctx, sourceURI)
	if err != nil {
		if errors.Is(err, blob.ErrNotExist) {
			logCtx.Warn("Source object no longer exists, assuming replayed event.")
			return nil
		}
		return fmt.Errorf("failed to download source object: %w", err)
	}
	sum := sha256.Sum256(data)
	docID := hex.EncodeToString(sum[:])
	logCtx = logCtx.With("documentId", docID)

	locks := lock.NewManager(f.store, cfg)
	acq, err := locks.Acquire(ctx, docID, lock.Seed{
		SourceURI:        sourceURI,
		OriginalFilename: path.Base(e.Name),
		ExecutionID:      executionID,
	})
	if err != nil {
		return fmt.Errorf("failed to acquire processing claim: %w", err)
	}
	switch acq.Outcome {
	case lock.OutcomeAlreadyCompleted:
		logCtx.Info("Document already completed, skipping duplicate upload.")
		return nil
	case lock.OutcomeHeld:
		logCtx.Info("Document claimed by another worker, skipping.", "heldUntil", acq.HeldUntil)
		f.audit.Emit(ctx, audit.Event{
			Type:        audit.EventLockContended,
			DocumentID:  docID,
			ExecutionID: executionID,
			Detail:      map[string]any{"heldUntil": acq.HeldUntil.Format(time.RFC3339)},
		})
		return nil
	}

	event := audit.EventLockAcquired
	if acq.Takeover {
		event = audit.EventLockTakeover
	}
	f.audit.Emit(ctx, audit.Event{
		Type:        event,
		DocumentID:  docID,
		ExecutionID: executionID,
		Detail:      map[string]any{"previousStatus": string(acq.PreviousStatus)},
	})

	// Stop early enough to write a clean final state before the platform
	// kills the invocation.
	procCtx := ctx
	cancel := context.CancelFunc(func() {})
	if deadline, ok := ctx.Deadline(); ok {
		procCtx, cancel = context.WithDeadline(ctx, deadline.Add(-cfg.DeadlineMargin()))
	}
	defer cancel()

	out := f.run(procCtx, cfg, logCtx, acq.Document, data, executionID)

	releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer releaseCancel()
	if relErr := acq.Handle.Release(releaseCtx, out.status, out.errorMessage); relErr != nil {
		logCtx.Error("Failed to release processing claim.", "error", relErr)
		if out.err == nil {
			out.err = relErr
		}
	}

	switch out.status {
	case models.StatusCompleted:
		f.audit.Emit(ctx, audit.Event{Type: audit.EventCompleted, DocumentID: docID, ExecutionID: executionID})
	case models.StatusFailed:
		f.audit.Emit(ctx, audit.Event{
			Type:        audit.EventFailed,
			DocumentID:  docID,
			ExecutionID: executionID,
			Detail:      map[string]any{"error": out.errorMessage},
		})
	}
	logCtx.Info("Processing finished.", "status", out.status)
	return out.err
}

// runOutcome is the final state a run decided on. err is non-nil when the
// event delivery should retry.
type runOutcome struct {
	status       models.Status
	errorMessage string
	err          error
}

func (f *IntakeFunction) run(ctx context.Context, cfg *config.Config, logCtx *slog.Logger, doc *models.Document, data []byte, executionID string) (out runOutcome) {
	// A panic anywhere below must not escape to the platform untraced:
	// the record goes to human review with the panic as the reason.
	defer func() {
		if r := recover(); r != nil {
			logCtx.Error("Unexpected panic during processing.", "panic", r)
			out = f.quarantineOutcome(ctx, cfg, logCtx, doc, fmt.Sprintf("internal failure: %v", r), doc.DocumentType, executionID)
		}
	}()

	if err := f.store.Update(ctx, doc.ID, []store.Field{
		{Path: "status", Value: models.StatusProcessing},
	}); err != nil {
		return runOutcome{
			status:       models.StatusFailed,
			errorMessage: "failed to mark document as processing",
			err:          fmt.Errorf("failed to mark document as processing: %w", err),
		}
	}

	pageCount, err := f.inspect(data)
	if err != nil {
		logCtx.Error("Source is not a readable PDF.", "error", err)
		return f.quarantineOutcome(ctx, cfg, logCtx, doc, fmt.Sprintf("unreadable pdf: %v", err), "", executionID)
	}

	if ctx.Err() != nil {
		return f.quarantineOutcome(ctx, cfg, logCtx, doc, "processing deadline exhausted", doc.DocumentType, executionID)
	}

	ocrRes, err := f.ocr.Recognize(ctx, doc.SourceURI, documentTypeNames(cfg))
	if err != nil {
		return runOutcome{
			status:       models.StatusFailed,
			errorMessage: fmt.Sprintf("ocr failed: %v", err),
			err:          fmt.Errorf("ocr failed: %w", err),
		}
	}
	logCtx.Info("OCR finished.", "documentType", ocrRes.DocumentType, "minConfidence", ocrRes.MinConfidence)

	if ocrRes.PageCount != pageCount {
		logCtx.Warn("Transcription page count differs from the PDF.", "pdfPages", pageCount, "ocrPages", ocrRes.PageCount)
		doc.QualityWarnings = append(doc.QualityWarnings, fmt.Sprintf("page count mismatch: pdf has %d, transcription reported %d", pageCount, ocrRes.PageCount))
	}

	typeCfg, ok := cfg.DocumentTypes[ocrRes.DocumentType]
	if !ok {
		return f.quarantineOutcome(ctx, cfg, logCtx, doc, fmt.Sprintf("unsupported document type %q", ocrRes.DocumentType), ocrRes.DocumentType, executionID)
	}
	doc.DocumentType = ocrRes.DocumentType
	doc.PageCount = pageCount
	fields := []store.Field{
		{Path: "documentType", Value: doc.DocumentType},
		{Path: "pageCount", Value: doc.PageCount},
	}
	if len(doc.QualityWarnings) > 0 {
		fields = append(fields, store.Field{Path: "qualityWarnings", Value: doc.QualityWarnings})
	}
	if err := f.store.Update(ctx, doc.ID, fields); err != nil {
		logCtx.Warn("Failed to record document metadata.", "error", err)
	}

	engine := extract.NewEngine(f.llm, budget.NewManager(f.counters, cfg), f.store, f.audit, cfg)
	res := engine.Extract(ctx, extract.Input{
		Document:  doc,
		OCR:       ocrRes,
		Fields:    typeCfg.Fields,
		Fragile:   typeCfg.Fragile,
		ImageURIs: []string{doc.SourceURI},
	})

	f.recordAttempts(ctx, logCtx, doc, res)

	switch res.Outcome {
	case extract.OutcomeAborted:
		// Out of time is a reviewer's problem; anything else that stopped
		// the engine is infrastructure and worth an event redelivery.
		if errors.Is(res.Err, context.DeadlineExceeded) || errors.Is(res.Err, context.Canceled) {
			return f.quarantineOutcome(ctx, cfg, logCtx, doc, "processing deadline exhausted", doc.DocumentType, executionID)
		}
		return runOutcome{
			status:       models.StatusFailed,
			errorMessage: fmt.Sprintf("processing aborted: %v", res.Err),
			err:          fmt.Errorf("processing aborted: %w", res.Err),
		}
	case extract.OutcomeQuarantined:
		return f.quarantineOutcome(ctx, cfg, logCtx, doc, res.QuarantineReason, doc.DocumentType, executionID)
	}

	if ctx.Err() != nil {
		return f.quarantineOutcome(ctx, cfg, logCtx, doc, "processing deadline exhausted", doc.DocumentType, executionID)
	}

	destinationURI := blob.URI(cfg.ArchiveBucket, doc.ID+strings.ToLower(path.Ext(doc.SourceURI)))
	sagaRes := saga.Execute(ctx, logCtx, saga.PersistSteps(f.store, f.blobs, f.now, saga.PersistInput{
		DocumentID:     doc.ID,
		Payload:        res.Payload,
		SourceURI:      doc.SourceURI,
		DestinationURI: destinationURI,
	}))
	if !sagaRes.Success {
		msg := fmt.Sprintf("failed to persist result at step %s: %v", sagaRes.FailedStep, sagaRes.Err)
		if len(sagaRes.CompensationFailures) > 0 {
			var steps []string
			for _, cf := range sagaRes.CompensationFailures {
				steps = append(steps, cf.Step)
			}
			msg += fmt.Sprintf("; manual cleanup needed for: %s", strings.Join(steps, ", "))
		}
		return runOutcome{
			status:       models.StatusFailed,
			errorMessage: msg,
			err:          fmt.Errorf("failed to persist result: %w", sagaRes.Err),
		}
	}
	return runOutcome{status: models.StatusCompleted}
}

// recordAttempts folds this run's attempts and quality warnings into the
// in-memory record and persists them. Best effort: the trail must not
// fail the document, and a quarantine report still carries the merged
// view even when the write is lost.
func (f *IntakeFunction) recordAttempts(ctx context.Context, logCtx *slog.Logger, doc *models.Document, res *extract.Result) {
	if len(res.Attempts) == 0 && len(res.Warnings) == 0 {
		return
	}
	doc.Attempts = append(append([]models.Attempt(nil), doc.Attempts...), res.Attempts...)
	doc.QualityWarnings = append(append([]string(nil), doc.QualityWarnings...), res.Warnings...)

	fields := []store.Field{{Path: "attempts", Value: doc.Attempts}}
	if len(doc.QualityWarnings) > 0 {
		fields = append(fields, store.Field{Path: "qualityWarnings", Value: doc.QualityWarnings})
	}
	if err := f.store.Update(ctx, doc.ID, fields); err != nil {
		logCtx.Warn("Failed to record extraction attempts.", "error", err)
	}
}

// quarantineOutcome fires the quarantine side effects and shapes the final
// state. Quarantine is a handled outcome, so the event is not retried.
func (f *IntakeFunction) quarantineOutcome(ctx context.Context, cfg *config.Config, logCtx *slog.Logger, doc *models.Document, reason, documentType, executionID string) runOutcome {
	logCtx.Warn("Routing document to human review.", "reason", reason)
	f.quarantine.Run(ctx, cfg, &models.QuarantineReport{
		DocumentID:      doc.ID,
		DocumentType:    documentType,
		Reason:          reason,
		ExecutionID:     executionID,
		SourceURI:       doc.SourceURI,
		Attempts:        doc.Attempts,
		QualityWarnings: doc.QualityWarnings,
		QuarantinedAt:   f.now().UTC(),
	})
	return runOutcome{status: models.StatusQuarantined, errorMessage: reason}
}

func documentTypeNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.DocumentTypes))
	for name := range cfg.DocumentTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// inspectPDF validates the uploaded bytes as a PDF and returns the page
// count. Optimization doubles as repair for files with slightly broken
// xref tables, which scanners produce surprisingly often.
func inspectPDF(data []byte) (int, error) {
	tempDir, err := os.MkdirTemp("", "intake-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	source := filepath.Join(tempDir, "source.pdf")
	if err := os.WriteFile(source, data, 0o600); err != nil {
		return 0, fmt.Errorf("failed to write temp file: %w", err)
	}
	optimized := filepath.Join(tempDir, "optimized.pdf")
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if err := api.OptimizeFile(source, optimized, conf); err != nil {
		return 0, fmt.Errorf("failed to validate pdf: %w", err)
	}
	pageCount, err := api.PageCountFile(optimized)
	if err != nil {
		return 0, fmt.Errorf("failed to read pdf page count: %w", err)
	}
	if pageCount < 1 {
		return 0, fmt.Errorf("pdf has no pages")
	}
	return pageCount, nil
}
