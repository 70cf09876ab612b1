package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/intakehq/docintake/internal/audit"
	"github.com/intakehq/docintake/internal/config"
	"github.com/intakehq/docintake/internal/gcp"
	"github.com/intakehq/docintake/internal/models"
	"github.com/intakehq/docintake/internal/review"
	"github.com/intakehq/docintake/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// ReviewAPI serves the human review surface: listing and fetching
// documents, applying corrections under optimistic concurrency, per-user
// drafts, and the config reload hook.
type ReviewAPI struct {
	provider *config.Provider
	store    store.Store
	drafts   store.Drafts
	updater  *review.Updater
	audit    audit.Sink
}

func NewReviewAPI(ctx context.Context, provider *config.Provider) (*ReviewAPI, error) {
	cfg := provider.Current()
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("GCP_PROJECT_ID environment variable must be set")
	}
	firestoreClient, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
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
	slog.Info("Review API initialized.", "projectId", cfg.ProjectID)
	return &ReviewAPI{
		provider: provider,
		store:    st,
		drafts:   st,
		updater:  review.NewUpdater(st),
		audit:    sink,
	}, nil
}

// Handler routes the review API.
func (a *ReviewAPI) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /documents", a.handleList)
	mux.HandleFunc("GET /documents/{id}", a.handleGet)
	mux.HandleFunc("POST /documents/{id}/corrections", a.handleCorrect)
	mux.HandleFunc("PUT /documents/{id}/draft", a.handleSaveDraft)
	mux.HandleFunc("GET /documents/{id}/draft", a.handleGetDraft)
	mux.HandleFunc("DELETE /documents/{id}/draft", a.handleDeleteDraft)
	mux.HandleFunc("POST /admin/reload", a.handleReload)
	return mux
}

func (a *ReviewAPI) handleList(w http.ResponseWriter, r *http.Request) {
	status, ok := models.ParseStatus(r.URL.Query().Get("status"))
	if !ok {
		writeError(w, http.StatusBadRequest, "status query parameter must be a known status")
		return
	}
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}
	docs, err := a.store.ListByStatus(r.Context(), status, limit)
	if err != nil {
		slog.Error("Failed to list documents.", "status", status, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list documents")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (a *ReviewAPI) handleGet(w http.ResponseWriter, r *http.Request) {
	doc, err := a.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "document not found")
			return
		}
		slog.Error("Failed to load document.", "documentId", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load document")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (a *ReviewAPI) handleCorrect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req models.CorrectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	expected, err := time.Parse(time.RFC3339Nano, req.ExpectedVersion)
	if err != nil {
		writeError(w, http.StatusBadRequest, "expectedVersion must be an RFC 3339 timestamp")
		return
	}

	res, err := a.updater.Apply(r.Context(), id, req.Changes, expected, req.Reviewer)
	if err != nil {
		if errors.Is(err, review.ErrInvalid) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("Failed to apply correction.", "documentId", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to apply correction")
		return
	}

	switch res.Outcome {
	case review.UpdateNotFound:
		writeError(w, http.StatusNotFound, "document not found")
	case review.UpdateConflict:
		writeJSON(w, http.StatusConflict, models.ConflictResponse{
			Error:           "version conflict",
			ExpectedVersion: res.Expected.UTC().Format(time.RFC3339Nano),
			ActualVersion:   res.Actual.UTC().Format(time.RFC3339Nano),
		})
	case review.UpdateApplied:
		fields := make([]string, 0, len(req.Changes))
		for name := range req.Changes {
			fields = append(fields, name)
		}
		a.audit.Emit(r.Context(), audit.Event{
			Type:       audit.EventCorrected,
			DocumentID: id,
			Detail:     map[string]any{"reviewer": req.Reviewer, "fields": fields},
		})
		writeJSON(w, http.StatusOK, res.Document)
	}
}

func (a *ReviewAPI) handleSaveDraft(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user query parameter is required")
		return
	}
	var data map[string]any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	draft := &models.Draft{
		DocumentID: r.PathValue("id"),
		UserID:     userID,
		Data:       data,
	}
	if err := a.drafts.SaveDraft(r.Context(), draft); err != nil {
		slog.Error("Failed to save draft.", "documentId", draft.DocumentID, "userId", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save draft")
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

func (a *ReviewAPI) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user query parameter is required")
		return
	}
	draft, err := a.drafts.GetDraft(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "draft not found")
			return
		}
		slog.Error("Failed to load draft.", "documentId", r.PathValue("id"), "userId", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load draft")
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

func (a *ReviewAPI) handleDeleteDraft(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user query parameter is required")
		return
	}
	if err := a.drafts.DeleteDraft(r.Context(), r.PathValue("id"), userID); err != nil {
		slog.Error("Failed to delete draft.", "documentId", r.PathValue("id"), "userId", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete draft")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *ReviewAPI) handleReload(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.provider.Reload()
	if err != nil {
		slog.Error("Config reload failed, keeping previous snapshot.", "error", err)
		writeError(w, http.StatusInternalServerError, "reload failed")
		return
	}
	slog.Info("Config reloaded.", "documentTypes", len(cfg.DocumentTypes))
	writeJSON(w, http.StatusOK, map[string]any{"documentTypes": len(cfg.DocumentTypes)})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response body.", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
