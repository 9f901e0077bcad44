// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/noldarim/buildgate/internal/orchestrator/database"
	"github.com/noldarim/buildgate/internal/orchestrator/engine"
	"github.com/noldarim/buildgate/internal/orchestrator/models"
	"github.com/noldarim/buildgate/internal/orchestrator/services"
)

// RunSubmitter is the part of services.RunService the handlers use.
type RunSubmitter interface {
	Submit(ctx context.Context, event models.Event) (*services.SubmitResult, error)
	GetRun(ctx context.Context, runID string) (*models.PipelineRun, error)
	ListRuns(ctx context.Context, filter database.RunFilter) ([]*models.PipelineRun, error)
	Active() int
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	runs RunSubmitter
}

// NewHandlers creates the handler set.
func NewHandlers(runs RunSubmitter) *Handlers {
	return &Handlers{runs: runs}
}

// RunAccepted is the response body of an accepted event.
type RunAccepted struct {
	RunID string `json:"run_id"`
	// Duplicate is set when the delivery was seen before; RunID then names
	// the earlier run.
	Duplicate bool `json:"duplicate"`
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		getLog().Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *Handlers) submit(w http.ResponseWriter, r *http.Request, event models.Event) {
	res, err := h.runs.Submit(r.Context(), event)
	switch {
	case errors.Is(err, engine.ErrUnknownEventKind):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Unknown event kind", "context": err.Error()})
		return
	case errors.Is(err, services.ErrShuttingDown):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Shutting down"})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to submit run", "context": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, RunAccepted{RunID: res.RunID, Duplicate: res.AlreadyExists})
}

// GitHubWebhook handles POST /webhooks/github
func (h *Handlers) GitHubWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Failed to read body", "context": err.Error()})
		return
	}

	event, err := TranslateWebhook(r.Header.Get(EventHeader), r.Header.Get(DeliveryHeader), body, time.Now())
	if errors.Is(err, errIgnoredEvent) {
		getLog().Debug().Str("event", r.Header.Get(EventHeader)).Err(err).Msg("Webhook ignored")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid webhook payload", "context": err.Error()})
		return
	}
	h.submit(w, r, event)
}

// CreateRun handles POST /api/v1/runs with an Event as body.
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	var event models.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid event", "context": err.Error()})
		return
	}
	h.submit(w, r, event)
}

// ListRuns handles GET /api/v1/runs?ref=&verdict=&limit=
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	const maxLimit = 500
	q := r.URL.Query()
	filter := database.RunFilter{Ref: q.Get("ref"), Limit: 50}
	if l := q.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			filter.Limit = min(parsed, maxLimit)
		}
	}
	if v := q.Get("verdict"); v != "" {
		var verdict models.RunVerdict
		if err := verdict.UnmarshalText([]byte(v)); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid verdict", "context": err.Error()})
			return
		}
		filter.Verdict = &verdict
	}

	runs, err := h.runs.ListRuns(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to list runs", "context": err.Error()})
		return
	}
	if runs == nil {
		runs = []*models.PipelineRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetRun handles GET /api/v1/runs/{id}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, database.ErrRunNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Run not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to load run", "context": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// Healthz handles GET /healthz
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "active_runs": h.runs.Active()})
}
