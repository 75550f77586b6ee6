package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/shortsd/internal/failure"
	"github.com/kalambet/shortsd/internal/pipeline"
	"github.com/kalambet/shortsd/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Controller is the orchestrator surface exposed to remote operators.
type Controller interface {
	Trigger(ctx context.Context, mode pipeline.Mode) (string, error)
	Cancel(ctx context.Context, runID string) error
	Status(ctx context.Context) (pipeline.Status, error)
	ListRecent(ctx context.Context, n int) ([]storage.Run, error)
	GetRun(ctx context.Context, id string) (storage.Run, error)
	Attempts(ctx context.Context, runID string) ([]storage.Attempt, error)
	Schedule() pipeline.ScheduleConfig
	Configure(ctx context.Context, s pipeline.ScheduleConfig) error
	SetEnabled(ctx context.Context, enabled bool) error
}

// CredentialImporter accepts a refresh token from an operator re-consent.
type CredentialImporter interface {
	SetRefreshToken(refreshToken string) error
}

type ControlDeps struct {
	Controller  Controller
	Credentials CredentialImporter // optional; PUT /credential returns 501 without it
	Token       string
}

// RunDetail is a run with its attempt history.
type RunDetail struct {
	storage.Run
	History []storage.Attempt `json:"history"`
}

// NewControlHandler returns the HTTP control API. Everything except /health
// requires the bearer token.
func NewControlHandler(deps ControlDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/status", handleStatus(deps))
		r.Get("/runs", handleListRuns(deps))
		r.Post("/runs", handleTrigger(deps))
		r.Get("/runs/{id}", handleGetRun(deps))
		r.Post("/runs/{id}/cancel", handleCancel(deps))
		r.Get("/schedule", handleGetSchedule(deps))
		r.Put("/schedule", handlePutSchedule(deps))
		r.Post("/scheduler/start", handleSetEnabled(deps, true))
		r.Post("/scheduler/stop", handleSetEnabled(deps, false))
		r.Put("/credential", handlePutCredential(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleStatus(deps ControlDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Controller.Status(r.Context())
		if err != nil {
			controlError(w, err, "failed to get status")
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleListRuns(deps ControlDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 10, 100)

		runs, err := deps.Controller.ListRecent(r.Context(), limit)
		if err != nil {
			controlError(w, err, "failed to list runs")
			return
		}
		if runs == nil {
			runs = []storage.Run{}
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

func handleTrigger(deps ControlDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := deps.Controller.Trigger(r.Context(), pipeline.ModeManual)
		if err != nil {
			controlError(w, err, "failed to trigger run")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     id,
			"status": "accepted",
		})
	}
}

func handleGetRun(deps ControlDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		run, err := deps.Controller.GetRun(r.Context(), id)
		if err != nil {
			controlError(w, err, "failed to get run")
			return
		}
		history, err := deps.Controller.Attempts(r.Context(), id)
		if err != nil {
			controlError(w, err, "failed to get attempts")
			return
		}
		if history == nil {
			history = []storage.Attempt{}
		}
		writeJSON(w, http.StatusOK, RunDetail{Run: run, History: history})
	}
}

func handleCancel(deps ControlDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if err := deps.Controller.Cancel(r.Context(), id); err != nil {
			controlError(w, err, "failed to cancel run")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     id,
			"status": "cancelling",
		})
	}
}

func handleGetSchedule(deps ControlDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Controller.Schedule())
	}
}

// handlePutSchedule merges the request body onto the current schedule, so
// callers may send only the fields they change.
func handlePutSchedule(deps ControlDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		s := deps.Controller.Schedule()
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&s); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if err := s.Validate(); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err := deps.Controller.Configure(r.Context(), s); err != nil {
			controlError(w, err, "failed to update schedule")
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

func handleSetEnabled(deps ControlDeps, enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Controller.SetEnabled(r.Context(), enabled); err != nil {
			controlError(w, err, "failed to update scheduler")
			return
		}
		writeJSON(w, http.StatusOK, deps.Controller.Schedule())
	}
}

func handlePutCredential(deps ControlDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Credentials == nil {
			httpError(w, http.StatusNotImplemented, "api_error", "credential import is not configured")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		req.RefreshToken = strings.TrimSpace(req.RefreshToken)
		if req.RefreshToken == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "refresh_token is required")
			return
		}
		if err := deps.Credentials.SetRefreshToken(req.RefreshToken); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store credential: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	}
}

// controlError maps orchestrator and ledger errors to HTTP statuses.
func controlError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, failure.ErrAlreadyRunning):
		httpError(w, http.StatusConflict, "already_running", "a run is already in flight")
	case errors.Is(err, storage.ErrRunFinished):
		httpError(w, http.StatusConflict, "run_finished", "run already finished")
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "run not found")
	case errors.Is(err, pipeline.ErrStopped):
		httpError(w, http.StatusServiceUnavailable, "unavailable", "orchestrator is shutting down")
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%s: %v", what, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
