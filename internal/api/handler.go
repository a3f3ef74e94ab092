package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/llamactl/internal/session"
	"github.com/kalambet/llamactl/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Session is the orchestrator surface exposed over HTTP and MCP.
type Session interface {
	RequestLoad(key string) error
	RequestCompletion(prompt string) (*session.Task, error)
	CancelCurrentOperation() (bool, error)
	Unload() error
	Rescan() error
	Snapshot() (session.Snapshot, error)
	Subscribe() (*session.Subscription, session.Snapshot, error)
}

var _ Session = (*session.Orchestrator)(nil)

// Ledger reads recorded runs.
type Ledger interface {
	RecentGenerations(limit int) ([]storage.Generation, error)
	GetGeneration(id string) (storage.Generation, error)
	RecentDownloads(limit int) ([]storage.Download, error)
	Stats() ([]storage.GenerationStats, error)
}

type Deps struct {
	Session Session
	Ledger  Ledger       // optional; if nil, the run routes return 503
	Metrics http.Handler // optional; if nil, /metrics is not mounted
	Token   string       // if empty, /v1 is served without auth
}

// NewHandler returns the control API.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Get("/artifacts", handleArtifacts(deps))
		r.Post("/rescan", handleRescan(deps))
		r.Post("/load", handleLoad(deps))
		r.Post("/unload", handleUnload(deps))
		r.Post("/completions", handleCompletions(deps))
		r.Post("/cancel", handleCancel(deps))
		r.Get("/state", handleState(deps))
		r.Get("/events", handleEvents(deps))
		r.Get("/runs", handleListRuns(deps))
		r.Get("/runs/{id}", handleGetRun(deps))
		r.Get("/downloads", handleListDownloads(deps))
		r.Get("/stats", handleStats(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleArtifacts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := deps.Session.Snapshot()
		if err != nil {
			sessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap.Catalog)
	}
}

func handleRescan(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Session.Rescan(); err != nil {
			sessionError(w, err)
			return
		}
		writeState(w, deps, http.StatusOK)
	}
}

type loadRequest struct {
	Artifact string `json:"artifact"`
}

func handleLoad(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loadRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Artifact == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "artifact is required")
			return
		}
		if err := deps.Session.RequestLoad(req.Artifact); err != nil {
			sessionError(w, err)
			return
		}
		writeState(w, deps, http.StatusAccepted)
	}
}

func handleUnload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Session.Unload(); err != nil {
			sessionError(w, err)
			return
		}
		writeState(w, deps, http.StatusOK)
	}
}

type completionRequest struct {
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

func handleCompletions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		if !decodeBody(w, r, &req) {
			return
		}

		if req.Stream {
			streamCompletion(w, r, deps, req.Prompt)
			return
		}

		task, err := deps.Session.RequestCompletion(req.Prompt)
		if err != nil {
			sessionError(w, err)
			return
		}
		rec, err := task.Wait(r.Context())
		if err != nil && r.Context().Err() != nil {
			// Client went away; the generation keeps running.
			return
		}
		writeJSON(w, http.StatusOK, completionResult(rec, err))
	}
}

type completionResponse struct {
	Record session.GenerationRecord `json:"record"`
	Error  string                   `json:"error,omitempty"`
}

func completionResult(rec session.GenerationRecord, err error) completionResponse {
	resp := completionResponse{Record: rec}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func handleCancel(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cancelled, err := deps.Session.CancelCurrentOperation()
		if err != nil {
			sessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
	}
}

func handleState(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeState(w, deps, http.StatusOK)
	}
}

func handleListRuns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireLedger(w, deps) {
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)
		runs, err := deps.Ledger.RecentGenerations(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list runs: %v", err)
			return
		}
		if runs == nil {
			runs = []storage.Generation{}
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

func handleGetRun(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireLedger(w, deps) {
			return
		}
		id := chi.URLParam(r, "id")

		run, err := deps.Ledger.GetGeneration(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "run not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get run: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

func handleListDownloads(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireLedger(w, deps) {
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)
		downloads, err := deps.Ledger.RecentDownloads(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list downloads: %v", err)
			return
		}
		if downloads == nil {
			downloads = []storage.Download{}
		}
		writeJSON(w, http.StatusOK, downloads)
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireLedger(w, deps) {
			return
		}
		stats, err := deps.Ledger.Stats()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to compute stats: %v", err)
			return
		}
		if stats == nil {
			stats = []storage.GenerationStats{}
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func requireLedger(w http.ResponseWriter, deps Deps) bool {
	if deps.Ledger == nil {
		httpError(w, http.StatusServiceUnavailable, "api_error", "run ledger not available")
		return false
	}
	return true
}

func writeState(w http.ResponseWriter, deps Deps, code int) {
	snap, err := deps.Session.Snapshot()
	if err != nil {
		sessionError(w, err)
		return
	}
	writeJSON(w, code, snap)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

// sessionError maps orchestrator command errors to HTTP statuses.
func sessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrBusy):
		httpError(w, http.StatusConflict, "busy", "%v", err)
	case errors.Is(err, session.ErrNotReady):
		httpError(w, http.StatusConflict, "not_ready", "%v", err)
	case errors.Is(err, session.ErrUnknownArtifact):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, session.ErrClosed):
		httpError(w, http.StatusServiceUnavailable, "unavailable", "%v", err)
	default:
		slog.Warn("session command failed", "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
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
