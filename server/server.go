// Package server exposes the replay engine over HTTP: REST for tests, runs,
// and healing review, a WebSocket per interactive run, and an MCP tool
// surface at /mcp.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/rejeu/config"
	"github.com/hazyhaar/rejeu/engine"
	"github.com/hazyhaar/rejeu/idgen"
	"github.com/hazyhaar/rejeu/obs"
	"github.com/hazyhaar/rejeu/runq"
	"github.com/hazyhaar/rejeu/store"
)

// Config wires a Server.
type Config struct {
	Store  *store.Store
	Engine *engine.Engine
	Queue  *runq.Q
	Policy *config.PolicySource

	// Metrics and Audit are optional; nil disables the respective writes.
	Metrics *obs.Metrics
	Audit   *obs.Audit

	// NewRunID generates identifiers for enqueued runs.
	// Default: "run_"-prefixed UUIDv7.
	NewRunID idgen.Generator

	Logger *slog.Logger
}

// Server is the HTTP surface of the replay service.
type Server struct {
	store    *store.Store
	engine   *engine.Engine
	queue    *runq.Q
	policy   *config.PolicySource
	metrics  *obs.Metrics
	audit    *obs.Audit
	newRunID idgen.Generator
	log      *slog.Logger
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.NewRunID == nil {
		cfg.NewRunID = idgen.Prefixed("run_", idgen.Default)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		store:    cfg.Store,
		engine:   cfg.Engine,
		queue:    cfg.Queue,
		policy:   cfg.Policy,
		metrics:  cfg.Metrics,
		audit:    cfg.Audit,
		newRunID: cfg.NewRunID,
		log:      cfg.Logger,
	}
}

// Router builds the full route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(Recoverer)
	r.Use(SecurityHeaders)
	r.Use(MaxJSONBody(1 << 20))
	r.Use(RequestID)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Route("/api/tests", func(r chi.Router) {
		r.Get("/", s.handleListTests)
		r.Post("/", s.handleCreateTest)
		r.Get("/{testID}", s.handleGetTest)
		r.Delete("/{testID}", s.handleDeleteTest)
	})

	r.Route("/api/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Post("/", s.handleEnqueueRun)
		r.Get("/{runID}", s.handleGetRun)
		r.Get("/{runID}/results", s.handleRunResults)
		r.Get("/{runID}/vitals", s.handleRunVitals)
	})

	r.Route("/api/healing", func(r chi.Router) {
		r.Get("/", s.handleListSuggestions)
		r.Get("/pending", s.handlePendingCount)
		r.Get("/settings", s.handleGetPolicy)
		r.Put("/settings", s.handleUpdatePolicy)
		r.Post("/bulk", s.handleBulkResolve)
		r.Get("/{suggestionID}", s.handleGetSuggestion)
		r.Post("/{suggestionID}/approve", s.handleApproveSuggestion)
		r.Post("/{suggestionID}/reject", s.handleRejectSuggestion)
	})

	r.Get("/ws/runs/{testID}", s.handleRunSocket)
	r.Handle("/mcp", s.mcpHandler())
	r.Handle("/mcp/*", s.mcpHandler())
	return r
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// respondError maps store sentinels onto HTTP status codes.
func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, 404, err)
	case errors.Is(err, store.ErrConflict):
		writeError(w, 409, err)
	default:
		writeError(w, 500, err)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
