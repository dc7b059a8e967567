package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/rejeu/heal"
	"github.com/hazyhaar/rejeu/store"
)

func (s *Server) handleListSuggestions(w http.ResponseWriter, r *http.Request) {
	f := store.SuggestionFilter{
		Status: r.URL.Query().Get("status"),
		RunID:  r.URL.Query().Get("run_id"),
		TestID: r.URL.Query().Get("test_id"),
		Limit:  queryInt(r, "limit", 100),
	}
	suggestions, err := s.store.ListSuggestions(r.Context(), f)
	if err != nil {
		respondError(w, err)
		return
	}
	if suggestions == nil {
		suggestions = []*store.SuggestionRow{}
	}
	writeJSON(w, 200, suggestions)
}

func (s *Server) handlePendingCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.PendingSuggestionCount(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, 200, map[string]int{"pending": n})
}

func (s *Server) handleGetSuggestion(w http.ResponseWriter, r *http.Request) {
	sug, err := s.store.GetSuggestion(r.Context(), chi.URLParam(r, "suggestionID"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, 200, sug)
}

func (s *Server) handleApproveSuggestion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "suggestionID")
	var req struct {
		ApplyToTest bool `json:"apply_to_test"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
	}
	start := time.Now()
	sug, err := s.store.ApproveSuggestion(r.Context(), id, req.ApplyToTest)
	s.auditReview("suggestion_approved", id, req.ApplyToTest, err, start)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, 200, sug)
}

func (s *Server) handleRejectSuggestion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "suggestionID")
	start := time.Now()
	sug, err := s.store.RejectSuggestion(r.Context(), id)
	s.auditReview("suggestion_rejected", id, false, err, start)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, 200, sug)
}

func (s *Server) handleBulkResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs         []string `json:"ids"`
		Action      string   `json:"action"` // "approve" or "reject"
		ApplyToTest bool     `json:"apply_to_test"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, 400, fmt.Errorf("ids is required"))
		return
	}
	var approve bool
	switch req.Action {
	case "approve":
		approve = true
	case "reject":
	default:
		writeError(w, 400, fmt.Errorf("action must be approve or reject"))
		return
	}
	start := time.Now()
	n, err := s.store.BulkResolveSuggestions(r.Context(), req.IDs, approve, req.ApplyToTest)
	s.auditReview("suggestions_bulk_"+req.Action, fmt.Sprintf("%d ids", len(req.IDs)), req.ApplyToTest, err, start)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, 200, map[string]int{"resolved": n})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.policy.Snapshot())
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var p heal.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, 400, err)
		return
	}
	if err := p.Validate(); err != nil {
		writeError(w, 400, err)
		return
	}
	if err := s.policy.Update(r.Context(), p); err != nil {
		respondError(w, err)
		return
	}
	GetLogger(r.Context()).Info("healing policy updated",
		"enabled", p.Enabled, "auto_approve", p.AutoApprove,
		"threshold", p.AutoApproveThreshold, "mode", string(p.Mode))
	writeJSON(w, 200, p)
}

func (s *Server) auditReview(operation, id string, applyToTest bool, err error, start time.Time) {
	if s.audit == nil {
		return
	}
	params := map[string]any{"suggestion_id": id, "apply_to_test": applyToTest}
	s.audit.Record("server", operation, params, nil, err, time.Since(start))
}
