package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/rejeu/store"
)

// handleEnqueueRun schedules a detached run through the queue. Queued runs
// execute in batch healing mode; use the WebSocket endpoint for interactive
// runs with inline approval.
func (s *Server) handleEnqueueRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TestID string `json:"test_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	if req.TestID == "" {
		writeError(w, 400, fmt.Errorf("test_id is required"))
		return
	}
	if _, err := s.store.GetTest(r.Context(), req.TestID); err != nil {
		respondError(w, err)
		return
	}

	runID := s.newRunID()
	if err := s.queue.Publish(r.Context(), runID, req.TestID); err != nil {
		respondError(w, err)
		return
	}
	GetLogger(r.Context()).Info("run enqueued", "run_id", runID, "test_id", req.TestID)
	writeJSON(w, 202, map[string]string{"run_id": runID, "status": "queued"})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	testID := r.URL.Query().Get("test_id")
	limit := queryInt(r, "limit", 50)
	runs, err := s.store.ListRuns(r.Context(), testID, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	writeJSON(w, 200, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, 200, run)
}

func (s *Server) handleRunResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.store.ResultsForRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		respondError(w, err)
		return
	}
	if results == nil {
		results = []*store.RunResult{}
	}
	writeJSON(w, 200, results)
}

func (s *Server) handleRunVitals(w http.ResponseWriter, r *http.Request) {
	vitals, err := s.store.VitalsForRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		respondError(w, err)
		return
	}
	if vitals == nil {
		vitals = []*store.Vitals{}
	}
	writeJSON(w, 200, vitals)
}
