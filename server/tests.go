package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/rejeu/step"
	"github.com/hazyhaar/rejeu/store"
)

type testPayload struct {
	Name    string      `json:"name"`
	BaseURL string      `json:"base_url"`
	Steps   []step.Step `json:"steps"`
}

type testResponse struct {
	*store.Test
	Steps []step.Step `json:"steps,omitempty"`
}

func (s *Server) handleListTests(w http.ResponseWriter, r *http.Request) {
	tests, err := s.store.ListTests(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	if tests == nil {
		tests = []*store.Test{}
	}
	writeJSON(w, 200, tests)
}

func (s *Server) handleCreateTest(w http.ResponseWriter, r *http.Request) {
	var req testPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	if req.Name == "" {
		writeError(w, 400, fmt.Errorf("name is required"))
		return
	}
	if len(req.Steps) == 0 {
		writeError(w, 400, fmt.Errorf("at least one step is required"))
		return
	}
	t := &store.Test{Name: req.Name, BaseURL: req.BaseURL}
	if err := s.store.InsertTest(r.Context(), t, req.Steps); err != nil {
		writeError(w, 400, err)
		return
	}
	writeJSON(w, 201, testResponse{Test: t, Steps: req.Steps})
}

func (s *Server) handleGetTest(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "testID")
	t, err := s.store.GetTest(r.Context(), testID)
	if err != nil {
		respondError(w, err)
		return
	}
	steps, err := s.store.StepsForTest(r.Context(), testID)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, 200, testResponse{Test: t, Steps: steps})
}

func (s *Server) handleDeleteTest(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "testID")
	if err := s.store.DeleteTest(r.Context(), testID); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, 200, map[string]string{"status": "deleted"})
}
