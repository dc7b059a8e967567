package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/rejeu/store"
)

// mcpHandler builds the MCP server with the replay tools and mounts it over
// streamable HTTP.
func (s *Server) mcpHandler() http.Handler {
	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "rejeu",
		Version: "1.0.0",
	}, nil)
	s.registerMCPTools(srv)
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil)
}

func (s *Server) registerMCPTools(srv *mcp.Server) {
	s.registerListTests(srv)
	s.registerRunTest(srv)
	s.registerGetRun(srv)
	s.registerListPendingSuggestions(srv)
	s.registerApproveSuggestion(srv)
	s.registerRejectSuggestion(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// registerTool wires a decode-then-call endpoint as an MCP tool. Endpoint
// errors become tool errors; results are returned as JSON text content.
func registerTool[Req any](srv *mcp.Server, tool *mcp.Tool, endpoint func(ctx context.Context, req *Req) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var p Req
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &p); err != nil {
				var res mcp.CallToolResult
				res.SetError(fmt.Errorf("invalid arguments: %w", err))
				return &res, nil
			}
		}
		resp, err := endpoint(ctx, &p)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(errors.New(err.Error()))
			return &res, nil
		}
		data, err := json.Marshal(resp)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

func (s *Server) registerListTests(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "list_tests",
		Description: "List all recorded replay tests",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	registerTool(srv, tool, func(ctx context.Context, _ *req) (any, error) {
		tests, err := s.store.ListTests(ctx)
		if err != nil {
			return nil, err
		}
		if tests == nil {
			tests = []*store.Test{}
		}
		return tests, nil
	})
}

func (s *Server) registerRunTest(srv *mcp.Server) {
	type req struct {
		TestID string `json:"test_id"`
	}

	tool := &mcp.Tool{
		Name:        "run_test",
		Description: "Enqueue a replay run for a test. The run executes detached in batch healing mode; healing suggestions land in the review queue.",
		InputSchema: inputSchema(map[string]any{
			"test_id": map[string]any{"type": "string", "description": "Test ID"},
		}, []string{"test_id"}),
	}

	registerTool(srv, tool, func(ctx context.Context, p *req) (any, error) {
		if p.TestID == "" {
			return nil, fmt.Errorf("test_id is required")
		}
		if _, err := s.store.GetTest(ctx, p.TestID); err != nil {
			return nil, err
		}
		runID := s.newRunID()
		if err := s.queue.Publish(ctx, runID, p.TestID); err != nil {
			return nil, err
		}
		return map[string]string{"run_id": runID, "status": "queued"}, nil
	})
}

func (s *Server) registerGetRun(srv *mcp.Server) {
	type req struct {
		RunID string `json:"run_id"`
	}

	tool := &mcp.Tool{
		Name:        "get_run",
		Description: "Get a run's status, per-step results, and page vitals",
		InputSchema: inputSchema(map[string]any{
			"run_id": map[string]any{"type": "string", "description": "Run ID"},
		}, []string{"run_id"}),
	}

	registerTool(srv, tool, func(ctx context.Context, p *req) (any, error) {
		run, err := s.store.GetRun(ctx, p.RunID)
		if err != nil {
			return nil, err
		}
		results, err := s.store.ResultsForRun(ctx, p.RunID)
		if err != nil {
			return nil, err
		}
		vitals, err := s.store.VitalsForRun(ctx, p.RunID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"run": run, "results": results, "vitals": vitals}, nil
	})
}

func (s *Server) registerListPendingSuggestions(srv *mcp.Server) {
	type req struct {
		TestID string `json:"test_id"`
		Limit  int    `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "list_pending_suggestions",
		Description: "List healing suggestions awaiting review",
		InputSchema: inputSchema(map[string]any{
			"test_id": map[string]any{"type": "string", "description": "Filter by test ID"},
			"limit":   map[string]any{"type": "integer", "description": "Max results, default 100"},
		}, nil),
	}

	registerTool(srv, tool, func(ctx context.Context, p *req) (any, error) {
		suggestions, err := s.store.ListSuggestions(ctx, store.SuggestionFilter{
			Status: "pending",
			TestID: p.TestID,
			Limit:  p.Limit,
		})
		if err != nil {
			return nil, err
		}
		if suggestions == nil {
			suggestions = []*store.SuggestionRow{}
		}
		return suggestions, nil
	})
}

func (s *Server) registerApproveSuggestion(srv *mcp.Server) {
	type req struct {
		SuggestionID string `json:"suggestion_id"`
		ApplyToTest  bool   `json:"apply_to_test"`
	}

	tool := &mcp.Tool{
		Name:        "approve_suggestion",
		Description: "Approve a pending healing suggestion, optionally rewriting the stored step locator",
		InputSchema: inputSchema(map[string]any{
			"suggestion_id": map[string]any{"type": "string", "description": "Suggestion ID"},
			"apply_to_test": map[string]any{"type": "boolean", "description": "Write the suggested locator back to the test"},
		}, []string{"suggestion_id"}),
	}

	registerTool(srv, tool, func(ctx context.Context, p *req) (any, error) {
		return s.store.ApproveSuggestion(ctx, p.SuggestionID, p.ApplyToTest)
	})
}

func (s *Server) registerRejectSuggestion(srv *mcp.Server) {
	type req struct {
		SuggestionID string `json:"suggestion_id"`
	}

	tool := &mcp.Tool{
		Name:        "reject_suggestion",
		Description: "Reject a pending healing suggestion",
		InputSchema: inputSchema(map[string]any{
			"suggestion_id": map[string]any{"type": "string", "description": "Suggestion ID"},
		}, []string{"suggestion_id"}),
	}

	registerTool(srv, tool, func(ctx context.Context, p *req) (any, error) {
		return s.store.RejectSuggestion(ctx, p.SuggestionID)
	})
}
