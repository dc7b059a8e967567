package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/hazyhaar/rejeu/engine"
	"github.com/hazyhaar/rejeu/obs"
	"github.com/hazyhaar/rejeu/store"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024, // screenshot frames
	CheckOrigin:     func(*http.Request) bool { return true },
}

// controlMsg is an inbound client message on the run socket.
type controlMsg struct {
	Type string `json:"type"`
	Data struct {
		Approved bool `json:"approved"`
	} `json:"data"`
}

// handleRunSocket starts one run and streams its events over the socket.
// One run per connection; closing the socket stops the run.
func (s *Server) handleRunSocket(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "testID")
	log := GetLogger(r.Context()).With("test_id", testID)

	steps, err := s.store.StepsForTest(r.Context(), testID)
	if err != nil {
		respondError(w, err)
		return
	}
	if len(steps) == 0 {
		writeJSON(w, 404, map[string]string{"error": "test has no steps"})
		return
	}
	policy := s.policy.Snapshot()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// The request context dies after the hijack; the run gets its own.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	run, err := s.engine.Start(ctx, engine.RunRequest{
		TestID: testID,
		Steps:  steps,
		Policy: policy,
	})
	if err != nil {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		conn.WriteJSON(map[string]any{"type": "error", "data": map[string]string{"message": err.Error()}})
		return
	}
	log = log.With("run_id", run.ID())
	log.Info("interactive run started", "steps", len(steps))
	if s.metrics != nil {
		s.metrics.Count(obs.MetricStreamClients, 1, nil)
		defer s.metrics.Count(obs.MetricStreamClients, -1, nil)
	}

	rec := s.store.NewRunRecorder(ctx, run.ID(), testID, s.log)
	go readControl(conn, run, log)
	s.writeEvents(ctx, conn, run, rec, log)
}

// readControl consumes inbound stop / approval_response messages until the
// socket closes. A dropped connection stops the run.
func readControl(conn *websocket.Conn, run *engine.Run, log *slog.Logger) {
	defer run.Stop()

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		var msg controlMsg
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("socket read error", "error", err)
			}
			return
		}
		switch msg.Type {
		case "stop":
			log.Info("stop requested")
			run.Stop()
		case "approval_response":
			// No step index on the wire; resolves the outstanding request.
			delivered := run.Respond(-1, msg.Data.Approved)
			log.Info("approval response", "approved", msg.Data.Approved, "delivered", delivered)
		default:
			log.Warn("unknown control message", "type", msg.Type)
		}
	}
}

// writeEvents is the single socket writer: run events in generation order,
// interleaved with keepalive pings. Returns when the stream ends or the
// socket breaks.
func (s *Server) writeEvents(ctx context.Context, conn *websocket.Conn, run *engine.Run, rec *store.RunRecorder, log *slog.Logger) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-run.Events():
			if !ok {
				s.finishRun(ctx, run, rec, log)
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			rec.Observe(ctx, ev)
			payload, err := engine.MarshalWire(ev)
			if err != nil {
				log.Warn("event marshal failed", "error", err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Warn("socket write failed", "error", err)
				run.Stop()
				s.drainAndFinish(ctx, run, rec, log)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				run.Stop()
				s.drainAndFinish(ctx, run, rec, log)
				return
			}
		}
	}
}

// drainAndFinish consumes remaining events after the socket is gone so the
// run actor can complete, then persists the summary.
func (s *Server) drainAndFinish(ctx context.Context, run *engine.Run, rec *store.RunRecorder, log *slog.Logger) {
	for ev := range run.Events() {
		rec.Observe(ctx, ev)
	}
	s.finishRun(ctx, run, rec, log)
}

func (s *Server) finishRun(ctx context.Context, run *engine.Run, rec *store.RunRecorder, log *slog.Logger) {
	<-run.Done()
	sum := run.Summary()
	rec.Finish(context.WithoutCancel(ctx), sum)
	if sum == nil {
		return
	}
	log.Info("interactive run finished", "status", string(sum.Status), "duration", sum.Duration)
	if s.metrics != nil {
		s.metrics.Duration(obs.MetricRunDurationMs, sum.Duration,
			map[string]string{"status": string(sum.Status), "mode": "interactive"})
		s.metrics.Count(obs.MetricRunsTotal, 1, map[string]string{"status": string(sum.Status)})
	}
	if s.audit != nil {
		s.audit.Record("server", "run_finished",
			map[string]any{"run_id": sum.RunID, "test_id": sum.TestID},
			map[string]any{"status": string(sum.Status), "message": sum.Message},
			nil, sum.Duration)
	}
}
