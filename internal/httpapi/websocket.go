package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/citeseek/citeseek/internal/deepresearch"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // secure via proxy in prod
}

// wsResult is the closing frame of a streamed run.
type wsResult struct {
	Type   string              `json:"type"`
	Result deepresearch.Result `json:"result"`
}

// handleStreamWS is the WebSocket variant of the SSE stream: same query
// parameters, events as JSON messages, ping/pong keepalive, and a final
// {"type":"result"} frame for runs started by this connection.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := strings.TrimSpace(q.Get("query"))
	runID := strings.TrimSpace(q.Get("run_id"))
	if query == "" && runID == "" {
		writeError(w, http.StatusBadRequest, "query or run_id required")
		return
	}
	filter := parseEventFilter(q.Get("types"))

	attach := runID != ""
	var backlog int64 = -1
	if attach {
		if s.stream.Replay(runID) == nil {
			writeError(w, http.StatusNotFound, "unknown run")
			return
		}
		if since, ok := lastEventID(r); ok {
			backlog = int64(since)
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if !attach && (s.agent == nil || !s.agent.Enabled()) {
		_ = conn.WriteJSON(map[string]string{
			"type":  "error",
			"error": "deep research is disabled",
		})
		return
	}

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	// Reader pump: discard client messages, surface the close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if !attach {
		runID = uuid.New().String()
	}
	ch := s.stream.Subscribe(runID, subscriberBuf)
	defer s.stream.Unsubscribe(runID, ch)

	done := false
	if attach {
		events := s.stream.Replay(runID)
		if backlog >= 0 {
			events = s.stream.ReplaySince(runID, uint64(backlog))
		}
		for _, evt := range events {
			if filter.admit(evt.Type) {
				if err := conn.WriteJSON(evt); err != nil {
					return
				}
			}
			if terminalEvent(evt.Type) {
				done = true
			}
		}
		if done {
			return
		}
	}

	var resCh chan deepresearch.Result
	if !attach {
		maxIterations, _ := strconv.Atoi(q.Get("max_iterations"))
		resCh = make(chan deepresearch.Result, 1)
		go func() {
			resCh <- s.agent.Run(r.Context(), deepresearch.Params{
				Query:         query,
				Model:         q.Get("model"),
				MaxIterations: maxIterations,
				RunID:         runID,
			})
		}()
	}

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("WebSocket client disconnected", zap.String("run_id", runID))
			return
		case res := <-resCh:
		drain:
			for {
				select {
				case evt, ok := <-ch:
					if !ok {
						break drain
					}
					if filter.admit(evt.Type) {
						if err := conn.WriteJSON(evt); err != nil {
							return
						}
					}
				default:
					break drain
				}
			}
			_ = conn.WriteJSON(wsResult{Type: "result", Result: res})
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if filter.admit(evt.Type) {
				if err := conn.WriteJSON(evt); err != nil {
					return
				}
			}
			if attach && terminalEvent(evt.Type) {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
