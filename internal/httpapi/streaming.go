package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/citeseek/citeseek/internal/deepresearch"
	"github.com/citeseek/citeseek/internal/streaming"
)

const (
	sseHeartbeat  = 15 * time.Second
	subscriberBuf = 256
)

// eventFilter admits event types listed in a comma-separated query param;
// an empty filter admits everything.
type eventFilter map[string]struct{}

func parseEventFilter(s string) eventFilter {
	f := eventFilter{}
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			f[t] = struct{}{}
		}
	}
	return f
}

func (f eventFilter) admit(eventType string) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[eventType]
	return ok
}

func terminalEvent(eventType string) bool {
	return eventType == streaming.TypeDone || eventType == streaming.TypeError
}

// lastEventID reads the SSE reconnect cursor from the standard header with
// a query param fallback for clients that cannot set headers.
func lastEventID(r *http.Request) (uint64, bool) {
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			return n, true
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

// handleStream serves deep research progress as Server-Sent Events.
//
//	GET /api/v1/deep-research/stream?query=…        start a run, stream it
//	GET /api/v1/deep-research/stream?run_id=…       attach to an existing run
//
// Attach honors Last-Event-ID replay. A started run ends with one final
// "result" frame carrying the full answer payload.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := strings.TrimSpace(q.Get("query"))
	runID := strings.TrimSpace(q.Get("run_id"))
	if query == "" && runID == "" {
		writeError(w, http.StatusBadRequest, "query or run_id required")
		return
	}
	filter := parseEventFilter(q.Get("types"))

	if runID != "" {
		s.attachStream(w, r, runID, filter)
		return
	}

	flusher, ok := beginSSE(w)
	if !ok {
		return
	}

	if s.agent == nil || !s.agent.Enabled() {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n",
			streaming.TypeError, `{"error":"deep research is disabled"}`)
		flusher.Flush()
		return
	}

	// Subscribe before starting the run: the first event carries seq 0 and
	// replay cannot recover it.
	runID = uuid.New().String()
	ch := s.stream.Subscribe(runID, subscriberBuf)
	defer s.stream.Unsubscribe(runID, ch)

	fmt.Fprintf(w, ": connected run %s\n\n", runID)
	flusher.Flush()

	maxIterations, _ := strconv.Atoi(q.Get("max_iterations"))
	resCh := make(chan deepresearch.Result, 1)
	go func() {
		resCh <- s.agent.Run(r.Context(), deepresearch.Params{
			Query:         query,
			Model:         q.Get("model"),
			MaxIterations: maxIterations,
			RunID:         runID,
		})
	}()

	hb := time.NewTicker(sseHeartbeat)
	defer hb.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("SSE client disconnected", zap.String("run_id", runID))
			return
		case res := <-resCh:
			// The terminal event was published before Run returned, so it
			// is already buffered; flush the backlog, then the result.
		drain:
			for {
				select {
				case evt, ok := <-ch:
					if !ok {
						break drain
					}
					if filter.admit(evt.Type) {
						writeSSEEvent(w, evt)
					}
				default:
					break drain
				}
			}
			fmt.Fprintf(w, "event: result\ndata: %s\n\n", mustJSON(res))
			flusher.Flush()
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if filter.admit(evt.Type) {
				writeSSEEvent(w, evt)
				flusher.Flush()
			}
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// attachStream replays a known run's buffered events and follows it live
// until the terminal event.
func (s *Server) attachStream(w http.ResponseWriter, r *http.Request, runID string, filter eventFilter) {
	backlog := s.stream.Replay(runID)
	if backlog == nil {
		writeError(w, http.StatusNotFound, "unknown run")
		return
	}
	if since, ok := lastEventID(r); ok {
		backlog = s.stream.ReplaySince(runID, since)
	}

	flusher, ok := beginSSE(w)
	if !ok {
		return
	}

	// Subscribe before replaying so nothing published in between is lost;
	// clients dedup the rare overlap by event id.
	ch := s.stream.Subscribe(runID, subscriberBuf)
	defer s.stream.Unsubscribe(runID, ch)

	fmt.Fprintf(w, ": connected run %s\n\n", runID)
	done := false
	for _, evt := range backlog {
		if filter.admit(evt.Type) {
			writeSSEEvent(w, evt)
		}
		if terminalEvent(evt.Type) {
			done = true
		}
	}
	flusher.Flush()
	if done {
		return
	}

	hb := time.NewTicker(sseHeartbeat)
	defer hb.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("SSE client disconnected", zap.String("run_id", runID))
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if filter.admit(evt.Type) {
				writeSSEEvent(w, evt)
				flusher.Flush()
			}
			if terminalEvent(evt.Type) {
				return
			}
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func beginSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return flusher, true
}

func writeSSEEvent(w http.ResponseWriter, evt streaming.Event) {
	fmt.Fprintf(w, "id: %d\n", evt.Seq)
	if evt.Type != "" {
		fmt.Fprintf(w, "event: %s\n", evt.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", evt.Marshal())
}
