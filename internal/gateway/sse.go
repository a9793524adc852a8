package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/osaproject/osa/internal/bus"
	"github.com/osaproject/osa/pkg/protocol"
)

// handleStream serves one session's event feed as SSE. Each bus event
// becomes an `event:` frame; a keepalive comment goes out every 30 s.
// The subscription is torn down when the client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "session_id is required", "")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, CodeAgentError, "streaming unsupported", "")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	streamed := make(map[protocol.Topic]bool, len(protocol.StreamTopics))
	for _, topic := range protocol.StreamTopics {
		streamed[topic] = true
	}

	events := make(chan bus.Event, 64)
	sub := s.deps.Bus.Subscribe(bus.TopicAll, func(ev bus.Event) {
		if !streamed[ev.Topic] {
			return
		}
		select {
		case events <- ev:
		default:
			// Slow SSE client; drop rather than stall the bus worker.
		}
	}, bus.WithSession(sessionID))
	defer s.deps.Bus.Unsubscribe(sub)

	// Opening frame so clients know the stream is live.
	writeSSEFrame(w, protocol.TopicConnected, map[string]any{
		"type":       string(protocol.TopicConnected),
		"session_id": sessionID,
	})
	flusher.Flush()

	keepalive := time.NewTicker(s.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Debug("sse client disconnected", "session", sessionID)
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev := <-events:
			frame := map[string]any{
				"type":       string(ev.Topic),
				"session_id": ev.SessionID,
			}
			for k, v := range ev.Payload {
				frame[k] = v
			}
			writeSSEFrame(w, ev.Topic, frame)
			flusher.Flush()
		}
	}
}

func writeSSEFrame(w http.ResponseWriter, topic protocol.Topic, frame map[string]any) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Warn("sse frame not serializable", "topic", topic, "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", topic, data)
}
