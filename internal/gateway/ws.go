package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/osaproject/osa/internal/bus"
	"github.com/osaproject/osa/pkg/protocol"
)

const (
	wsWriteTimeout = 10 * time.Second
	// wsEventSource is the envelope source stamped on outbound frames.
	wsEventSource = "osa://gateway"
)

// handleWebSocket serves the full event feed over one WebSocket
// connection, one protocol.Envelope per frame. An optional ?session_id=
// narrows the feed to one session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sessionID := r.URL.Query().Get("session_id")

	streamed := make(map[protocol.Topic]bool, len(protocol.StreamTopics))
	for _, topic := range protocol.StreamTopics {
		streamed[topic] = true
	}

	events := make(chan bus.Event, 64)
	var opts []bus.SubOption
	if sessionID != "" {
		opts = append(opts, bus.WithSession(sessionID))
	}
	sub := s.deps.Bus.Subscribe(bus.TopicAll, func(ev bus.Event) {
		if !streamed[ev.Topic] {
			return
		}
		select {
		case events <- ev:
		default:
		}
	}, opts...)
	defer s.deps.Bus.Unsubscribe(sub)

	slog.Info("websocket client connected", "remote", r.RemoteAddr, "session", sessionID)

	// Reader goroutine: drain control frames, detect disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			slog.Info("websocket client disconnected", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		case ev := <-events:
			frame, err := protocol.Encode(uuid.NewString(), wsEventSource, ev.Topic, ev.SessionID, ev.Payload)
			if err != nil {
				slog.Warn("websocket frame encode failed", "topic", ev.Topic, "error", err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				slog.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}
