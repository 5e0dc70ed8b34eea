package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/book-expert/longform-tts/internal/jobs"
	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

var errStreamingUnsupported = errors.New("streaming is not supported by this connection")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

func (s *Server) watch(r *http.Request, id string) <-chan jobs.StreamEvent {
	cfg := s.svc.Config

	return s.svc.Manager.Watch(r.Context(), id, cfg.StreamPollInterval(), float64(cfg.Server.StreamStepPercent))
}

// handleEvents streams progress as server-sent events until the job settles.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, errStreamingUnsupported)

		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for event := range s.watch(r, r.PathValue("id")) {
		data, err := json.Marshal(event)
		if err != nil {
			s.log.Error("Failed to marshal stream event: %v", err)

			return
		}

		_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
		if err != nil {
			return
		}

		flusher.Flush()
	}
}

// handleWebsocket streams the same events as JSON websocket messages.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Websocket upgrade failed: %v", err)

		return
	}
	defer conn.Close()

	// Drain client frames so close and ping control messages are processed.
	go func() {
		for {
			if _, _, readErr := conn.NextReader(); readErr != nil {
				return
			}
		}
	}()

	for event := range s.watch(r, r.PathValue("id")) {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))

		err = conn.WriteJSON(event)
		if err != nil {
			s.log.Warn("Websocket write failed: %v", err)

			return
		}
	}

	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream finished"))
}
