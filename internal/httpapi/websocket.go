package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/McLeuker/mcleukerai-sub000/internal/taskerr"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin is enforced at the edge proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS mirrors a task's event stream over a WebSocket for clients that
// cannot consume SSE. Same replay semantics as the SSE endpoint.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if _, err := uuid.Parse(taskID); err != nil {
		s.writeError(w, http.StatusBadRequest,
			taskerr.New(taskerr.KindValidation, "task id must be a UUID"))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := s.stream.Subscribe(taskID, 512)
	defer s.stream.Unsubscribe(taskID, ch)

	for _, ev := range s.stream.ReplaySince(taskID, lastEventID(r)) {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
		if ev.Final {
			return
		}
	}

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	// Reader pump; client messages are discarded.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Final {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
