package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/McLeuker/mcleukerai-sub000/internal/streaming"
)

const heartbeatInterval = 15 * time.Second

// sseWriter frames streaming events as Server-Sent Events with sequence ids
// so clients can resume via Last-Event-ID.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	ticker  *time.Ticker
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher, ticker: time.NewTicker(heartbeatInterval)}, nil
}

// write frames one event; the returned bool reports a broken connection.
func (s *sseWriter) write(ev streaming.Event) bool {
	if ev.Seq > 0 {
		fmt.Fprintf(s.w, "id: %d\n", ev.Seq)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", ev.Marshal()); err != nil {
		return true
	}
	s.flusher.Flush()
	return false
}

// comment writes an SSE comment line, used for the opening handshake and
// keep-alive pings through buffering proxies.
func (s *sseWriter) comment(text string) {
	fmt.Fprintf(s.w, ": %s\n\n", text)
	s.flusher.Flush()
}

func (s *sseWriter) heartbeat() <-chan time.Time { return s.ticker.C }

func (s *sseWriter) close() { s.ticker.Stop() }

// lastEventID reads the resume position from the standard header, falling
// back to a query parameter for clients that cannot set headers.
func lastEventID(r *http.Request) uint64 {
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			return n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
