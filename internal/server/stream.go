package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ShayCichocki/switchboard/internal/events"
)

const (
	streamBuffer = 256
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The stream is read-only status; any origin may watch it.
	CheckOrigin: func(*http.Request) bool { return true },
}

// eventFilter keeps events matching the stream's query parameters.
type eventFilter struct {
	ticketID string
	types    map[events.Type]bool
}

func newEventFilter(r *http.Request) eventFilter {
	q := r.URL.Query()
	f := eventFilter{ticketID: strings.TrimSpace(q.Get("ticket_id"))}
	for _, raw := range q["type"] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				if f.types == nil {
					f.types = map[events.Type]bool{}
				}
				f.types[events.Type(part)] = true
			}
		}
	}
	return f
}

func (f eventFilter) match(e events.Event) bool {
	if f.ticketID != "" && e.TicketID != f.ticketID {
		return false
	}
	if f.types != nil && !f.types[e.Type] {
		return false
	}
	return true
}

// handleEvents streams bus events as JSON text frames until the client
// goes away. Slow clients lose events rather than stall the bus.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "events_unavailable", "event bus is not configured")
		return
	}
	filter := newEventFilter(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch, unsubscribe := s.deps.Bus.Subscribe(streamBuffer)
	defer unsubscribe()

	// The reader only handles control frames and notices disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	s.logger.Debug("event stream opened", "remote", r.RemoteAddr)
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
				return
			}
			if !filter.match(e) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
