package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"tagbind/internal/notify"
)

const writeWait = 10 * time.Second

var knownKinds = map[notify.EventKind]struct{}{
	notify.KindBindingStarted:   {},
	notify.KindBindingCompleted: {},
	notify.KindBindingCancelled: {},
	notify.KindBindingRemoved:   {},
	notify.KindScanObserved:     {},
}

// EventsHandler serves the websocket push channel for bus subscribers
type EventsHandler struct {
	bus      *notify.Bus
	pongWait time.Duration
	upgrader websocket.Upgrader
}

// NewEventsHandler creates a new events handler. pongWait should match
// the bus liveness probe interval.
func NewEventsHandler(bus *notify.Bus, pongWait time.Duration) *EventsHandler {
	if pongWait <= 0 {
		pongWait = 30 * time.Second
	}
	return &EventsHandler{
		bus:      bus,
		pongWait: pongWait,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the admin front-end is served from another origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleEvents upgrades the connection and streams bus events. The
// optional kinds query parameter selects a subset of event kinds;
// without it the subscriber receives everything.
func (h *EventsHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	kinds, ok := parseKinds(r.URL.Query().Get("kinds"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown event kind"})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sub := h.bus.Register(kinds...)
	log.Info().Str("subscriber", sub.ID()).Str("remote", r.RemoteAddr).Msg("event stream opened")

	go h.writePump(conn, sub)
	h.readPump(conn, sub)
}

// readPump consumes client frames for their liveness value only. Pongs
// and any inbound message count as a heartbeat.
func (h *EventsHandler) readPump(conn *websocket.Conn, sub *notify.Subscriber) {
	defer func() {
		h.bus.Unregister(sub.ID())
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(h.pongWait * 2))
	conn.SetPongHandler(func(string) error {
		h.bus.Heartbeat(sub.ID())
		conn.SetReadDeadline(time.Now().Add(h.pongWait * 2))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("subscriber", sub.ID()).Msg("event stream read error")
			}
			return
		}
		h.bus.Heartbeat(sub.ID())
	}
}

// writePump drains the subscriber channel onto the socket and pings the
// client. It exits when the bus closes the channel (unregister or
// liveness expiry) or a write fails.
func (h *EventsHandler) writePump(conn *websocket.Conn, sub *notify.Subscriber) {
	pingTicker := time.NewTicker(h.pongWait * 9 / 10)
	defer func() {
		pingTicker.Stop()
		conn.Close()
	}()

	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(evt); err != nil {
				log.Debug().Err(err).Str("subscriber", sub.ID()).Msg("event stream write error")
				return
			}
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func parseKinds(raw string) ([]notify.EventKind, bool) {
	if raw == "" {
		return nil, true
	}
	var kinds []notify.EventKind
	for _, part := range strings.Split(raw, ",") {
		kind := notify.EventKind(strings.TrimSpace(part))
		if _, ok := knownKinds[kind]; !ok {
			return nil, false
		}
		kinds = append(kinds, kind)
	}
	return kinds, true
}
