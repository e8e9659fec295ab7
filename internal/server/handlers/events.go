package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/dchest/uniuri"
	"github.com/gorilla/websocket"
)

const (
	eventBufferSize = 32
	eventPingPeriod = 30 * time.Second
	eventWriteWait  = 10 * time.Second
)

var eventUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // access is gated by the control token
	},
}

// EventHandlers stream session status events over a websocket.
type EventHandlers struct {
	serverService ServerService
	logger        *slog.Logger
}

// NewEventHandlers creates the event stream handler
func NewEventHandlers(serverSvc ServerService) *EventHandlers {
	return &EventHandlers{
		serverService: serverSvc,
		logger:        slog.With("component", "events"),
	}
}

func (h *EventHandlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := eventUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Event stream upgrade failed", "error", err.Error())
		return
	}
	defer conn.Close()

	hub := h.serverService.Events()
	id := uniuri.New()
	events := hub.Subscribe(id, eventBufferSize)
	defer hub.Unsubscribe(id)

	// the read loop only notices the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug("Event stream read error", "id", id, "error", err.Error())
				}
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case data, ok := <-events:
			conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("Event stream write failed", "id", id, "error", err.Error())
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
