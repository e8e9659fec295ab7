package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/babelcloud/screencap/internal/capture/session"
)

// EventHub fans session status events out to event stream clients. The
// latest event is cached and sent to every new subscriber first, so a client
// always learns the current state on connect.
type EventHub struct {
	mu          sync.RWMutex
	subscribers map[string]chan []byte
	last        []byte
	closed      bool
	logger      *slog.Logger
}

// NewEventHub creates an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{
		subscribers: make(map[string]chan []byte),
		logger:      slog.With("component", "events"),
	}
}

// Run broadcasts every event read from events until it is closed or ctx ends.
func (h *EventHub) Run(ctx context.Context, events <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("Failed to encode event", "type", ev.Type, "error", err.Error())
				continue
			}
			h.Broadcast(data)
		}
	}
}

// Subscribe adds a subscriber and returns its channel. The cached event, if
// any, is queued immediately.
func (h *EventHub) Subscribe(id string, bufferSize int) <-chan []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		ch := make(chan []byte)
		close(ch)
		return ch
	}

	ch := make(chan []byte, bufferSize)
	h.subscribers[id] = ch
	if len(h.last) > 0 {
		select {
		case ch <- h.last:
		default:
		}
	}
	h.logger.Debug("Event subscriber added", "id", id, "total", len(h.subscribers))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *EventHub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.subscribers[id]; ok {
		close(ch)
		delete(h.subscribers, id)
		h.logger.Debug("Event subscriber removed", "id", id, "remaining", len(h.subscribers))
	}
}

// Broadcast sends data to every subscriber. A subscriber whose channel is
// full is dropped; its client reconnects and gets the cached event.
func (h *EventHub) Broadcast(data []byte) {
	if len(data) == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.last = data

	for id, ch := range h.subscribers {
		select {
		case ch <- data:
		default:
			h.logger.Warn("Dropping event subscriber due to full channel", "id", id)
			close(ch)
			delete(h.subscribers, id)
		}
	}
}

// Close shuts the hub down and closes all subscriber channels.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for _, ch := range h.subscribers {
		close(ch)
	}
	h.subscribers = make(map[string]chan []byte)
}

// SubscriberCount returns the current number of subscribers.
func (h *EventHub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
