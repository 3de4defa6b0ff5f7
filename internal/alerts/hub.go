package alerts

import (
	"sync"

	"github.com/miradorstack/mirador-pulse/internal/models"
)

// Hub fans published alerts out to in-process subscribers (the websocket
// stream). Sends never block: a subscriber whose buffer is full misses the
// alert rather than stalling the dispatcher.
type Hub struct {
	mu   sync.Mutex
	subs map[chan models.AlertEvent]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan models.AlertEvent]struct{})}
}

// Subscribe registers a buffered subscription channel.
func (h *Hub) Subscribe(buffer int) chan models.AlertEvent {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan models.AlertEvent, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes the subscription channel.
func (h *Hub) Unsubscribe(ch chan models.AlertEvent) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// Broadcast delivers the alert to every subscriber with buffer room.
func (h *Hub) Broadcast(alert models.AlertEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- alert:
		default:
		}
	}
}
