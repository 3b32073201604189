// Package sse fans competition lifecycle events out to HTTP stream
// subscribers.
package sse

import (
	"sync"
	"time"
)

// Event is one competition lifecycle notification.
type Event struct {
	Type    string    `json:"type"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// Hub manages event stream subscribers. Slow subscribers drop events
// instead of blocking the controller.
type Hub struct {
	mu      sync.RWMutex
	nextID  uint64
	clients map[uint64]chan Event
	closed  bool
}

func NewHub() *Hub {
	return &Hub{clients: make(map[uint64]chan Event)}
}

// Subscribe registers a new subscriber. The returned cancel function
// releases it and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.clients[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if _, ok := h.clients[id]; ok {
				delete(h.clients, id)
				close(ch)
			}
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// Broadcast delivers one event to every subscriber.
func (h *Hub) Broadcast(eventType string, payload any) {
	event := Event{Type: eventType, Time: time.Now().UTC(), Payload: payload}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- event:
		default:
		}
	}
}

// ClientCount returns the number of active subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop closes every subscriber channel.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.clients {
		close(ch)
		delete(h.clients, id)
	}
}
