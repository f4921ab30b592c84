// Package events is a small in-process broadcast hub. The pipeline publishes
// lifecycle events (staged, decided, resolved, promoted) and the websocket
// surface fans them out to connected reviewers.
package events

import (
	"sync"
	"time"
)

type EventType string

const (
	TypeStaged   EventType = "staged"
	TypeDecided  EventType = "decided"
	TypeResolved EventType = "resolved"
	TypePromoted EventType = "promoted"
)

type Event struct {
	Type        EventType              `json:"type"`
	CandidateID string                 `json:"candidate_id,omitempty"`
	Detail      map[string]interface{} `json:"detail,omitempty"`
	At          time.Time              `json:"at"`
}

type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe returns a buffered event channel and an unsubscribe func.
// Slow consumers drop events rather than blocking the pipeline.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, 64)
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
}

func (h *Hub) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
