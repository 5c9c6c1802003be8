package interview

import (
	"context"
	"sync"

	"github.com/loqalabs/loqa-interview/internal/recorder"
)

// Event is one message on a session's live feed.
type Event struct {
	Type         string                 `json:"type"`
	Snapshot     *recorder.Snapshot     `json:"snapshot,omitempty"`
	Notification *recorder.Notification `json:"notification,omitempty"`
}

const (
	EventSnapshot     = "snapshot"
	EventNotification = "notification"
)

// Hub fans session events out to live subscribers. Slow subscribers lose
// events rather than stall the session loop.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe returns a channel of events for sessionID and a cancel func.
func (h *Hub) Subscribe(sessionID string) (<-chan Event, func()) {
	ch := make(chan Event, 32)
	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[chan Event]struct{})
	}
	h.subs[sessionID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set := h.subs[sessionID]; set != nil {
				delete(set, ch)
				if len(set) == 0 {
					delete(h.subs, sessionID)
				}
			}
			close(ch)
		})
	}
}

func (h *Hub) Publish(sessionID string, evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[sessionID] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribers reports the number of live subscribers for a session.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}

func (h *Hub) Notify(_ context.Context, sessionID string, n recorder.Notification) {
	h.Publish(sessionID, Event{Type: EventNotification, Notification: &n})
}

// Observer returns a snapshot observer for one session.
func (h *Hub) Observer(sessionID string) func(recorder.Snapshot) {
	return func(s recorder.Snapshot) {
		h.Publish(sessionID, Event{Type: EventSnapshot, Snapshot: &s})
	}
}
