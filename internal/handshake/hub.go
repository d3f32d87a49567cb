package handshake

import (
	crand "crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// Event is a cycle outcome as delivered to Hub subscribers.
type Event struct {
	Kind    string    `json:"kind"` // "commit" or "failure"
	Sensor  string    `json:"sensor,omitempty"`
	ID      byte      `json:"id,omitempty"`
	Samples []float64 `json:"samples,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// Hub is an Observer that fans cycle outcomes out to any number of
// subscribers. Slow subscribers miss events rather than stall the reader.
type Hub struct {
	subscribers  map[string]chan Event
	subscriberMu sync.Mutex
	closing      bool
	now          func() time.Time
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]chan Event),
		now:         time.Now,
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe creates a new channel for receiving events. The ID is used to
// unsubscribe. After Close the returned channel is already closed.
func (h *Hub) Subscribe() (string, <-chan Event) {
	id := randomID()
	ch := make(chan Event, 16)

	h.subscriberMu.Lock()
	defer h.subscriberMu.Unlock()
	if h.closing {
		close(ch)
		return id, ch
	}
	h.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.subscriberMu.Lock()
	defer h.subscriberMu.Unlock()
	if ch, ok := h.subscribers[id]; ok {
		close(ch)
		delete(h.subscribers, id)
	}
}

// Close closes every subscriber channel. Later events are dropped.
func (h *Hub) Close() {
	h.subscriberMu.Lock()
	defer h.subscriberMu.Unlock()
	h.closing = true
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
}

func (h *Hub) FrameCommitted(c Commit) {
	samples := make([]float64, len(c.Samples))
	copy(samples, c.Samples)
	h.publish(Event{
		Kind:    "commit",
		Sensor:  c.Sensor.Name,
		ID:      c.Sensor.ID,
		Samples: samples,
		At:      c.At,
	})
}

func (h *Hub) FrameFailed(err error) {
	h.publish(Event{
		Kind:  "failure",
		Error: err.Error(),
		At:    h.now(),
	})
}

func (h *Hub) publish(e Event) {
	h.subscriberMu.Lock()
	defer h.subscriberMu.Unlock()
	if h.closing {
		return
	}
	for _, ch := range h.subscribers {
		select {
		case ch <- e:
		default:
			// if the channel is full skip so as not to block the reader
		}
	}
}
