// Package stream pushes device and policy decision events to websocket
// subscribers. A subscriber that falls behind loses events and sees the gap
// through the sequence number.
package stream

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	EventReady    = "ready"
	EventDecision = "policy.decision"
	EventDevice   = "device.event"
)

const defaultBuffer = 32

type Event struct {
	Seq      uint64          `json:"seq"`
	Type     string          `json:"type"`
	ClientID string          `json:"clientId,omitempty"`
	At       time.Time       `json:"at"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Subscription receives events for one client, or for every client when
// its client ID is empty.
type Subscription struct {
	C        <-chan Event
	ch       chan Event
	clientID string
	dropped  atomic.Uint64
}

func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) wants(clientID string) bool {
	return s.clientID == "" || clientID == "" || strings.EqualFold(s.clientID, clientID)
}

type Hub struct {
	mu   sync.RWMutex
	seq  atomic.Uint64
	subs map[*Subscription]struct{}
	now  func() time.Time
}

func NewHub() *Hub {
	return &Hub{subs: map[*Subscription]struct{}{}, now: time.Now}
}

func (h *Hub) Subscribe(clientID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, clientID: strings.TrimSpace(clientID)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Unsubscribe closes the subscription channel. Repeated calls are no-ops.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	_, ok := h.subs[sub]
	delete(h.subs, sub)
	h.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish stamps and delivers an event without blocking. Events that do
// not marshal are dropped.
func (h *Hub) Publish(eventType, clientID string, data any) (Event, bool) {
	evt := Event{Type: eventType, ClientID: clientID, At: h.now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Event{}, false
		}
		evt.Data = raw
	}
	evt.Seq = h.seq.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.wants(clientID) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			sub.dropped.Add(1)
		}
	}
	return evt, true
}
