// Package stream fans policy events out to live operator connections.
package stream

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"applylens/pkg/models"
)

const (
	TypeAction   = "action"
	TypeStats    = "stats"
	TypeSettings = "settings"
	TypeBundle   = "bundle"
)

type Event struct {
	Type string          `json:"type"`
	Ref  string          `json:"ref,omitempty"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType, ref string, data any) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, Ref: ref, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// Subscription receives events whose type is in its filter, or all events
// when the filter is empty. Slow subscribers drop events rather than block
// publishers; Dropped counts them.
type Subscription struct {
	C       chan Event
	types   map[string]bool
	dropped atomic.Int64
}

func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) wants(eventType string) bool {
	return len(s.types) == 0 || s.types[eventType]
}

type Hub struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[*Subscription]struct{}{}}
}

func (h *Hub) Subscribe(buffer int, types ...string) *Subscription {
	if buffer <= 0 {
		buffer = 32
	}
	sub := &Subscription{C: make(chan Event, buffer)}
	if len(types) > 0 {
		sub.types = make(map[string]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	_, exists := h.subs[sub]
	if exists {
		delete(h.subs, sub)
	}
	h.mu.Unlock()
	if exists {
		close(sub.C)
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.wants(evt.Type) {
			continue
		}
		select {
		case sub.C <- evt:
		default:
			sub.dropped.Add(1)
		}
	}
}

func (h *Hub) ActionChanged(_ context.Context, a models.ProposedAction) error {
	h.Publish(NewEvent(TypeAction, a.ID, a))
	return nil
}

func (h *Hub) StatsChanged(_ context.Context, s models.PolicyStats) error {
	h.Publish(NewEvent(TypeStats, s.RuleID+"/"+s.UserID, s))
	return nil
}

func (h *Hub) SettingsChanged(c models.SettingsChange) {
	h.Publish(NewEvent(TypeSettings, strconv.FormatInt(c.Revision, 10), c))
}

func (h *Hub) BundleChanged(b models.Bundle) {
	h.Publish(NewEvent(TypeBundle, strconv.FormatInt(b.Version, 10), b))
}
