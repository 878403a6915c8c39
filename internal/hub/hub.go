// Package hub fans broadcast events out to subscribers. A subscriber whose
// delivery fails is removed; the publisher never sees the failure.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinkerbelle-io/tim8-gateway/internal/metrics"
	"github.com/tinkerbelle-io/tim8-gateway/internal/protocol"
)

var (
	// ErrSubscriberClosed is returned by Send after a subscriber shut down.
	ErrSubscriberClosed = errors.New("subscriber closed")
	// ErrSlowSubscriber is returned by Send when the outbound buffer is full.
	ErrSlowSubscriber = errors.New("subscriber buffer full")
)

// Subscriber receives encoded events. Send must not block; an error means
// the subscriber is gone and it will be removed. Close releases its
// resources and may be called more than once.
type Subscriber interface {
	ID() string
	Send(msg []byte) error
	Close()
}

// Hub is a registry of subscribers.
type Hub struct {
	mu   sync.Mutex
	subs map[string]Subscriber
	log  *slog.Logger
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{
		subs: make(map[string]Subscriber),
		log:  slog.Default().With("component", "hub"),
	}
}

// Subscribe registers s and returns a function that removes it again.
func (h *Hub) Subscribe(s Subscriber) (cancel func()) {
	h.mu.Lock()
	if old, ok := h.subs[s.ID()]; ok && old != s {
		old.Close()
	}
	h.subs[s.ID()] = s
	n := len(h.subs)
	h.mu.Unlock()

	metrics.HubSubscribers.Set(float64(n))
	h.log.Debug("subscriber added", "id", s.ID(), "subscribers", n)

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(s) })
	}
}

// Unsubscribe removes and closes the subscriber with id. It reports whether
// one was registered.
func (h *Hub) Unsubscribe(id string) bool {
	h.mu.Lock()
	s, ok := h.subs[id]
	h.mu.Unlock()
	if !ok {
		return false
	}
	return h.remove(s)
}

// remove deletes s only if it is still the registered subscriber for its id.
func (h *Hub) remove(s Subscriber) bool {
	h.mu.Lock()
	cur, ok := h.subs[s.ID()]
	if ok && cur == s {
		delete(h.subs, s.ID())
	}
	n := len(h.subs)
	h.mu.Unlock()

	if !ok || cur != s {
		return false
	}
	s.Close()
	metrics.HubSubscribers.Set(float64(n))
	h.log.Debug("subscriber removed", "id", s.ID(), "subscribers", n)
	return true
}

// Publish encodes ev once and hands it to every subscriber. Publishes are
// serialized, so each subscriber sees events in publish order. Only an
// encoding failure is returned.
func (h *Hub) Publish(ev protocol.Event) error {
	msg, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.EventType(), err)
	}
	metrics.HubEventsPublished.WithLabelValues(ev.EventType()).Inc()

	h.mu.Lock()
	defer h.mu.Unlock()

	for id, s := range h.subs {
		if err := s.Send(msg); err != nil {
			delete(h.subs, id)
			s.Close()
			metrics.HubEvictions.Inc()
			h.log.Info("dropping subscriber", "id", id, "error", err)
		}
	}
	metrics.HubSubscribers.Set(float64(len(h.subs)))
	return nil
}

// Count returns the number of registered subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close removes and closes every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]Subscriber)
	h.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	metrics.HubSubscribers.Set(0)
}
