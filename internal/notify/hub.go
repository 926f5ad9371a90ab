// Package notify fans committed change events out to connected clients.
// Commit paths publish directly; each subscriber is a channel consumer with a
// heartbeat ticker. Delivery is best-effort with no replay.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"clinic-scheduler/internal/metrics"
	"clinic-scheduler/internal/model"
)

const (
	DefaultHeartbeat = 30 * time.Second
	DefaultBuffer    = 64
)

// Envelope is the wire message written to every transport.
type Envelope struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink writes envelopes to one client connection.
type Sink interface {
	Send(env Envelope) error
}

type Hub struct {
	mu        sync.RWMutex
	subs      map[*Subscription]struct{}
	buffer    int
	heartbeat time.Duration
	metrics   *metrics.Collector
	now       func() time.Time
	log       *zap.Logger
}

type Option func(*Hub)

func WithHeartbeat(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(h *Hub) { h.metrics = m }
}

func NewHub(log *zap.Logger, opts ...Option) *Hub {
	h := &Hub{
		subs:      make(map[*Subscription]struct{}),
		buffer:    DefaultBuffer,
		heartbeat: DefaultHeartbeat,
		now:       time.Now,
		log:       log,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

type Subscription struct {
	ID       string
	Identity model.Identity

	events chan Envelope
	hub    *Hub
	once   sync.Once
}

// Subscribe registers a subscriber. Callers must run Pump or Close it.
func (h *Hub) Subscribe(who model.Identity) *Subscription {
	s := &Subscription{
		ID:       uuid.NewString(),
		Identity: who,
		events:   make(chan Envelope, h.buffer),
		hub:      h,
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	h.metrics.SubscriberDelta(1)
	h.log.Debug("subscriber connected", zap.String("subscription_id", s.ID), zap.String("user_id", who.UserID))
	return s
}

func (h *Hub) unregister(s *Subscription) {
	h.mu.Lock()
	if _, ok := h.subs[s]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subs, s)
	close(s.events)
	h.mu.Unlock()

	h.metrics.SubscriberDelta(-1)
	h.log.Debug("subscriber disconnected", zap.String("subscription_id", s.ID))
}

// Publish delivers ev to every subscriber in scope. A full buffer drops the
// event for that subscriber only; Publish never blocks.
func (h *Hub) Publish(_ context.Context, ev model.ChangeEvent) error {
	ts := ev.OccurredAt
	if ts.IsZero() {
		ts = h.now().UTC()
	}
	env := Envelope{Type: ev.Type, Data: ev.Payload, Timestamp: ts}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if !ev.Scope.Matches(s.Identity) {
			continue
		}
		select {
		case s.events <- env:
		default:
			h.metrics.EventDropped()
			h.log.Warn("subscriber buffer full, event dropped",
				zap.String("subscription_id", s.ID), zap.String("type", ev.Type))
		}
	}
	h.metrics.EventPublished(ev.Type)
	return nil
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.unregister(s) })
}

// Pump writes a connected envelope, then events and heartbeats to sink until
// ctx is cancelled or a heartbeat cannot be written. A failed event write is
// skipped. The ticker is stopped and the subscription closed on return.
func (s *Subscription) Pump(ctx context.Context, sink Sink) error {
	defer s.Close()
	ticker := time.NewTicker(s.hub.heartbeat)
	defer ticker.Stop()

	hello := Envelope{
		Type:      model.EventConnected,
		Data:      map[string]any{"subscription_id": s.ID, "user_id": s.Identity.UserID},
		Timestamp: s.hub.now().UTC(),
	}
	if err := sink.Send(hello); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-s.events:
			if !ok {
				return nil
			}
			if err := sink.Send(env); err != nil {
				s.hub.log.Debug("event write failed, skipped",
					zap.String("subscription_id", s.ID), zap.Error(err))
			}
		case t := <-ticker.C:
			if err := sink.Send(Envelope{Type: model.EventHeartbeat, Timestamp: t.UTC()}); err != nil {
				return err
			}
		}
	}
}
