// Package bus is the in-process topic pub/sub backbone. Publishers never
// block beyond enqueueing into each subscriber's bounded channel; a full
// subscriber drops its oldest message and keeps the newest.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/arbiter-ai/arbiter/internal/telemetry"
)

// Topics published by the core pipeline.
const (
	TopicJudgment   = "judgment"
	TopicBlock      = "block"
	TopicAlert      = "alert"
	TopicToolPre    = "tool.pre"
	TopicToolPost   = "tool.post"
	TopicPattern    = "pattern"
	TopicConnection = "connection"
)

// DefaultChannelCapacity bounds each subscriber's channel.
const DefaultChannelCapacity = 256

// Event is one published message.
type Event struct {
	Topic   string         `json:"topic"`
	Payload map[string]any `json:"payload"`
	At      time.Time      `json:"at"`
}

// Subscription is one subscriber's handle. Messages arrive on C in publish
// order per topic. Close is idempotent.
type Subscription struct {
	bus    *Bus
	topics map[string]struct{} // empty = all topics
	ch     chan Event
	drops  atomic.Int64
	once   sync.Once
}

// C returns the receive channel. It is closed by Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Drops returns how many messages were dropped for this subscriber due to
// a full channel.
func (s *Subscription) Drops() int64 { return s.drops.Load() }

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

func (s *Subscription) wants(topic string) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// Bus fans events out to subscribers. Delivery is at-most-once per
// subscriber per publish, ordered within a topic.
type Bus struct {
	capacity int
	logger   *slog.Logger

	mu   sync.RWMutex
	subs map[*Subscription]struct{}

	published  atomic.Int64
	totalDrops atomic.Int64
}

// New creates a bus. capacity <= 0 takes DefaultChannelCapacity.
func New(capacity int, logger *slog.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultChannelCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		capacity: capacity,
		logger:   logger,
		subs:     make(map[*Subscription]struct{}),
	}
	b.registerMetrics()
	return b
}

// Subscribe returns a subscription for the given topics; no topics means
// every topic. The caller must Close it when done.
func (b *Bus) Subscribe(topics ...string) *Subscription {
	sub := &Subscription{
		bus:    b,
		topics: make(map[string]struct{}, len(topics)),
		ch:     make(chan Event, b.capacity),
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish delivers the payload to every subscriber of the topic. A full
// subscriber channel sheds its oldest message first; the publisher never
// waits.
func (b *Bus) Publish(topic string, payload map[string]any) {
	event := Event{Topic: topic, Payload: payload, At: time.Now().UTC()}
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.ch <- event:
			continue
		default:
		}
		// Channel full: shed the oldest message, then retry once. If the
		// subscriber consumed in between, the retry succeeds anyway.
		select {
		case <-sub.ch:
			sub.drops.Add(1)
			b.totalDrops.Add(1)
		default:
		}
		select {
		case sub.ch <- event:
		default:
			sub.drops.Add(1)
			b.totalDrops.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) registerMetrics() {
	meter := telemetry.Meter("arbiter/bus")

	_, _ = meter.Int64ObservableGauge("arbiter.bus.subscribers",
		metric.WithDescription("Active event bus subscriptions"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.SubscriberCount()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("arbiter.bus.dropped_total",
		metric.WithDescription("Total messages dropped across all subscribers"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.totalDrops.Load())
			return nil
		}),
	)
}
