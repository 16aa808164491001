package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/arbiter-ai/arbiter/internal/bus"
	"github.com/arbiter-ai/arbiter/internal/telemetry"
)

// DefaultHeartbeatInterval is how often idle SSE connections receive a
// comment line so intermediaries keep them open.
const DefaultHeartbeatInterval = 15 * time.Second

// Broadcaster bridges the event bus to Server-Sent Events clients. Each
// client gets its own bus subscription, so one slow reader sheds its own
// messages without affecting the others.
type Broadcaster struct {
	bus       *bus.Bus
	logger    *slog.Logger
	heartbeat time.Duration
	version   string

	clients atomic.Int64
}

// NewBroadcaster creates a broadcaster. heartbeat <= 0 takes the default.
func NewBroadcaster(eventBus *bus.Bus, version string, heartbeat time.Duration, logger *slog.Logger) *Broadcaster {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcaster{
		bus:       eventBus,
		logger:    logger,
		heartbeat: heartbeat,
		version:   version,
	}
	meter := telemetry.Meter("arbiter/sse")
	_, _ = meter.Int64ObservableGauge("arbiter.sse.clients",
		metric.WithDescription("Connected SSE clients"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.clients.Load())
			return nil
		}),
	)
	return b
}

// ClientCount returns the number of connected SSE clients.
func (b *Broadcaster) ClientCount() int { return int(b.clients.Load()) }

// ServeHTTP streams bus events to one client until it disconnects.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := b.bus.Subscribe() // all topics
	defer sub.Close()

	b.clients.Add(1)
	defer b.clients.Add(-1)

	b.bus.Publish(bus.TopicConnection, map[string]any{
		"state":      "connected",
		"request_id": RequestIDFromContext(r.Context()),
	})

	// Greeting frame: tells the client what it is talking to.
	greeting, _ := json.Marshal(map[string]any{
		"version":      b.version,
		"heartbeat_ms": b.heartbeat.Milliseconds(),
	})
	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", greeting)
	flusher.Flush()

	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-ticker.C:
			// Comment line, ignored by EventSource parsers.
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case ev, open := <-sub.C():
			if !open {
				return
			}
			data, err := json.Marshal(ev.Payload)
			if err != nil {
				b.logger.Warn("sse: dropping unencodable event", "topic", ev.Topic, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Topic, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
