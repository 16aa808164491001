// Package batch provides the generic write-batching primitive used by the
// chain manager and persistence-heavy paths: accumulate items, flush on
// count, size, or time.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/arbiter-ai/arbiter/internal/telemetry"
)

// Defaults for queue construction. Fibonacci-adjacent on purpose: the
// original deployment tuned these against block-size distribution.
const (
	DefaultBatchSize     = 13
	DefaultFlushInterval = 5 * time.Second
	DefaultMaxQueueSize  = 89
)

// ErrClosed is returned by Add after Close.
var ErrClosed = errors.New("batch: queue closed")

// FlushFunc receives a drained batch. A non-nil error requeues the batch
// at the head; items are never lost to a failed flush.
type FlushFunc[T any] func(ctx context.Context, items []T) error

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	TotalAdded   int64     `json:"total_added"`
	TotalFlushed int64     `json:"total_flushed"`
	FlushCount   int64     `json:"flush_count"`
	Errors       int64     `json:"errors"`
	QueueLength  int       `json:"queue_length"`
	LastFlushAt  time.Time `json:"last_flush_at"`
}

// Options configures a queue. Zero values take the package defaults.
type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxQueueSize  int
	OnError       func(error)
	Logger        *slog.Logger
}

// Queue accumulates items and flushes them in arrival order. At most one
// flush is in progress at any time; items enqueued during an in-flight
// flush go to the next one.
type Queue[T any] struct {
	name    string
	flushFn FlushFunc[T]
	opts    Options

	mu       sync.Mutex
	items    []T
	flushing bool
	closed   bool

	totalAdded   int64
	totalFlushed int64
	flushCount   int64
	errCount     int64
	lastFlushAt  time.Time

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context
}

// New creates a queue. Call Start to begin the periodic flush loop.
func New[T any](name string, flushFn FlushFunc[T], opts Options) *Queue[T] {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = DefaultMaxQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Queue[T]{
		name:    name,
		flushFn: flushFn,
		opts:    opts,
		flushCh: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start begins the background flush loop and registers queue metrics.
func (q *Queue[T]) Start(ctx context.Context) {
	q.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	q.cancelLoop = cancel
	go q.flushLoop(loopCtx)
}

// Add enqueues one item. Crossing the batch size triggers a non-blocking
// background flush; crossing the max queue size forces a synchronous flush
// whose error, uniquely, propagates to the caller.
func (q *Queue[T]) Add(ctx context.Context, item T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, item)
	q.totalAdded++
	length := len(q.items)
	flushing := q.flushing
	q.mu.Unlock()

	if length >= q.opts.MaxQueueSize {
		// Backpressure boundary: the caller waits for this flush.
		_, err := q.Flush(ctx)
		return err
	}
	if length >= q.opts.BatchSize && !flushing {
		select {
		case q.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// AddMany enqueues items one at a time, stopping at the first error.
func (q *Queue[T]) AddMany(ctx context.Context, items []T) error {
	for _, item := range items {
		if err := q.Add(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

// Flush forces a flush of the current queue contents. Returns the number
// of items flushed; 0 when the queue is empty or a flush is already in
// progress. A failed flush requeues the batch at the head, bumps the error
// counter, notifies OnError, and returns the error.
func (q *Queue[T]) Flush(ctx context.Context) (int, error) {
	q.mu.Lock()
	if q.flushing || len(q.items) == 0 {
		q.mu.Unlock()
		return 0, nil
	}
	q.flushing = true
	batch := q.items
	q.items = nil
	q.mu.Unlock()

	err := q.flushFn(ctx, batch)

	q.mu.Lock()
	q.flushing = false
	q.lastFlushAt = time.Now().UTC()
	if err != nil {
		// Requeue at the head so arrival order survives retries.
		q.items = append(batch, q.items...)
		q.errCount++
		q.mu.Unlock()

		q.opts.Logger.Error("batch: flush failed", "queue", q.name, "batch_size", len(batch), "error", err)
		if q.opts.OnError != nil {
			q.opts.OnError(err)
		}
		return 0, fmt.Errorf("batch: flush %s: %w", q.name, err)
	}
	q.totalFlushed += int64(len(batch))
	q.flushCount++
	q.mu.Unlock()
	return len(batch), nil
}

func (q *Queue[T]) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(q.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush. The drain context carries the caller's deadline;
			// ctx itself is already done.
			finalCtx := q.drainCtx
			if finalCtx == nil {
				var cancel context.CancelFunc
				finalCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
			}
			_, _ = q.Flush(finalCtx)
			close(q.done)
			return
		case <-ticker.C:
			_, _ = q.Flush(ctx)
		case <-q.flushCh:
			_, _ = q.Flush(ctx)
		}
	}
}

// Close stops the periodic loop, performs a best-effort final flush bounded
// by ctx, and rejects further adds.
func (q *Queue[T]) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.drainCtx = ctx
	if q.cancelLoop != nil {
		q.cancelLoop()
		select {
		case <-q.done:
		case <-ctx.Done():
			q.opts.Logger.Warn("batch: close timed out waiting for final flush", "queue", q.name)
			return ctx.Err()
		}
		return nil
	}

	// Never started: flush inline.
	_, err := q.Flush(ctx)
	return err
}

// Discard drops every pending item without flushing and returns how many
// were dropped. A batch handed to an in-flight flush is not affected; if
// that flush fails its items are requeued and survive the discard.
func (q *Queue[T]) Discard() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

// Len returns the current queue length.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats returns a snapshot of the queue counters.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		TotalAdded:   q.totalAdded,
		TotalFlushed: q.totalFlushed,
		FlushCount:   q.flushCount,
		Errors:       q.errCount,
		QueueLength:  len(q.items),
		LastFlushAt:  q.lastFlushAt,
	}
}

func (q *Queue[T]) registerMetrics() {
	meter := telemetry.Meter("arbiter/batch")
	attrs := metric.WithAttributes(attribute.String("queue", q.name))

	_, _ = meter.Int64ObservableGauge("arbiter.batch.depth",
		metric.WithDescription("Current number of items in the batch queue"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(q.Len()), attrs)
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("arbiter.batch.errors_total",
		metric.WithDescription("Total flush failures for the batch queue"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			q.mu.Lock()
			n := q.errCount
			q.mu.Unlock()
			o.Observe(n, attrs)
			return nil
		}),
	)
}
