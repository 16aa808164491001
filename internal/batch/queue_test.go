package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// collector records flushed batches and optionally fails the first n flushes.
type collector struct {
	mu      sync.Mutex
	batches [][]int
	failN   int
}

func (c *collector) flush(_ context.Context, items []int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failN > 0 {
		c.failN--
		return errors.New("flush rejected")
	}
	batch := make([]int, len(items))
	copy(batch, items)
	c.batches = append(c.batches, batch)
	return nil
}

func (c *collector) flat() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []int
	for _, b := range c.batches {
		out = append(out, b...)
	}
	return out
}

func TestFlushDrainsInArrivalOrder(t *testing.T) {
	ctx := context.Background()
	c := &collector{}
	q := New("test", c.flush, Options{BatchSize: 100, FlushInterval: time.Hour})

	for i := range 5 {
		if err := q.Add(ctx, i); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}

	n, err := q.Flush(ctx)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n != 5 {
		t.Fatalf("flushed %d items, want 5", n)
	}
	got := c.flat()
	for i := range 5 {
		if got[i] != i {
			t.Fatalf("order broken at %d: %v", i, got)
		}
	}
}

func TestFlushEmptyReturnsZero(t *testing.T) {
	q := New("test", (&collector{}).flush, Options{})
	n, err := q.Flush(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("empty flush: n=%d err=%v", n, err)
	}
}

func TestBatchSizeTriggersBackgroundFlush(t *testing.T) {
	ctx := context.Background()
	c := &collector{}
	q := New("test", c.flush, Options{BatchSize: 3, FlushInterval: time.Hour})
	q.Start(ctx)
	defer q.Close(ctx)

	for i := range 3 {
		if err := q.Add(ctx, i); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(c.flat()) == 3 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("background flush never drained the batch, got %v", c.flat())
}

func TestMaxQueueSizeForcesSynchronousFlush(t *testing.T) {
	ctx := context.Background()
	c := &collector{}
	q := New("test", c.flush, Options{BatchSize: 100, MaxQueueSize: 4, FlushInterval: time.Hour})

	for i := range 4 {
		if err := q.Add(ctx, i); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	// The fourth Add crossed MaxQueueSize and awaited the flush inline.
	if got := len(c.flat()); got != 4 {
		t.Fatalf("expected synchronous flush of 4 items, got %d", got)
	}
	if q.Len() != 0 {
		t.Fatalf("queue should be empty after forced flush, has %d", q.Len())
	}
}

func TestMaxQueueSizeFlushErrorPropagates(t *testing.T) {
	ctx := context.Background()
	c := &collector{failN: 1}
	q := New("test", c.flush, Options{BatchSize: 100, MaxQueueSize: 2, FlushInterval: time.Hour})

	if err := q.Add(ctx, 1); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := q.Add(ctx, 2); err == nil {
		t.Fatal("expected the forced flush error to propagate to Add")
	}
	// The failed batch was requeued; nothing lost.
	if q.Len() != 2 {
		t.Fatalf("failed batch should be requeued, queue has %d", q.Len())
	}
}

func TestFailedFlushRequeuesAtHead(t *testing.T) {
	ctx := context.Background()
	c := &collector{failN: 1}
	var onErrCalls int
	q := New("test", c.flush, Options{
		BatchSize:     100,
		FlushInterval: time.Hour,
		OnError:       func(error) { onErrCalls++ },
	})

	for i := range 3 {
		_ = q.Add(ctx, i)
	}
	if _, err := q.Flush(ctx); err == nil {
		t.Fatal("expected first flush to fail")
	}
	if onErrCalls != 1 {
		t.Fatalf("OnError called %d times, want 1", onErrCalls)
	}

	// Items added after the failure land behind the requeued batch.
	_ = q.Add(ctx, 3)

	n, err := q.Flush(ctx)
	if err != nil {
		t.Fatalf("retry flush: %v", err)
	}
	if n != 4 {
		t.Fatalf("retry flushed %d, want 4", n)
	}
	got := c.flat()
	for i := range 4 {
		if got[i] != i {
			t.Fatalf("requeue broke ordering: %v", got)
		}
	}

	stats := q.Stats()
	if stats.Errors != 1 {
		t.Errorf("stats.Errors = %d, want 1", stats.Errors)
	}
	if stats.TotalFlushed != 4 {
		t.Errorf("stats.TotalFlushed = %d, want 4", stats.TotalFlushed)
	}
}

func TestDiscardDropsPendingWithoutFlushing(t *testing.T) {
	ctx := context.Background()
	c := &collector{}
	q := New("test", c.flush, Options{BatchSize: 100, FlushInterval: time.Hour})

	for i := range 3 {
		_ = q.Add(ctx, i)
	}
	if n := q.Discard(); n != 3 {
		t.Fatalf("discarded %d items, want 3", n)
	}
	if q.Len() != 0 {
		t.Fatalf("queue has %d items after discard", q.Len())
	}
	if len(c.flat()) != 0 {
		t.Fatalf("discard must not flush, flusher saw %v", c.flat())
	}

	// The queue stays usable after a discard.
	_ = q.Add(ctx, 42)
	n, err := q.Flush(ctx)
	if err != nil {
		t.Fatalf("flush after discard: %v", err)
	}
	if n != 1 || c.flat()[0] != 42 {
		t.Fatalf("post-discard flush: n=%d items=%v", n, c.flat())
	}
}

func TestCloseFlushesAndRejectsAdds(t *testing.T) {
	ctx := context.Background()
	c := &collector{}
	q := New("test", c.flush, Options{BatchSize: 100, FlushInterval: time.Hour})
	q.Start(ctx)

	for i := range 3 {
		_ = q.Add(ctx, i)
	}

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := q.Close(closeCtx); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := len(c.flat()); got != 3 {
		t.Fatalf("close should flush pending items, flushed %d", got)
	}
	if err := q.Add(ctx, 99); !errors.Is(err, ErrClosed) {
		t.Fatalf("add after close: got %v, want ErrClosed", err)
	}
}

func TestPeriodicFlush(t *testing.T) {
	ctx := context.Background()
	c := &collector{}
	q := New("test", c.flush, Options{BatchSize: 100, FlushInterval: 20 * time.Millisecond})
	q.Start(ctx)
	defer q.Close(ctx)

	_ = q.Add(ctx, 42)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(c.flat()) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("periodic flush never fired")
}

func TestStatsCounters(t *testing.T) {
	ctx := context.Background()
	c := &collector{}
	q := New("test", c.flush, Options{BatchSize: 100, FlushInterval: time.Hour})

	_ = q.AddMany(ctx, []int{1, 2, 3})
	stats := q.Stats()
	if stats.TotalAdded != 3 || stats.QueueLength != 3 {
		t.Fatalf("pre-flush stats: %+v", stats)
	}

	if _, err := q.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	stats = q.Stats()
	if stats.TotalFlushed != 3 || stats.FlushCount != 1 || stats.QueueLength != 0 {
		t.Fatalf("post-flush stats: %+v", stats)
	}
	if stats.LastFlushAt.IsZero() {
		t.Error("LastFlushAt not set")
	}
}
