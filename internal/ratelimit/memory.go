package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	// sweepEvery is how often idle entries are collected.
	sweepEvery = time.Minute
	// idleTTL is how long a key may sit unused before its entry is dropped.
	idleTTL = 10 * time.Minute
)

// entry tracks the token balance for one key.
type entry struct {
	tokens float64
	seen   time.Time
}

// take refills the balance for the time elapsed since the last call,
// then spends one token if the balance allows.
func (e *entry) take(now time.Time, rate, capacity float64) bool {
	e.tokens += now.Sub(e.seen).Seconds() * rate
	if e.tokens > capacity {
		e.tokens = capacity
	}
	e.seen = now

	if e.tokens < 1 {
		return false
	}
	e.tokens--
	return true
}

// MemoryLimiter is a per-key token bucket held in process memory. Keys
// refill at rate tokens per second up to a capacity of burst; unused
// keys are swept after idleTTL so the map stays bounded.
type MemoryLimiter struct {
	rate     float64
	capacity float64
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a limiter allowing rate sustained requests
// per second per key, with bursts up to burst. Call Close to stop the
// background sweep.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:     rate,
		capacity: float64(burst),
		now:      time.Now,
		entries:  make(map[string]*entry),
		done:     make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Allow spends one token from key's bucket, reporting whether the
// request may proceed. An unseen key starts with a full bucket.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{tokens: m.capacity, seen: now}
		m.entries[key] = e
	}
	return e.take(now, m.rate, m.capacity), nil
}

// Close stops the sweep goroutine. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweepLoop() {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep(m.now())
		}
	}
}

// sweep drops entries whose last use is older than idleTTL.
func (m *MemoryLimiter) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, e := range m.entries {
		if now.Sub(e.seen) > idleTTL {
			delete(m.entries, key)
		}
	}
}
