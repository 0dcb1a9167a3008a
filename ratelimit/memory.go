package ratelimit

import (
	"context"
	"sync"
	"time"
)

// pollInterval bounds how long Acquire sleeps between refill checks.
const pollInterval = 50 * time.Millisecond

// bucket implements a token bucket.
type bucket struct {
	capacity   int           // maximum tokens
	available  int           // current tokens
	window     time.Duration // refill window
	lastRefill time.Time     // last time tokens were added
}

// refill adds tokens based on elapsed time since last refill.
// Partial tokens carry over because lastRefill only advances when a whole
// token is added.
func (b *bucket) refill(now time.Time) {
	if b.window == 0 || b.capacity == 0 {
		return
	}

	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}

	// rate = capacity / window
	tokensToAdd := int(float64(b.capacity) * float64(elapsed) / float64(b.window))
	if tokensToAdd > 0 {
		b.available += tokensToAdd
		if b.available > b.capacity {
			b.available = b.capacity
		}
		b.lastRefill = now
	}
}

// MemoryLimiter provides local rate limiting using token buckets.
// It is safe for concurrent use.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	closed  bool
	done    chan struct{}
	nowFunc func() time.Time // for testing
}

// NewMemoryLimiter creates a new in-memory rate limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
		nowFunc: time.Now,
	}
}

// SetCapacity configures the rate limit for a key. Reconfiguring an existing
// key keeps its available tokens, capped at the new capacity.
func (m *MemoryLimiter) SetCapacity(key string, capacity int, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	if capacity <= 0 || window <= 0 {
		delete(m.buckets, key)
		return
	}

	if b, exists := m.buckets[key]; exists {
		b.capacity = capacity
		b.window = window
		if b.available > capacity {
			b.available = capacity
		}
		return
	}
	m.buckets[key] = &bucket{
		capacity:   capacity,
		available:  capacity, // start full
		window:     window,
		lastRefill: m.nowFunc(),
	}
}

// GetCapacity returns the current capacity info for a key.
func (m *MemoryLimiter) GetCapacity(key string) *Capacity {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, exists := m.buckets[key]
	if !exists {
		return nil
	}

	b.refill(m.nowFunc())

	return &Capacity{
		Key:       key,
		Available: b.available,
		Total:     b.capacity,
		Window:    b.window,
	}
}

// Acquire blocks until a token is available for the key.
func (m *MemoryLimiter) Acquire(ctx context.Context, key string) error {
	for {
		wait, err := m.take(key)
		if err != nil || wait == 0 {
			return err
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-m.done:
			timer.Stop()
			return ErrClosed
		case <-timer.C:
		}
	}
}

// take consumes a token, or reports how long to wait before trying again.
func (m *MemoryLimiter) take(key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	b, exists := m.buckets[key]
	if !exists {
		return 0, ErrResourceUnknown
	}

	b.refill(m.nowFunc())
	if b.available > 0 {
		b.available--
		return 0, nil
	}

	wait := b.window / time.Duration(b.capacity)
	if wait > pollInterval || wait <= 0 {
		wait = pollInterval
	}
	return wait, nil
}

// TryAcquire attempts to acquire a token without blocking.
func (m *MemoryLimiter) TryAcquire(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}

	b, exists := m.buckets[key]
	if !exists {
		return true
	}

	b.refill(m.nowFunc())

	if b.available > 0 {
		b.available--
		return true
	}
	return false
}

// Remove forgets a key.
func (m *MemoryLimiter) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets, key)
}

// Len returns the number of configured keys.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// Close shuts down the limiter.
func (m *MemoryLimiter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	m.closed = true
	close(m.done)
	return nil
}

// Ensure MemoryLimiter implements Limiter.
var _ Limiter = (*MemoryLimiter)(nil)
