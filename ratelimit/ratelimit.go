package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrClosed          = errors.New("limiter closed")
	ErrResourceUnknown = errors.New("unknown resource")
)

// Limiter applies token-bucket limits per key. The orchestrator keys buckets
// by connection id.
type Limiter interface {
	// Acquire blocks until a token is available for the key.
	// Returns context.Canceled or context.DeadlineExceeded if context ends.
	// Returns ErrResourceUnknown if the key has no configured capacity.
	Acquire(ctx context.Context, key string) error

	// TryAcquire takes a token without blocking. Keys with no configured
	// capacity are unlimited and always succeed.
	TryAcquire(key string) bool

	// SetCapacity configures capacity tokens per window for a key.
	// A non-positive capacity or window removes the limit.
	SetCapacity(key string, capacity int, window time.Duration)

	// GetCapacity returns the current capacity info for a key.
	// Returns nil if the key is unknown.
	GetCapacity(key string) *Capacity

	// Remove forgets a key.
	Remove(key string)

	// Close shuts down the limiter and releases waiters.
	Close() error
}

// Capacity describes the limit configured for a key.
type Capacity struct {
	Key string

	// Available is the current number of available tokens.
	Available int

	// Total is the maximum capacity (tokens per window).
	Total int

	// Window is the refill period.
	Window time.Duration
}
