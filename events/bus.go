// Package events is the orchestrator's in-process publish/subscribe layer.
// Registries publish lifecycle events; the audit index, telemetry exporter
// and bus mirror subscribe to them.
package events

import (
	"fmt"
	"sync"

	"github.com/codeboltai/agentswarmprotocol-sub005/logging"
)

// Handler receives events.
type Handler[T any] func(T)

// BusOptions configures a Bus.
type BusOptions struct {
	// Name identifies the bus in logs.
	Name string

	// Logger receives handler panics. Nil discards them.
	Logger *logging.Logger
}

// Bus delivers each published event synchronously to every subscriber in
// subscription order. Publish returns once all handlers have run.
type Bus[T any] struct {
	opts BusOptions

	mu     sync.RWMutex
	subs   []subscriber[T]
	nextID uint64
	closed bool
}

type subscriber[T any] struct {
	id     uint64
	filter func(T) bool
	fn     Handler[T]
}

// NewBus creates an empty bus.
func NewBus[T any](opts BusOptions) *Bus[T] {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Bus[T]{opts: opts}
}

// Subscribe registers fn for every event. The returned function removes it.
func (b *Bus[T]) Subscribe(fn Handler[T]) func() {
	return b.SubscribeFiltered(nil, fn)
}

// SubscribeFiltered registers fn for events accepted by filter.
// A nil filter accepts everything.
func (b *Bus[T]) SubscribeFiltered(filter func(T) bool, fn Handler[T]) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || fn == nil {
		return func() {}
	}
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber[T]{id: id, filter: filter, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers ev and returns how many handlers received it. Handlers run
// on the caller's goroutine outside the bus lock, so they may subscribe,
// unsubscribe or publish. A panicking handler is logged and skipped.
func (b *Bus[T]) Publish(ev T) int {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return 0
	}
	subs := b.subs
	b.mu.RUnlock()

	delivered := 0
	for _, s := range subs {
		if s.filter != nil && !s.filter(ev) {
			continue
		}
		if b.call(s.fn, ev) {
			delivered++
		}
	}
	return delivered
}

func (b *Bus[T]) call(fn Handler[T], ev T) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.opts.Logger.Error("event handler panic", map[string]interface{}{
				"bus":   b.opts.Name,
				"panic": fmt.Sprint(r),
			})
			ok = false
		}
	}()
	fn(ev)
	return true
}

// Len returns the number of subscribers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drops all subscribers. Later publishes are no-ops.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
}
