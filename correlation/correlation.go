// Package correlation matches inbound replies to the requests waiting for
// them.
//
// A waiter registers the id of the message it sent with AwaitReply and gets a
// Pending back. The router hands every inbound message to Deliver; a reply
// whose requestId names a pending entry resolves it. Entries registered with
// MatchAny resolve on the first message of their expected type regardless of
// requestId, and one such message resolves all of them.
//
// Each entry completes exactly once: by a reply, by its deadline, by Reject
// or by Close. Whichever removes the entry from the table under the lock
// completes it; everyone else finds it gone.
package correlation

import (
	"context"
	"fmt"
	"sync"
	"time"

	swarmerr "github.com/codeboltai/agentswarmprotocol-sub005/errors"
	"github.com/codeboltai/agentswarmprotocol-sub005/protocol"
)

// DefaultTimeout applies when Options.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Options controls how a pending entry is matched.
type Options struct {
	// Timeout after which the entry is rejected with TIMEOUT.
	Timeout time.Duration

	// ExpectedType, when set, also requires the reply's type to match.
	ExpectedType string

	// MatchAny resolves on any message of ExpectedType, ignoring requestId.
	MatchAny bool
}

type outcome struct {
	msg *protocol.Message
	err error
}

// Pending is a registered wait for a reply.
type Pending struct {
	id       string
	opts     Options
	deadline time.Time
	table    *Table
	timer    *time.Timer
	result   chan outcome
}

// ID returns the message id the entry waits on.
func (p *Pending) ID() string { return p.id }

// Deadline returns when the entry times out.
func (p *Pending) Deadline() time.Time { return p.deadline }

// Wait blocks until the entry completes or ctx is done. If ctx ends first the
// entry is withdrawn so a late reply is ignored.
func (p *Pending) Wait(ctx context.Context) (*protocol.Message, error) {
	select {
	case o := <-p.result:
		return o.msg, o.err
	case <-ctx.Done():
		if p.table.remove(p) {
			p.timer.Stop()
			return nil, swarmerr.Wrap(ctx.Err(), fmt.Sprintf("waiting for reply to %s", p.id))
		}
		// Completed concurrently; the outcome is already buffered.
		o := <-p.result
		return o.msg, o.err
	}
}

// Cancel withdraws the entry without completing a waiter.
func (p *Pending) Cancel() bool {
	if p.table.remove(p) {
		p.timer.Stop()
		p.result <- outcome{err: swarmerr.New(swarmerr.ErrCodeCanceled, fmt.Sprintf("wait for %s cancelled", p.id))}
		return true
	}
	return false
}

// Table holds pending entries.
type Table struct {
	mu        sync.Mutex
	entries   map[string]*Pending
	anyByType map[string]map[string]*Pending // expected type -> id -> MatchAny entry
	closed    bool

	defaultTimeout time.Duration
}

// Option configures a Table.
type Option func(*Table)

// WithDefaultTimeout overrides DefaultTimeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(t *Table) {
		if d > 0 {
			t.defaultTimeout = d
		}
	}
}

// NewTable creates an empty table.
func NewTable(opts ...Option) *Table {
	t := &Table{
		entries:        make(map[string]*Pending),
		anyByType:      make(map[string]map[string]*Pending),
		defaultTimeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// AwaitReply registers a wait for a reply to messageID and starts its
// deadline.
func (t *Table) AwaitReply(messageID string, opts Options) (*Pending, error) {
	if messageID == "" {
		return nil, swarmerr.InvalidInput("message id is required")
	}
	if opts.MatchAny && opts.ExpectedType == "" {
		return nil, swarmerr.InvalidInput("MatchAny requires an expected reply type")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = t.defaultTimeout
	}

	p := &Pending{
		id:       messageID,
		opts:     opts,
		deadline: time.Now().Add(opts.Timeout),
		table:    t,
		result:   make(chan outcome, 1),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, swarmerr.New(swarmerr.ErrCodeUnavailable, "correlation table closed")
	}
	if _, exists := t.entries[messageID]; exists {
		return nil, swarmerr.New(swarmerr.ErrCodeAlreadyExists,
			fmt.Sprintf("already waiting for a reply to %s", messageID))
	}

	t.entries[messageID] = p
	if opts.MatchAny {
		byID := t.anyByType[opts.ExpectedType]
		if byID == nil {
			byID = make(map[string]*Pending)
			t.anyByType[opts.ExpectedType] = byID
		}
		byID[messageID] = p
	}
	p.timer = time.AfterFunc(opts.Timeout, func() { t.expire(p) })
	return p, nil
}

// Deliver resolves every entry msg satisfies and returns how many it
// resolved. Most messages are not replies, so 0 is the common answer.
func (t *Table) Deliver(msg *protocol.Message) int {
	if msg == nil {
		return 0
	}

	t.mu.Lock()
	var matched []*Pending
	if msg.RequestID != "" {
		if p, ok := t.entries[msg.RequestID]; ok && !p.opts.MatchAny &&
			(p.opts.ExpectedType == "" || p.opts.ExpectedType == msg.Type) {
			matched = append(matched, p)
		}
	}
	for _, p := range t.anyByType[msg.Type] {
		matched = append(matched, p)
	}
	for _, p := range matched {
		t.removeLocked(p)
	}
	t.mu.Unlock()

	for _, p := range matched {
		p.timer.Stop()
		p.result <- outcome{msg: msg}
	}
	return len(matched)
}

// Reject completes the entry for messageID with err. Returns false when no
// such entry is live.
func (t *Table) Reject(messageID string, err error) bool {
	t.mu.Lock()
	p, ok := t.entries[messageID]
	if ok {
		t.removeLocked(p)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	p.timer.Stop()
	p.result <- outcome{err: err}
	return true
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Close rejects every live entry with UNAVAILABLE. Later AwaitReply calls
// fail.
func (t *Table) Close() {
	t.mu.Lock()
	t.closed = true
	live := make([]*Pending, 0, len(t.entries))
	for _, p := range t.entries {
		live = append(live, p)
	}
	t.entries = make(map[string]*Pending)
	t.anyByType = make(map[string]map[string]*Pending)
	t.mu.Unlock()

	for _, p := range live {
		p.timer.Stop()
		p.result <- outcome{err: swarmerr.New(swarmerr.ErrCodeUnavailable, "orchestrator shutting down")}
	}
}

func (t *Table) expire(p *Pending) {
	if !t.remove(p) {
		return
	}
	p.result <- outcome{err: swarmerr.Timeout(
		fmt.Sprintf("no reply to %s within %s", p.id, p.opts.Timeout),
		swarmerr.WithMetadata("message_id", p.id))}
}

// remove deletes p if it is still the live entry for its id.
func (t *Table) remove(p *Pending) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries[p.id] != p {
		return false
	}
	t.removeLocked(p)
	return true
}

// removeLocked must be called with lock held.
func (t *Table) removeLocked(p *Pending) {
	delete(t.entries, p.id)
	if p.opts.MatchAny {
		if byID := t.anyByType[p.opts.ExpectedType]; byID != nil {
			delete(byID, p.id)
			if len(byID) == 0 {
				delete(t.anyByType, p.opts.ExpectedType)
			}
		}
	}
}
