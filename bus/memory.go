package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MemoryBus implements MessageBus using in-memory channels.
// Used when no NATS server is configured, and in tests.
type MemoryBus struct {
	config Config

	// mu guards subs and closed. Deliveries hold the read lock so that a
	// subscription channel is never closed while a send is in flight.
	mu     sync.RWMutex
	subs   []*memorySub
	closed bool

	queueSeq atomic.Uint64
}

type memorySub struct {
	pattern string
	queue   string
	ch      chan *Message
	bus     *MemoryBus
	done    bool // guarded by bus.mu
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	return &MemoryBus{config: cfg}
}

// Publish sends a message to every matching subscriber and to one member of
// each matching queue group. Subscribers with full buffers miss the message.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	_, err := b.publish(&Message{Subject: subject, Data: data})
	return err
}

func (b *MemoryBus) publish(msg *Message) (int, error) {
	if err := ValidateSubject(msg.Subject); err != nil {
		return 0, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, ErrClosed
	}

	delivered := 0
	groups := make(map[string][]*memorySub)
	var order []string
	for _, sub := range b.subs {
		if !MatchSubject(sub.pattern, msg.Subject) {
			continue
		}
		if sub.queue != "" {
			if _, ok := groups[sub.queue]; !ok {
				order = append(order, sub.queue)
			}
			groups[sub.queue] = append(groups[sub.queue], sub)
			continue
		}
		select {
		case sub.ch <- msg:
			delivered++
		default:
		}
	}

	for _, q := range order {
		if b.deliverToOneInQueue(groups[q], msg) {
			delivered++
		}
	}
	return delivered, nil
}

// deliverToOneInQueue hands msg to one member, rotating the starting member
// and skipping members whose buffers are full.
func (b *MemoryBus) deliverToOneInQueue(members []*memorySub, msg *Message) bool {
	start := int(b.queueSeq.Add(1) % uint64(len(members)))
	for i := range members {
		sub := members[(start+i)%len(members)]
		select {
		case sub.ch <- msg:
			return true
		default:
		}
	}
	return false
}

// Subscribe creates a subscription to a subject or wildcard pattern.
func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	sub, err := b.subscribe(subject, "", b.config.BufferSize)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// QueueSubscribe creates a queue subscription.
func (b *MemoryBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	sub, err := b.subscribe(subject, queue, b.config.BufferSize)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (b *MemoryBus) subscribe(pattern, queue string, buffer int) (*memorySub, error) {
	if err := ValidateSubject(pattern); err != nil {
		return nil, err
	}

	sub := &memorySub{
		pattern: pattern,
		queue:   queue,
		ch:      make(chan *Message, buffer),
		bus:     b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.subs = append(b.subs, sub)
	return sub, nil
}

// Request publishes data with a private reply subject and waits for the
// first reply.
func (b *MemoryBus) Request(subject string, data []byte, timeout time.Duration) (*Message, error) {
	inbox, err := b.subscribe("_INBOX."+uuid.NewString(), "", 1)
	if err != nil {
		return nil, err
	}
	defer inbox.Unsubscribe()

	n, err := b.publish(&Message{Subject: subject, Data: data, Reply: inbox.pattern})
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNoResponders
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-inbox.ch:
		if !ok {
			return nil, ErrClosed
		}
		return reply, nil
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// Close shuts down the bus and ends every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	for _, sub := range b.subs {
		sub.done = true
		close(sub.ch)
	}
	b.subs = nil
	return nil
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true

	for i, sub := range b.subs {
		if sub == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	close(s.ch)
	return nil
}
