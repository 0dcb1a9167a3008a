package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	swarmerr "github.com/codeboltai/agentswarmprotocol-sub005/errors"
	"github.com/codeboltai/agentswarmprotocol-sub005/events"
)

// MemoryRegistry is the in-memory Registry.
type MemoryRegistry struct {
	mu     sync.RWMutex
	byID   map[string]*Participant
	order  []string          // ids in registration order
	byConn map[string]string // live connection id -> participant id

	idGen  func() string
	now    func() time.Time
	events *events.Bus[events.ParticipantEvent]
}

// Option configures a MemoryRegistry.
type Option func(*MemoryRegistry)

// WithIDGenerator sets a custom ID generator function.
func WithIDGenerator(gen func() string) Option {
	return func(r *MemoryRegistry) {
		r.idGen = gen
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(r *MemoryRegistry) {
		r.now = now
	}
}

// WithEvents publishes online/offline transitions to bus.
func WithEvents(bus *events.Bus[events.ParticipantEvent]) Option {
	return func(r *MemoryRegistry) {
		r.events = bus
	}
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry(opts ...Option) *MemoryRegistry {
	r := &MemoryRegistry{
		byID:   make(map[string]*Participant),
		byConn: make(map[string]string),
		idGen:  uuid.NewString,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ Registry = (*MemoryRegistry)(nil)

// Register creates or revives a participant.
//
// A registration whose ID matches an existing record reuses that record. If
// the record is still online on another connection, the new connection takes
// it over and the old connection is forgotten.
func (r *MemoryRegistry) Register(role Role, reg Registration, connectionID string) (*Participant, error) {
	if !role.Valid() {
		return nil, swarmerr.InvalidInput(fmt.Sprintf("unknown role %q", role))
	}
	if connectionID == "" {
		return nil, swarmerr.InvalidInput("connection id is required")
	}

	r.mu.Lock()

	if _, taken := r.byConn[connectionID]; taken {
		r.mu.Unlock()
		return nil, swarmerr.DuplicateConnection(connectionID)
	}

	now := r.now()
	revived := false

	p, exists := r.byID[reg.ID]
	if reg.ID != "" && exists {
		if p.Role != role {
			r.mu.Unlock()
			return nil, swarmerr.New(swarmerr.ErrCodeAlreadyExists,
				fmt.Sprintf("id %s is registered as %s", reg.ID, p.Role),
				swarmerr.WithParticipantID(reg.ID))
		}
		if p.ConnectionID != "" {
			delete(r.byConn, p.ConnectionID)
		}
		if reg.Name != "" {
			p.Name = reg.Name
		}
		if reg.Capabilities != nil {
			p.Capabilities = append([]string(nil), reg.Capabilities...)
		}
		if reg.Manifest != nil {
			p.Manifest = copyManifest(reg.Manifest)
		}
		revived = true
	} else {
		id := reg.ID
		if id == "" {
			id = r.idGen()
		}
		name := reg.Name
		if name == "" {
			name = id
		}
		p = &Participant{
			ID:           id,
			Role:         role,
			Name:         name,
			Capabilities: append([]string(nil), reg.Capabilities...),
			Manifest:     copyManifest(reg.Manifest),
			RegisteredAt: now,
		}
		r.byID[id] = p
		r.order = append(r.order, id)
	}

	p.ConnectionID = connectionID
	p.Status = StatusOnline
	p.LastSeen = now
	r.byConn[connectionID] = p.ID

	out := p.Clone()
	r.mu.Unlock()

	r.publish(out, revived)
	return out, nil
}

// LookupByID returns the participant with the given id.
func (r *MemoryRegistry) LookupByID(id string) (*Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byID[id]
	if !ok {
		return nil, swarmerr.ParticipantNotFound(id)
	}
	return p.Clone(), nil
}

// LookupByConnectionID returns the participant online on connectionID.
func (r *MemoryRegistry) LookupByConnectionID(connectionID string) (*Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byConn[connectionID]
	if !ok {
		return nil, swarmerr.NotFound(fmt.Sprintf("no participant on connection %s", connectionID),
			swarmerr.WithMetadata("connection_id", connectionID))
	}
	return r.byID[id].Clone(), nil
}

// LookupByName returns the first participant of role named name, preferring
// one that is online.
func (r *MemoryRegistry) LookupByName(role Role, name string) (*Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var offline *Participant
	for _, id := range r.order {
		p := r.byID[id]
		if p.Role != role || p.Name != name {
			continue
		}
		if p.Online() {
			return p.Clone(), nil
		}
		if offline == nil {
			offline = p
		}
	}
	if offline != nil {
		return offline.Clone(), nil
	}
	return nil, swarmerr.ParticipantNotFound(name, swarmerr.WithMetadata("role", string(role)))
}

// List returns matching participants in registration order.
func (r *MemoryRegistry) List(role Role, filter *Filter) []*Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Participant, 0, len(r.order))
	for _, id := range r.order {
		p := r.byID[id]
		if role != "" && p.Role != role {
			continue
		}
		if MatchesFilter(p, filter) {
			result = append(result, p.Clone())
		}
	}
	return result
}

// MarkOffline flips the participant on connectionID to offline. Unknown
// connections return nil; repeated disconnect notifications are expected.
func (r *MemoryRegistry) MarkOffline(connectionID string) *Participant {
	r.mu.Lock()
	id, ok := r.byConn[connectionID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.byConn, connectionID)

	p := r.byID[id]
	p.Status = StatusOffline
	p.ConnectionID = ""
	p.LastSeen = r.now()
	out := p.Clone()
	r.mu.Unlock()

	r.publishOffline(out, connectionID)
	return out
}

// Touch records activity on a connection.
func (r *MemoryRegistry) Touch(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byConn[connectionID]; ok {
		r.byID[id].LastSeen = r.now()
	}
}

// Count returns how many participants of role are registered and how many
// of those are online.
func (r *MemoryRegistry) Count(role Role) (total, online int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.byID {
		if p.Role != role {
			continue
		}
		total++
		if p.Online() {
			online++
		}
	}
	return total, online
}

func (r *MemoryRegistry) publish(p *Participant, revived bool) {
	if r.events == nil {
		return
	}
	r.events.Publish(events.ParticipantEvent{
		ParticipantID: p.ID,
		Role:          string(p.Role),
		Name:          p.Name,
		Status:        string(p.Status),
		ConnectionID:  p.ConnectionID,
		Revived:       revived,
		Time:          p.LastSeen,
	})
}

func (r *MemoryRegistry) publishOffline(p *Participant, connectionID string) {
	if r.events == nil {
		return
	}
	r.events.Publish(events.ParticipantEvent{
		ParticipantID: p.ID,
		Role:          string(p.Role),
		Name:          p.Name,
		Status:        string(StatusOffline),
		ConnectionID:  connectionID,
		Time:          p.LastSeen,
	})
}

func copyManifest(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
