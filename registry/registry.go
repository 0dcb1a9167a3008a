// Package registry tracks every participant connected to the orchestrator:
// agents, clients and services, their capabilities and whether they are
// online.
//
// Records are never deleted. A disconnect marks the participant offline and
// a later registration with the same id revives it, so task associations
// survive reconnects.
package registry

import (
	"strings"
	"time"
)

// Role distinguishes the three kinds of participant.
type Role string

const (
	RoleAgent   Role = "agent"
	RoleClient  Role = "client"
	RoleService Role = "service"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAgent, RoleClient, RoleService:
		return true
	}
	return false
}

// Status is a participant's connection state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// ManifestRequiredServices is the manifest key listing the services an agent
// may call. The single entry "*" allows every service.
const ManifestRequiredServices = "requiredServices"

// Participant is a registered agent, client or service.
type Participant struct {
	ID           string
	ConnectionID string // empty while offline
	Role         Role
	Name         string
	Capabilities []string
	Status       Status
	Manifest     map[string]any
	RegisteredAt time.Time
	LastSeen     time.Time
}

// Online reports whether the participant has a live connection.
func (p *Participant) Online() bool {
	return p.Status == StatusOnline
}

// HasCapability checks if the participant declared a capability.
func (p *Participant) HasCapability(capability string) bool {
	for _, c := range p.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// RequiredServices returns the services declared in the manifest.
func (p *Participant) RequiredServices() []string {
	raw, ok := p.Manifest[ManifestRequiredServices]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}

// MayCall reports whether the manifest authorizes calling service.
func (p *Participant) MayCall(service string) bool {
	for _, s := range p.RequiredServices() {
		if s == "*" || s == service {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand out of the registry.
func (p *Participant) Clone() *Participant {
	c := *p
	c.Capabilities = append([]string(nil), p.Capabilities...)
	if p.Manifest != nil {
		c.Manifest = make(map[string]any, len(p.Manifest))
		for k, v := range p.Manifest {
			c.Manifest[k] = v
		}
	}
	return &c
}

// Registration is what a participant supplies when it registers.
type Registration struct {
	// ID is optional. Supplying the id of an earlier registration revives it.
	ID           string
	Name         string
	Capabilities []string
	Manifest     map[string]any
}

// Filter specifies criteria for listing participants.
type Filter struct {
	// Status filters by connection state. Empty means all.
	Status Status

	// Capabilities must all be declared by the participant.
	Capabilities []string

	// NameContains is a case-insensitive substring match on Name.
	NameContains string
}

// MatchesFilter checks if a participant matches the filter criteria.
func MatchesFilter(p *Participant, filter *Filter) bool {
	if filter == nil {
		return true
	}
	if filter.Status != "" && p.Status != filter.Status {
		return false
	}
	for _, c := range filter.Capabilities {
		if !p.HasCapability(c) {
			return false
		}
	}
	if filter.NameContains != "" &&
		!strings.Contains(strings.ToLower(p.Name), strings.ToLower(filter.NameContains)) {
		return false
	}
	return true
}

// Registry is the connection registry. Implementations are safe for
// concurrent use and never send messages.
type Registry interface {
	// Register creates or revives a participant bound to connectionID.
	Register(role Role, reg Registration, connectionID string) (*Participant, error)

	// LookupByID returns the participant with the given id.
	LookupByID(id string) (*Participant, error)

	// LookupByConnectionID returns the participant online on a connection.
	LookupByConnectionID(connectionID string) (*Participant, error)

	// LookupByName returns a participant of role with the given name,
	// preferring one that is online.
	LookupByName(role Role, name string) (*Participant, error)

	// List returns participants of role matching filter in registration
	// order. An empty role lists every role.
	List(role Role, filter *Filter) []*Participant

	// MarkOffline flips the participant on connectionID to offline.
	// Returns nil when the connection is unknown.
	MarkOffline(connectionID string) *Participant
}
