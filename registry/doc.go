// Package registry tracks the agents, clients and services connected to the
// orchestrator.
//
// # Overview
//
// Every participant is bound to at most one live connection. A record is
// created on registration and kept when the connection drops: it is marked
// offline, and a later registration with the same id revives it on the new
// connection. Registering an id that is still online moves it to the new
// connection.
//
// # Basic Usage
//
//	reg := registry.NewMemoryRegistry(registry.WithEvents(participantEvents))
//	p, err := reg.Register(registry.RoleAgent, registry.Registration{
//	    Name:         "translator",
//	    Capabilities: []string{"translate"},
//	}, connID)
//
// Route by name, preferring online participants:
//
//	target, err := reg.LookupByName(registry.RoleAgent, "translator")
//
// Mark a connection's participant offline on disconnect:
//
//	if p := reg.MarkOffline(connID); p != nil {
//	    // fail p's tasks
//	}
//
// # Errors
//
// Register returns DUPLICATE_CONNECTION when the connection is already
// bound, ALREADY_EXISTS when the id belongs to another role, and
// INVALID_INPUT for an unknown role. Lookups return NOT_FOUND.
//
// # Manifests
//
// A participant's manifest is opaque except for requiredServices, which
// lists the services an agent may call ("*" for any). See
// Participant.MayCall.
package registry
