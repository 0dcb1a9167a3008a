// Package bus mirrors orchestrator lifecycle events onto a message bus.
//
// # Implementations
//
//   - NATSBus: lets tooling in other processes watch and query the swarm
//   - MemoryBus: in-process default, also used in tests
//
// # Subjects
//
// Lifecycle events are published under a configurable prefix:
//
//	swarm.tasks.<status>          task created or transitioned
//	swarm.participants.<status>   participant went online or offline
//
// Wildcards follow NATS rules, so "swarm.tasks.*" watches every task
// transition and "swarm.>" watches everything.
//
// # Queries
//
// The orchestrator answers request/reply queries on a queue group so that
// exactly one responder handles each request:
//
//	reply, _ := bus.Request("swarm.query.tasks", filter, time.Second)
//	reply, _ := bus.Request("swarm.query.participants", filter, time.Second)
package bus
