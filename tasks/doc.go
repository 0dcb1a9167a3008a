// Package tasks owns the orchestrator's task records and their lifecycle.
//
// A task moves forward only:
//
//	pending ──> in_progress ──> completed
//	   │             │     └──> failed
//	   │             └────────> cancelled
//	   └──> failed | cancelled | completed
//
// Every status change appends exactly one history entry, so the last entry
// always carries the current status. Terminal tasks never change state again;
// attempts fail with INVALID_TRANSITION and leave the task untouched.
//
// # Basic Usage
//
//	mgr := tasks.NewManager(tasks.WithEvents(bus))
//
//	t, err := mgr.Create(tasks.Spec{Type: "echo", RequesterID: clientID})
//	t, err = mgr.Assign(t.ID, agentID, clientID)
//	t, err = mgr.UpdateStatus(t.ID, tasks.StatusCompleted, tasks.Update{
//	    Result:  map[string]any{"echo": "hi"},
//	    ActorID: agentID,
//	})
//
// When a participant disconnects, FailAllFor fails everything still assigned
// to it in a single critical section.
//
// # Status Vocabulary
//
// Participants report progress in their own words. NormalizeStatus maps the
// common ones ("running", "done", "waiting", ...) onto the five canonical
// states and rejects anything else with UNKNOWN_STATUS.
package tasks
