package tasks

import (
	"time"
)

// Status is a task's lifecycle state.
type Status string

const (
	// StatusPending indicates the task exists but nobody is working on it.
	StatusPending Status = "pending"

	// StatusInProgress indicates the task has been handed to its assignee.
	StatusInProgress Status = "in_progress"

	// StatusCompleted indicates the assignee reported success.
	StatusCompleted Status = "completed"

	// StatusFailed indicates the assignee reported failure or went away.
	StatusFailed Status = "failed"

	// StatusCancelled indicates the requester withdrew the task.
	StatusCancelled Status = "cancelled"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// Valid reports whether s is one of the five canonical states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal returns true if no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether a task may move from one status to another.
// Transitions only go forward: pending to in_progress, then to a terminal
// state. Any non-terminal task can be cancelled or fail directly.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusInProgress || to.IsTerminal()
	case StatusInProgress:
		return to.IsTerminal()
	}
	return false
}

// HistoryEntry is one line of a task's append-only log.
type HistoryEntry struct {
	Status  Status    `json:"status"`
	Time    time.Time `json:"time"`
	Note    string    `json:"note,omitempty"`
	ActorID string    `json:"actorId,omitempty"`
}

// Task is a unit of work tracked from creation to a terminal state.
type Task struct {
	ID          string
	Type        string
	Name        string
	Status      Status
	AssigneeID  string
	RequesterID string
	Input       map[string]any

	// Result accumulates result payloads; failures carry an "error" key.
	Result map[string]any

	History []HistoryEntry

	// RequestMessageID is the id of the message that asked for the task.
	// Results forwarded to the requester answer that message.
	RequestMessageID string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.Input = copyMap(t.Input)
	c.Result = copyMap(t.Result)
	c.History = append([]HistoryEntry(nil), t.History...)
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// Error returns the failure reason recorded in the result, if any.
func (t *Task) Error() string {
	if s, ok := t.Result["error"].(string); ok {
		return s
	}
	return ""
}

// Spec describes a task to create.
type Spec struct {
	// ID is optional; one is generated when empty.
	ID               string
	Type             string
	Name             string
	RequesterID      string
	Input            map[string]any
	RequestMessageID string
}

// Update carries the optional parts of a status change.
type Update struct {
	// Result is merged key by key into the stored result.
	Result map[string]any

	// Error is stored under the "error" result key.
	Error string

	Note    string
	ActorID string
}

// Filter specifies criteria for listing tasks.
type Filter struct {
	// Status matches any of the listed states. Empty means all.
	Status []Status

	// Type filters by exact task type.
	Type string
}

// Matches checks if a task satisfies the filter.
func (f *Filter) Matches(t *Task) bool {
	if f == nil {
		return true
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if len(f.Status) == 0 {
		return true
	}
	for _, s := range f.Status {
		if t.Status == s {
			return true
		}
	}
	return false
}

// Registry owns task records and their lifecycle. Implementations are safe
// for concurrent use; every mutation of a task is serialized.
type Registry interface {
	Create(spec Spec) (*Task, error)
	Assign(taskID, assigneeID, actorID string) (*Task, error)
	UpdateStatus(taskID string, status Status, upd Update) (*Task, error)
	Cancel(taskID, reason, actorID string) (*Task, error)
	AddNote(taskID, note, actorID string) (*Task, error)
	Get(taskID string) (*Task, error)
	ByAssignee(participantID string) []*Task
	ByRequester(participantID string) []*Task
	All(filter *Filter) []*Task
	FailAllFor(participantID, reason string) []*Task
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
