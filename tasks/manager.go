package tasks

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	swarmerr "github.com/codeboltai/agentswarmprotocol-sub005/errors"
	"github.com/codeboltai/agentswarmprotocol-sub005/events"
	"github.com/codeboltai/agentswarmprotocol-sub005/logging"
)

// Manager is the in-memory task Registry. One mutex serializes every
// mutation, so a disconnect sweep and a concurrent result report cannot both
// change the same task.
type Manager struct {
	mu          sync.RWMutex
	emitMu      sync.Mutex // held while publishing; taken before mu is released
	seq         uint64
	tasks       map[string]*Task
	order       []string            // ids in creation order
	byAssignee  map[string][]string // participant id -> task ids
	byRequester map[string][]string

	idGen  func() string
	now    func() time.Time
	events *events.Bus[events.TaskEvent]
	logger *logging.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithIDGenerator sets a custom ID generator function.
func WithIDGenerator(gen func() string) ManagerOption {
	return func(m *Manager) {
		m.idGen = gen
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithEvents publishes every creation and transition to bus, in the order
// the changes were applied. Handlers run while other mutations wait and must
// not call back into the Manager.
func WithEvents(bus *events.Bus[events.TaskEvent]) ManagerOption {
	return func(m *Manager) {
		m.events = bus
	}
}

// WithLogger logs transitions at debug level.
func WithLogger(l *logging.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates an empty task registry.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		tasks:       make(map[string]*Task),
		byAssignee:  make(map[string][]string),
		byRequester: make(map[string][]string),
		idGen:       uuid.NewString,
		now:         time.Now,
		logger:      logging.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ Registry = (*Manager)(nil)

// Create stores a new pending task. Type is required.
func (m *Manager) Create(spec Spec) (*Task, error) {
	if spec.Type == "" {
		return nil, swarmerr.New(swarmerr.ErrCodeInvalidTask, "task type is required")
	}

	m.mu.Lock()

	id := spec.ID
	if id == "" {
		id = m.idGen()
	}
	if _, exists := m.tasks[id]; exists {
		m.mu.Unlock()
		return nil, swarmerr.New(swarmerr.ErrCodeAlreadyExists,
			fmt.Sprintf("task %s already exists", id), swarmerr.WithTaskID(id))
	}

	now := m.now()
	t := &Task{
		ID:               id,
		Type:             spec.Type,
		Name:             spec.Name,
		Status:           StatusPending,
		RequesterID:      spec.RequesterID,
		Input:            copyMap(spec.Input),
		RequestMessageID: spec.RequestMessageID,
		History:          []HistoryEntry{{Status: StatusPending, Time: now, Note: "created", ActorID: spec.RequesterID}},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if t.Name == "" {
		t.Name = t.Type
	}

	m.tasks[id] = t
	m.order = append(m.order, id)
	if t.RequesterID != "" {
		m.byRequester[t.RequesterID] = append(m.byRequester[t.RequesterID], id)
	}
	out := t.Clone()
	m.unlockAndEmit(m.stage(out, ""))
	return out, nil
}

// Assign sets the assignee and moves a pending task to in_progress.
// Reassigning an in_progress task keeps its status and records a note.
func (m *Manager) Assign(taskID, assigneeID, actorID string) (*Task, error) {
	if assigneeID == "" {
		return nil, swarmerr.InvalidInput("assignee is required", swarmerr.WithTaskID(taskID))
	}

	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return nil, swarmerr.TaskNotFound(taskID)
	}
	if t.Status.IsTerminal() {
		m.mu.Unlock()
		return nil, swarmerr.InvalidTransition(taskID, string(t.Status), string(StatusInProgress))
	}

	prev := t.Status
	if t.AssigneeID != assigneeID {
		m.unindexAssignee(t)
		t.AssigneeID = assigneeID
		m.byAssignee[assigneeID] = append(m.byAssignee[assigneeID], taskID)
	}
	t.Status = StatusInProgress
	m.appendHistory(t, HistoryEntry{Status: StatusInProgress, Note: "assigned to " + assigneeID, ActorID: actorID})
	out := t.Clone()
	m.unlockAndEmit(m.stage(out, prev))
	return out, nil
}

// UpdateStatus applies a forward transition and merges any result.
//
// Reporting the current non-terminal status again only appends a note.
// Anything that would leave a terminal state, or move backwards, fails with
// INVALID_TRANSITION and leaves the task unchanged.
func (m *Manager) UpdateStatus(taskID string, status Status, upd Update) (*Task, error) {
	if !status.Valid() {
		return nil, swarmerr.New(swarmerr.ErrCodeUnknownStatus,
			fmt.Sprintf("unknown task status %q", status), swarmerr.WithTaskID(taskID))
	}

	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return nil, swarmerr.TaskNotFound(taskID)
	}

	prev := t.Status
	if status != prev && !CanTransition(prev, status) || status == prev && prev.IsTerminal() {
		m.mu.Unlock()
		return nil, swarmerr.InvalidTransition(taskID, string(prev), string(status))
	}

	m.apply(t, status, upd)
	out := t.Clone()
	if status == prev {
		m.mu.Unlock()
		return out, nil
	}
	m.unlockAndEmit(m.stage(out, prev))
	return out, nil
}

// Cancel moves a non-terminal task to cancelled.
func (m *Manager) Cancel(taskID, reason, actorID string) (*Task, error) {
	if reason == "" {
		reason = "cancelled"
	}
	return m.UpdateStatus(taskID, StatusCancelled, Update{Note: reason, ActorID: actorID})
}

// AddNote appends a history entry without changing status.
func (m *Manager) AddNote(taskID, note, actorID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return nil, swarmerr.TaskNotFound(taskID)
	}
	m.appendHistory(t, HistoryEntry{Status: t.Status, Note: note, ActorID: actorID})
	return t.Clone(), nil
}

// Get retrieves a task by ID.
func (m *Manager) Get(taskID string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return nil, swarmerr.TaskNotFound(taskID)
	}
	return t.Clone(), nil
}

// ByAssignee returns the participant's assigned tasks in creation order.
func (m *Manager) ByAssignee(participantID string) []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(m.byAssignee[participantID])
}

// ByRequester returns the tasks a participant asked for in creation order.
func (m *Manager) ByRequester(participantID string) []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(m.byRequester[participantID])
}

// All returns every task matching filter in creation order.
func (m *Manager) All(filter *Filter) []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Task, 0, len(m.order))
	for _, id := range m.order {
		if t := m.tasks[id]; filter.Matches(t) {
			result = append(result, t.Clone())
		}
	}
	return result
}

// FailAllFor fails every pending or in_progress task assigned to the
// participant, in one critical section, and returns the affected tasks.
func (m *Manager) FailAllFor(participantID, reason string) []*Task {
	m.mu.Lock()
	var failed []*Task
	var staged []stagedEvent
	for _, id := range m.byAssignee[participantID] {
		t := m.tasks[id]
		if t.Status.IsTerminal() {
			continue
		}
		prev := t.Status
		m.apply(t, StatusFailed, Update{Error: reason, Note: reason})
		out := t.Clone()
		failed = append(failed, out)
		staged = append(staged, m.stage(out, prev))
	}
	m.unlockAndEmit(staged...)
	return failed
}

// Len returns the number of tasks held.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}

// apply mutates t. Must be called with lock held.
func (m *Manager) apply(t *Task, status Status, upd Update) {
	if len(upd.Result) > 0 || upd.Error != "" {
		if t.Result == nil {
			t.Result = make(map[string]any, len(upd.Result)+1)
		}
		for k, v := range upd.Result {
			t.Result[k] = v
		}
		if upd.Error != "" {
			t.Result["error"] = upd.Error
		}
	}

	t.Status = status
	m.appendHistory(t, HistoryEntry{Status: status, Note: upd.Note, ActorID: upd.ActorID})
	if status.IsTerminal() {
		at := t.UpdatedAt
		t.CompletedAt = &at
	}
}

// appendHistory stamps and appends e. Must be called with lock held.
func (m *Manager) appendHistory(t *Task, e HistoryEntry) {
	e.Time = m.now()
	t.History = append(t.History, e)
	t.UpdatedAt = e.Time
}

// unindexAssignee drops t from its current assignee's index.
func (m *Manager) unindexAssignee(t *Task) {
	if t.AssigneeID == "" {
		return
	}
	ids := m.byAssignee[t.AssigneeID]
	for i, id := range ids {
		if id == t.ID {
			m.byAssignee[t.AssigneeID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
}

func (m *Manager) collect(ids []string) []*Task {
	result := make([]*Task, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.tasks[id].Clone())
	}
	return result
}

// stagedEvent is an applied change waiting to be published.
type stagedEvent struct {
	task *Task
	prev Status
	seq  uint64
}

// stage numbers a change. Must be called with lock held.
func (m *Manager) stage(t *Task, prev Status) stagedEvent {
	m.seq++
	return stagedEvent{task: t, prev: prev, seq: m.seq}
}

// unlockAndEmit releases the write lock and publishes staged in sequence
// order. emitMu is taken first, so no later change can publish ahead.
func (m *Manager) unlockAndEmit(staged ...stagedEvent) {
	if len(staged) == 0 {
		m.mu.Unlock()
		return
	}
	m.emitMu.Lock()
	m.mu.Unlock()
	defer m.emitMu.Unlock()
	for _, ev := range staged {
		m.emit(ev)
	}
}

func (m *Manager) emit(ev stagedEvent) {
	t, prev := ev.task, ev.prev
	last := t.History[len(t.History)-1]
	m.logger.TaskTransition(t.ID, string(prev), string(t.Status), last.ActorID)
	if m.events == nil {
		return
	}
	m.events.Publish(events.TaskEvent{
		Seq:            ev.seq,
		TaskID:         t.ID,
		TaskType:       t.Type,
		Status:         string(t.Status),
		PreviousStatus: string(prev),
		AssigneeID:     t.AssigneeID,
		RequesterID:    t.RequesterID,
		ActorID:        last.ActorID,
		Note:           last.Note,
		Time:           last.Time,
	})
}
