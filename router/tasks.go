package router

import (
	"fmt"
	"strings"

	swarmerr "github.com/codeboltai/agentswarmprotocol-sub005/errors"
	"github.com/codeboltai/agentswarmprotocol-sub005/protocol"
	"github.com/codeboltai/agentswarmprotocol-sub005/registry"
	"github.com/codeboltai/agentswarmprotocol-sub005/tasks"
)

func (r *Router) handleTaskCreate(in *inbound, req *protocol.TaskCreate) error {
	target, err := r.resolveAgent(req.AgentID, req.AgentName)
	if err != nil {
		return err
	}
	t, err := r.startTask(in, target, req.TaskData)
	if err != nil {
		return err
	}
	r.reply(in, protocol.TypeTaskCreated, protocol.TaskCreated{
		TaskID:  t.ID,
		AgentID: target.ID,
		Status:  string(t.Status),
	})
	r.deliverTask(in, t, target)
	return nil
}

func (r *Router) handleAgentRequest(in *inbound, req *protocol.AgentRequest) error {
	target, err := r.resolveAgent(req.TargetAgentID, req.TargetAgentName)
	if err != nil {
		return err
	}
	t, err := r.startTask(in, target, req.TaskData)
	if err != nil {
		return err
	}
	r.reply(in, protocol.TypeAgentRequestAccept, protocol.AgentRequestAccepted{
		TaskID:        t.ID,
		TargetAgentID: target.ID,
	})
	r.deliverTask(in, t, target)
	return nil
}

// resolveAgent finds an online agent by id, or by name when id is empty.
func (r *Router) resolveAgent(id, name string) (*registry.Participant, error) {
	var (
		p   *registry.Participant
		err error
	)
	if id != "" {
		p, err = r.participants.LookupByID(id)
		if err == nil && p.Role != registry.RoleAgent {
			err = swarmerr.ParticipantNotFound(id, swarmerr.WithMetadata("role", string(registry.RoleAgent)))
		}
	} else {
		p, err = r.participants.LookupByName(registry.RoleAgent, name)
	}
	if err != nil {
		return nil, err
	}
	if !p.Online() {
		return nil, swarmerr.ParticipantOffline(p.ID)
	}
	return p, nil
}

// startTask creates a task for the inbound request and assigns it.
func (r *Router) startTask(in *inbound, target *registry.Participant, data protocol.TaskData) (*tasks.Task, error) {
	t, err := r.tasks.Create(tasks.Spec{
		ID:               data.ID,
		Type:             data.Type,
		Name:             data.Name,
		RequesterID:      in.from.ID,
		Input:            data.Input,
		RequestMessageID: in.msg.ID,
	})
	if err != nil {
		return nil, err
	}
	in.taskID = t.ID

	assigned, err := r.tasks.Assign(t.ID, target.ID, in.from.ID)
	if err != nil {
		r.tasks.UpdateStatus(t.ID, tasks.StatusFailed, tasks.Update{Error: err.Error(), ActorID: in.from.ID})
		return nil, err
	}
	return assigned, nil
}

// deliverTask sends task.execute to the assignee. A task that cannot reach
// its assignee fails and its requester is told through task.result.
func (r *Router) deliverTask(in *inbound, t *tasks.Task, target *registry.Participant) {
	// The target may have disconnected after it was resolved, in which case
	// its disconnect sweep could have run before the assignment.
	cur, err := r.participants.LookupByID(target.ID)
	if err != nil || !cur.Online() || cur.ConnectionID != target.ConnectionID {
		r.failTask(t.ID, DisconnectReason, "")
		return
	}

	exec := protocol.MustNew(protocol.TypeTaskExecute, protocol.TaskExecute{
		TaskID:      t.ID,
		Type:        t.Type,
		Name:        t.Name,
		Input:       t.Input,
		RequesterID: t.RequesterID,
	})
	r.trackExec(exec.ID, t.ID)
	if err := r.sendTo(in, target.ConnectionID, exec); err != nil {
		r.forgetExec(t.ID)
		r.failTask(t.ID, "task could not be delivered to its assignee", "")
	}
}

// failTask fails a task and notifies its requester. Nothing is sent when
// the task already reached a terminal state, since whoever moved it there
// has notified.
func (r *Router) failTask(taskID, reason, actorID string) {
	t, err := r.tasks.UpdateStatus(taskID, tasks.StatusFailed, tasks.Update{Error: reason, ActorID: actorID})
	if err != nil {
		return
	}
	r.notifyResult(t)
}

// resolveTask finds the task a report refers to, by its taskId or by the
// execute message it answers.
func (r *Router) resolveTask(taskID, requestID string) (*tasks.Task, error) {
	if taskID == "" {
		taskID = r.taskForExec(requestID)
	}
	if taskID == "" {
		return nil, swarmerr.NotFound("report names no known task")
	}
	return r.tasks.Get(taskID)
}

// checkAssignee ensures the sender is the one executing t.
func checkAssignee(in *inbound, t *tasks.Task) error {
	if t.AssigneeID != in.from.ID {
		return swarmerr.Unauthorized(
			fmt.Sprintf("%s is not the assignee of task %s", in.from.ID, t.ID),
			swarmerr.WithTaskID(t.ID), swarmerr.WithParticipantID(in.from.ID))
	}
	return nil
}

func (r *Router) handleTaskResult(in *inbound, res *protocol.TaskResult) error {
	t, err := r.resolveTask(res.TaskID, in.msg.RequestID)
	if err != nil {
		return drop(err)
	}
	in.taskID = t.ID
	if err := checkAssignee(in, t); err != nil {
		return err
	}
	if _, isCall := r.callFor(t.ID); isCall {
		return swarmerr.New(swarmerr.ErrCodePrecondition,
			fmt.Sprintf("task %s is a service call; answer with %s", t.ID, protocol.TypeServiceTaskResult))
	}

	status := tasks.StatusCompleted
	upd := tasks.Update{Result: res.Result, ActorID: in.from.ID}
	if res.Failed() {
		status = tasks.StatusFailed
		upd.Error = res.Error
		if upd.Error == "" {
			upd.Error = "task failed"
		}
	}
	t, err = r.tasks.UpdateStatus(t.ID, status, upd)
	if err != nil {
		return err
	}
	r.forgetExec(t.ID)
	r.notifyResult(t)
	return nil
}

func (r *Router) handleTaskStatus(in *inbound, st *protocol.TaskStatus) error {
	t, err := r.tasks.Get(st.TaskID)
	if err != nil {
		return drop(err)
	}
	in.taskID = t.ID
	if err := checkAssignee(in, t); err != nil {
		return err
	}

	status, err := tasks.NormalizeStatus(st.Status)
	if err != nil {
		return err
	}
	if _, isCall := r.callFor(t.ID); isCall && status.IsTerminal() {
		return swarmerr.New(swarmerr.ErrCodePrecondition,
			fmt.Sprintf("task %s is a service call; answer with %s", t.ID, protocol.TypeServiceTaskResult))
	}

	note := st.Note
	if note == "" && !strings.EqualFold(st.Status, string(status)) {
		note = "reported as " + st.Status
	}
	t, err = r.tasks.UpdateStatus(t.ID, status, tasks.Update{
		Result:  st.Result,
		Error:   st.Error,
		Note:    note,
		ActorID: in.from.ID,
	})
	if err != nil {
		return err
	}

	update := protocol.MustNew(protocol.TypeTaskStatus, protocol.TaskStatus{
		TaskID: t.ID,
		Status: string(t.Status),
		Note:   note,
		Result: st.Result,
		Error:  st.Error,
	})
	if err := r.sendToParticipant(t.RequesterID, update); err != nil {
		r.logger.Debug("status update not delivered", map[string]interface{}{
			"task_id":      t.ID,
			"requester_id": t.RequesterID,
			"error":        err.Error(),
		})
	}
	if t.Status.IsTerminal() {
		r.forgetExec(t.ID)
		r.notifyResult(t)
	}
	return nil
}

func (r *Router) handleTaskStatusRequest(in *inbound, ref *protocol.TaskRef) error {
	in.taskID = ref.TaskID
	t, err := r.tasks.Get(ref.TaskID)
	if err != nil {
		return err
	}
	return r.reply(in, protocol.TypeTaskStatus, protocol.TaskStatus{
		TaskID: t.ID,
		Status: string(t.Status),
		Result: t.Result,
		Error:  t.Error(),
	})
}

func (r *Router) handleTaskList(in *inbound, req *protocol.TaskListRequest) error {
	filter := &tasks.Filter{Type: req.Type}
	for _, s := range req.Status {
		status, err := tasks.NormalizeStatus(s)
		if err != nil {
			return err
		}
		filter.Status = append(filter.Status, status)
	}

	all := r.tasks.All(filter)
	list := protocol.TaskList{Tasks: make([]protocol.TaskInfo, 0, len(all))}
	for _, t := range all {
		list.Tasks = append(list.Tasks, TaskInfo(t))
	}
	return r.reply(in, protocol.TypeTaskList, list)
}

func (r *Router) handleTaskCancel(in *inbound, req *protocol.TaskCancel) error {
	in.taskID = req.TaskID
	t, err := r.tasks.Get(req.TaskID)
	if err != nil {
		return err
	}
	if t.RequesterID != in.from.ID {
		return swarmerr.Unauthorized(
			fmt.Sprintf("only the requester may cancel task %s", t.ID),
			swarmerr.WithTaskID(t.ID), swarmerr.WithParticipantID(in.from.ID))
	}

	reason := req.Reason
	if reason == "" {
		reason = "cancelled by requester"
	}
	t, err = r.tasks.Cancel(t.ID, reason, in.from.ID)
	if err != nil {
		return err
	}

	if execID, ok := r.takeCall(t.ID); ok {
		r.pending.Reject(execID, swarmerr.New(swarmerr.ErrCodeCanceled, reason, swarmerr.WithTaskID(t.ID)))
	} else {
		r.forgetExec(t.ID)
	}
	if t.AssigneeID != "" {
		notice := protocol.MustNew(protocol.TypeTaskCancel, protocol.TaskCancel{TaskID: t.ID, Reason: reason})
		if err := r.sendToParticipant(t.AssigneeID, notice); err != nil {
			r.logger.Debug("cancel notice not delivered", map[string]interface{}{
				"task_id":     t.ID,
				"assignee_id": t.AssigneeID,
				"error":       err.Error(),
			})
		}
	}
	return r.reply(in, protocol.TypeTaskStatus, protocol.TaskStatus{
		TaskID: t.ID,
		Status: string(t.Status),
		Note:   reason,
	})
}

func (r *Router) handleAgentList(in *inbound, req *protocol.ListRequest) error {
	agents := r.participants.List(registry.RoleAgent, listFilter(req.Filters))
	list := protocol.AgentList{Agents: make([]protocol.ParticipantInfo, 0, len(agents))}
	for _, p := range agents {
		list.Agents = append(list.Agents, ParticipantInfo(p))
	}
	return r.reply(in, protocol.TypeAgentList, list)
}

func listFilter(f *protocol.ListFilters) *registry.Filter {
	if f == nil {
		return nil
	}
	return &registry.Filter{
		Status:       registry.Status(f.Status),
		Capabilities: f.Capabilities,
		NameContains: f.Name,
	}
}

// ParticipantInfo is the public view of a participant.
func ParticipantInfo(p *registry.Participant) protocol.ParticipantInfo {
	return protocol.ParticipantInfo{
		ID:           p.ID,
		Name:         p.Name,
		Capabilities: p.Capabilities,
		Status:       string(p.Status),
		Manifest:     p.Manifest,
	}
}

// TaskInfo is the public view of a task.
func TaskInfo(t *tasks.Task) protocol.TaskInfo {
	info := protocol.TaskInfo{
		ID:          t.ID,
		Type:        t.Type,
		Name:        t.Name,
		Status:      string(t.Status),
		AssigneeID:  t.AssigneeID,
		RequesterID: t.RequesterID,
		Result:      t.Result,
		CreatedAt:   t.CreatedAt.UTC().Format(protocol.TimestampFormat),
		UpdatedAt:   t.UpdatedAt.UTC().Format(protocol.TimestampFormat),
	}
	if t.CompletedAt != nil {
		info.CompletedAt = t.CompletedAt.UTC().Format(protocol.TimestampFormat)
	}
	return info
}
