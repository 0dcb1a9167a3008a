package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Payload is the decoded content of an inbound message.
type Payload interface {
	Validate() error
}

// TaskData describes work a requester wants done.
type TaskData struct {
	ID    string         `json:"id,omitempty"`
	Type  string         `json:"type"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// Registration is the content of agent.register and service.register.
type Registration struct {
	ID           string         `json:"id,omitempty"`
	Name         string         `json:"name"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Manifest     map[string]any `json:"manifest,omitempty"`
}

func (r *Registration) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// TaskCreate is sent by a client (or agent) to start work on a named agent.
type TaskCreate struct {
	AgentName string   `json:"agentName,omitempty"`
	AgentID   string   `json:"agentId,omitempty"`
	TaskData  TaskData `json:"taskData"`
}

func (c *TaskCreate) Validate() error {
	if c.AgentName == "" && c.AgentID == "" {
		return fmt.Errorf("agentName or agentId is required")
	}
	return nil
}

// TaskResult reports the outcome of a task. It travels from assignee to
// orchestrator and from orchestrator to requester.
type TaskResult struct {
	TaskID string         `json:"taskId,omitempty"`
	Status string         `json:"status,omitempty"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Validate accepts an empty TaskID; the router can resolve the task from
// the message's requestId instead.
func (r *TaskResult) Validate() error { return nil }

// Failed reports whether the payload describes a failure.
func (r *TaskResult) Failed() bool {
	if r.Error != "" {
		return true
	}
	s := strings.ToLower(r.Status)
	return s == "failed" || s == "error" || s == "failure"
}

// TaskStatus is a progress update. Like TaskResult it flows both ways.
type TaskStatus struct {
	TaskID string         `json:"taskId"`
	Status string         `json:"status"`
	Note   string         `json:"note,omitempty"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

func (s *TaskStatus) Validate() error {
	if s.TaskID == "" {
		return fmt.Errorf("taskId is required")
	}
	if s.Status == "" {
		return fmt.Errorf("status is required")
	}
	return nil
}

// TaskRef names a single task.
type TaskRef struct {
	TaskID string `json:"taskId"`
}

func (r *TaskRef) Validate() error {
	if r.TaskID == "" {
		return fmt.Errorf("taskId is required")
	}
	return nil
}

// TaskCancel asks for a task to be cancelled. Also forwarded to the assignee.
type TaskCancel struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason,omitempty"`
}

func (c *TaskCancel) Validate() error {
	if c.TaskID == "" {
		return fmt.Errorf("taskId is required")
	}
	return nil
}

// StatusSet accepts either a single status string or a list of them.
type StatusSet []string

func (s *StatusSet) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one == "" {
			*s = nil
		} else {
			*s = StatusSet{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("status must be a string or list of strings")
	}
	*s = many
	return nil
}

// TaskListRequest queries the task registry.
type TaskListRequest struct {
	Status StatusSet `json:"status,omitempty"`
	Type   string    `json:"type,omitempty"`
}

func (r *TaskListRequest) Validate() error { return nil }

// ListFilters narrows agent.list.request and service.list.request.
type ListFilters struct {
	Status       string   `json:"status,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Name         string   `json:"name,omitempty"`
}

// ListRequest is the content of agent.list.request and service.list.request.
type ListRequest struct {
	Filters *ListFilters `json:"filters,omitempty"`
}

func (r *ListRequest) Validate() error {
	if r.Filters != nil && r.Filters.Status != "" {
		switch r.Filters.Status {
		case "online", "offline":
		default:
			return fmt.Errorf("unknown participant status %q", r.Filters.Status)
		}
	}
	return nil
}

// AgentRequest delegates a task from one agent to another.
type AgentRequest struct {
	TargetAgentName string   `json:"targetAgentName,omitempty"`
	TargetAgentID   string   `json:"targetAgentId,omitempty"`
	TaskData        TaskData `json:"taskData"`
}

func (r *AgentRequest) Validate() error {
	if r.TargetAgentName == "" && r.TargetAgentID == "" {
		return fmt.Errorf("targetAgentName is required")
	}
	return nil
}

// ServiceRequest asks the orchestrator to call a service on an agent's behalf.
type ServiceRequest struct {
	Service   string         `json:"service"`
	Params    map[string]any `json:"params,omitempty"`
	TimeoutMS int            `json:"timeout,omitempty"`
}

func (r *ServiceRequest) Validate() error {
	if r.Service == "" {
		return fmt.Errorf("service is required")
	}
	if r.TimeoutMS < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

// ServiceTaskResult is a service's answer to service.task.execute.
type ServiceTaskResult struct {
	TaskID string         `json:"taskId,omitempty"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
	// Retryable marks Error as worth retrying; it is passed to the caller.
	Retryable bool `json:"retryable,omitempty"`
}

func (r *ServiceTaskResult) Validate() error { return nil }

// Ping carries no data.
type Ping struct{}

func (Ping) Validate() error { return nil }

// --- Orchestrator to participant ---

// Welcome acknowledges a registration.
type Welcome struct {
	AgentID   string `json:"agentId,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
	ServiceID string `json:"serviceId,omitempty"`
	Name      string `json:"name,omitempty"`
	Message   string `json:"message,omitempty"`
}

// TaskExecute hands a task to its assignee.
type TaskExecute struct {
	TaskID      string         `json:"taskId"`
	Type        string         `json:"type"`
	Name        string         `json:"name,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	RequesterID string         `json:"requesterId,omitempty"`
}

// TaskCreated tells the requester that a task exists and who owns it.
type TaskCreated struct {
	TaskID  string `json:"taskId"`
	AgentID string `json:"agentId"`
	Status  string `json:"status"`
}

// AgentRequestAccepted tells a delegating agent its request became a task.
type AgentRequestAccepted struct {
	TaskID        string `json:"taskId"`
	TargetAgentID string `json:"targetAgentId"`
}

// ParticipantInfo is the public view of a registered participant.
type ParticipantInfo struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Status       string         `json:"status"`
	Manifest     map[string]any `json:"manifest,omitempty"`
}

// AgentList answers agent.list.request.
type AgentList struct {
	Agents []ParticipantInfo `json:"agents"`
}

// ServiceList answers service.list.request.
type ServiceList struct {
	Services []ParticipantInfo `json:"services"`
}

// TaskInfo is the public view of a task.
type TaskInfo struct {
	ID          string         `json:"taskId"`
	Type        string         `json:"type"`
	Name        string         `json:"name,omitempty"`
	Status      string         `json:"status"`
	AssigneeID  string         `json:"assigneeId,omitempty"`
	RequesterID string         `json:"requesterId,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	CreatedAt   string         `json:"createdAt"`
	UpdatedAt   string         `json:"updatedAt"`
	CompletedAt string         `json:"completedAt,omitempty"`
}

// TaskList answers task.list.request.
type TaskList struct {
	Tasks []TaskInfo `json:"tasks"`
}

// ServiceTaskExecute hands a service call to a connected service.
type ServiceTaskExecute struct {
	TaskID   string         `json:"taskId"`
	Service  string         `json:"service"`
	Params   map[string]any `json:"params,omitempty"`
	CallerID string         `json:"callerId"`
}

// ServiceResponse returns a service result to the calling agent.
type ServiceResponse struct {
	Service string         `json:"service"`
	TaskID  string         `json:"taskId,omitempty"`
	Status  string         `json:"status,omitempty"` // completed | failed
	Result  map[string]any `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Pong answers ping.
type Pong struct {
	Time string `json:"time"`
}

// ErrorContent is the content of an error message.
type ErrorContent struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
}
