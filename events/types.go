package events

import (
	"time"

	"github.com/codeboltai/agentswarmprotocol-sub005/bus"
)

// TaskEvent records a task being created or changing status.
type TaskEvent struct {
	// Seq increases by one per published change within a task registry.
	Seq            uint64    `json:"seq"`
	TaskID         string    `json:"taskId"`
	TaskType       string    `json:"type"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previousStatus,omitempty"`
	AssigneeID     string    `json:"assigneeId,omitempty"`
	RequesterID    string    `json:"requesterId,omitempty"`
	ActorID        string    `json:"actorId,omitempty"`
	Note           string    `json:"note,omitempty"`
	Time           time.Time `json:"time"`
}

// Created reports whether the event is the task's first.
func (e TaskEvent) Created() bool { return e.PreviousStatus == "" }

// SubjectTokens places the event under tasks.<status>.
func (e TaskEvent) SubjectTokens() []string {
	return []string{bus.TokenTasks, e.Status}
}

// ParticipantEvent records a participant coming online or going offline.
type ParticipantEvent struct {
	ParticipantID string    `json:"participantId"`
	Role          string    `json:"role"`
	Name          string    `json:"name"`
	Status        string    `json:"status"`
	ConnectionID  string    `json:"connectionId,omitempty"`
	Revived       bool      `json:"revived,omitempty"`
	Time          time.Time `json:"time"`
}

// SubjectTokens places the event under participants.<status>.
func (e ParticipantEvent) SubjectTokens() []string {
	return []string{bus.TokenParticipants, e.Status}
}
