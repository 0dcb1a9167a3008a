package protocol

import (
	"errors"
	"fmt"

	swarmerr "github.com/codeboltai/agentswarmprotocol-sub005/errors"
)

// DecodeError reports a frame or payload that could not be turned into a
// typed message. It never reaches the router's state machine.
type DecodeError struct {
	MessageID string
	Type      string
	Reason    string
	Err       error

	code swarmerr.ErrorCode
}

func (e *DecodeError) Error() string {
	msg := e.Reason
	if e.Type != "" {
		msg = fmt.Sprintf("%s: %s", e.Type, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Code is DECODE_ERROR for malformed data and UNSUPPORTED for unknown types.
func (e *DecodeError) Code() swarmerr.ErrorCode {
	if e.code == "" {
		return swarmerr.ErrCodeDecode
	}
	return e.code
}

// AsError converts the decode failure into a structured error.
func (e *DecodeError) AsError() *swarmerr.Error {
	return swarmerr.New(e.Code(), e.Error(), swarmerr.WithMetadata("type", e.Type))
}

var decoders = map[string]func() Payload{
	TypeAgentRegister:      func() Payload { return &Registration{} },
	TypeServiceRegister:    func() Payload { return &Registration{} },
	TypeTaskCreate:         func() Payload { return &TaskCreate{} },
	TypeTaskResult:         func() Payload { return &TaskResult{} },
	TypeTaskStatus:         func() Payload { return &TaskStatus{} },
	TypeTaskStatusRequest:  func() Payload { return &TaskRef{} },
	TypeTaskListRequest:    func() Payload { return &TaskListRequest{} },
	TypeTaskCancel:         func() Payload { return &TaskCancel{} },
	TypeAgentRequest:       func() Payload { return &AgentRequest{} },
	TypeAgentListRequest:   func() Payload { return &ListRequest{} },
	TypeServiceRequest:     func() Payload { return &ServiceRequest{} },
	TypeServiceListRequest: func() Payload { return &ListRequest{} },
	TypeServiceTaskResult:  func() Payload { return &ServiceTaskResult{} },
	TypePing:               func() Payload { return &Ping{} },
}

// Decode parses and validates the content of an inbound message.
func Decode(msg *Message) (Payload, error) {
	if msg == nil {
		return nil, &DecodeError{Reason: "empty message"}
	}
	if msg.Type == "" {
		return nil, &DecodeError{MessageID: msg.ID, Reason: "type is required"}
	}
	newPayload, ok := decoders[msg.Type]
	if !ok {
		return nil, &DecodeError{
			MessageID: msg.ID,
			Type:      msg.Type,
			Reason:    "unsupported message type",
			code:      swarmerr.ErrCodeUnsupported,
		}
	}

	p := newPayload()
	if err := msg.Unmarshal(p); err != nil {
		return nil, &DecodeError{MessageID: msg.ID, Type: msg.Type, Reason: "invalid content", Err: err}
	}
	if err := p.Validate(); err != nil {
		return nil, &DecodeError{MessageID: msg.ID, Type: msg.Type, Reason: "invalid content", Err: err}
	}
	return p, nil
}

// ErrorFrom builds an error message answering req. The code comes from a
// structured error when err carries one, INTERNAL otherwise.
func ErrorFrom(req *Message, err error) *Message {
	return ErrorForTask(req, err, "")
}

// ErrorForTask is ErrorFrom with a fallback task id for errors that carry
// none.
func ErrorForTask(req *Message, err error, taskID string) *Message {
	content := ErrorContent{Error: err.Error(), Code: string(swarmerr.ErrCodeInternal)}
	var de *DecodeError
	if errors.As(err, &de) {
		content.Code = string(de.Code())
		content.Retryable = de.Code().DefaultRetryable()
	} else if se := swarmerr.AsError(err); se != nil {
		content.Code = string(se.Code())
		content.Retryable = se.Retryable()
		content.TaskID = se.TaskID()
	}
	if content.TaskID == "" {
		content.TaskID = taskID
	}
	msg := MustNew(TypeError, content)
	if req != nil {
		msg.RequestID = req.ID
	}
	return msg
}
