package orchestrator

import (
	"encoding/json"
	"sync"

	"github.com/codeboltai/agentswarmprotocol-sub005/bus"
	swarmerr "github.com/codeboltai/agentswarmprotocol-sub005/errors"
	"github.com/codeboltai/agentswarmprotocol-sub005/logging"
	"github.com/codeboltai/agentswarmprotocol-sub005/protocol"
	"github.com/codeboltai/agentswarmprotocol-sub005/registry"
	"github.com/codeboltai/agentswarmprotocol-sub005/router"
	"github.com/codeboltai/agentswarmprotocol-sub005/tasks"
)

// QueueGroup is the queue group query responders join, so each request
// is answered once.
const QueueGroup = "orchestrator"

// ParticipantQuery is the request body on <prefix>.query.participants.
type ParticipantQuery struct {
	Role string `json:"role,omitempty"` // agent, client or service; empty means agent
	protocol.ListFilters
}

// ParticipantQueryReply answers a ParticipantQuery.
type ParticipantQueryReply struct {
	Participants []protocol.ParticipantInfo `json:"participants"`
}

// queryResponder answers read-only registry queries over the message bus.
// Task queries take a protocol.TaskListRequest and return a
// protocol.TaskList. Failed queries are answered with a
// protocol.ErrorContent.
type queryResponder struct {
	bus          bus.MessageBus
	participants registry.Registry
	tasks        tasks.Registry
	logger       *logging.Logger

	subs []bus.Subscription
	wg   sync.WaitGroup
}

func startQueryResponder(mb bus.MessageBus, prefix string, participants registry.Registry, taskRegistry tasks.Registry, logger *logging.Logger) (*queryResponder, error) {
	q := &queryResponder{
		bus:          mb,
		participants: participants,
		tasks:        taskRegistry,
		logger:       logger.WithComponent("query"),
	}
	handlers := map[string]func([]byte) (any, error){
		bus.Subject(prefix, bus.TokenQuery, bus.TokenTasks):        q.taskQuery,
		bus.Subject(prefix, bus.TokenQuery, bus.TokenParticipants): q.participantQuery,
	}
	for subject, handle := range handlers {
		sub, err := mb.QueueSubscribe(subject, QueueGroup)
		if err != nil {
			q.stop()
			return nil, err
		}
		q.subs = append(q.subs, sub)
		q.wg.Add(1)
		go q.serve(subject, sub, handle)
	}
	return q, nil
}

func (q *queryResponder) serve(subject string, sub bus.Subscription, handle func([]byte) (any, error)) {
	defer q.wg.Done()
	for msg := range sub.Messages() {
		if msg.Reply == "" {
			continue
		}
		reply, err := handle(msg.Data)
		if err != nil {
			code := swarmerr.ErrCodeInvalidInput
			if e := swarmerr.AsError(err); e != nil {
				code = e.Code()
			}
			reply = protocol.ErrorContent{Error: err.Error(), Code: string(code)}
		}
		data, err := json.Marshal(reply)
		if err == nil {
			err = q.bus.Publish(msg.Reply, data)
		}
		if err != nil {
			q.logger.Warn("query reply failed", map[string]interface{}{"subject": subject, "error": err.Error()})
		}
	}
}

func (q *queryResponder) taskQuery(data []byte) (any, error) {
	var req protocol.TaskListRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, swarmerr.InvalidInput("malformed task query: " + err.Error())
		}
	}
	filter := &tasks.Filter{Type: req.Type}
	for _, s := range req.Status {
		status, err := tasks.NormalizeStatus(s)
		if err != nil {
			return nil, err
		}
		filter.Status = append(filter.Status, status)
	}
	all := q.tasks.All(filter)
	list := protocol.TaskList{Tasks: make([]protocol.TaskInfo, 0, len(all))}
	for _, t := range all {
		list.Tasks = append(list.Tasks, router.TaskInfo(t))
	}
	return list, nil
}

func (q *queryResponder) participantQuery(data []byte) (any, error) {
	var req ParticipantQuery
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, swarmerr.InvalidInput("malformed participant query: " + err.Error())
		}
	}
	role := registry.RoleAgent
	if req.Role != "" {
		role = registry.Role(req.Role)
	}
	if !role.Valid() {
		return nil, swarmerr.InvalidInput("unknown role " + req.Role)
	}
	if err := (&protocol.ListRequest{Filters: &req.ListFilters}).Validate(); err != nil {
		return nil, swarmerr.InvalidInput(err.Error())
	}

	found := q.participants.List(role, &registry.Filter{
		Status:       registry.Status(req.Status),
		Capabilities: req.Capabilities,
		NameContains: req.Name,
	})
	reply := ParticipantQueryReply{Participants: make([]protocol.ParticipantInfo, 0, len(found))}
	for _, p := range found {
		reply.Participants = append(reply.Participants, router.ParticipantInfo(p))
	}
	return reply, nil
}

func (q *queryResponder) stop() {
	for _, sub := range q.subs {
		sub.Unsubscribe()
	}
	q.wg.Wait()
}
