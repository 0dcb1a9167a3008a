package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/codeboltai/agentswarmprotocol-sub005/correlation"
	swarmerr "github.com/codeboltai/agentswarmprotocol-sub005/errors"
	"github.com/codeboltai/agentswarmprotocol-sub005/logging"
	"github.com/codeboltai/agentswarmprotocol-sub005/protocol"
	"github.com/codeboltai/agentswarmprotocol-sub005/registry"
	"github.com/codeboltai/agentswarmprotocol-sub005/tasks"
	"github.com/codeboltai/agentswarmprotocol-sub005/telemetry"
)

// DisconnectReason is the error recorded on tasks failed by a disconnect.
const DisconnectReason = "participant disconnected"

// DefaultServiceTimeout bounds a service call that names no timeout.
const DefaultServiceTimeout = 30 * time.Second

// ServiceTaskPrefix prefixes the type of tasks that track remote service
// calls.
const ServiceTaskPrefix = "service:"

// Sender delivers outbound messages. The transport hub implements it.
type Sender interface {
	Send(connectionID string, msg *protocol.Message) error
}

// ServiceCall is an invocation of an in-process service.
type ServiceCall struct {
	Service  string
	CallerID string
	Params   map[string]any
}

// ServiceFunc implements an in-process service. The context carries the
// call's deadline.
type ServiceFunc func(ctx context.Context, call ServiceCall) (map[string]any, error)

// Router applies inbound messages to the registries and emits the resulting
// outbound messages. All handlers are safe for concurrent use; registry
// mutations complete before anything is sent.
type Router struct {
	participants   registry.Registry
	tasks          tasks.Registry
	pending        *correlation.Table
	sender         Sender
	logger         *logging.Logger
	tracer         *telemetry.Tracer
	serviceTimeout time.Duration

	mu       sync.Mutex
	conns    map[string]registry.Role
	services map[string]ServiceFunc
	execs    map[string]string // execute message id -> task id
	taskExec map[string]string // task id -> execute message id
	calls    map[string]string // task id -> service.task.execute id awaiting a reply
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Router) {
		r.logger = l.WithComponent("router")
	}
}

// WithTracer sets the tracer used for message and service spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(r *Router) {
		r.tracer = t
	}
}

// WithCorrelation shares a correlation table with the router.
func WithCorrelation(table *correlation.Table) Option {
	return func(r *Router) {
		r.pending = table
	}
}

// WithServiceTimeout overrides DefaultServiceTimeout.
func WithServiceTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.serviceTimeout = d
		}
	}
}

// New creates a router over the given registries.
func New(participants registry.Registry, taskRegistry tasks.Registry, sender Sender, opts ...Option) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		participants:   participants,
		tasks:          taskRegistry,
		sender:         sender,
		logger:         logging.Discard(),
		tracer:         telemetry.GetTracer(),
		serviceTimeout: DefaultServiceTimeout,
		conns:          make(map[string]registry.Role),
		services:       make(map[string]ServiceFunc),
		execs:          make(map[string]string),
		taskExec:       make(map[string]string),
		calls:          make(map[string]string),
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.pending == nil {
		r.pending = correlation.NewTable()
	}
	return r
}

// RegisterService installs an in-process service. In-process services take
// precedence over connected services of the same name.
func (r *Router) RegisterService(name string, fn ServiceFunc) error {
	if name == "" || fn == nil {
		return swarmerr.InvalidInput("service name and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.services[name]; exists {
		return swarmerr.New(swarmerr.ErrCodeAlreadyExists,
			fmt.Sprintf("service %q already registered", name))
	}
	r.services[name] = fn
	return nil
}

// HandleConnect records a new connection. Clients are registered
// immediately using the id and name they supplied when connecting; agents
// and services register with a message.
func (r *Router) HandleConnect(ctx context.Context, connectionID string, role registry.Role, id, name string) error {
	if !role.Valid() {
		return swarmerr.InvalidInput(fmt.Sprintf("unknown role %q", role))
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return swarmerr.New(swarmerr.ErrCodeUnavailable, "orchestrator shutting down")
	}
	if _, exists := r.conns[connectionID]; exists {
		r.mu.Unlock()
		return swarmerr.DuplicateConnection(connectionID)
	}
	r.conns[connectionID] = role
	r.mu.Unlock()

	if role != registry.RoleClient {
		return nil
	}

	p, err := r.participants.Register(registry.RoleClient, registry.Registration{ID: id, Name: name}, connectionID)
	if err != nil {
		r.mu.Lock()
		delete(r.conns, connectionID)
		r.mu.Unlock()
		return err
	}
	r.logger.ParticipantOnline(string(p.Role), p.ID, p.Name, connectionID)

	welcome := protocol.MustNew(protocol.TypeWelcome, protocol.Welcome{
		ClientID: p.ID,
		Name:     p.Name,
		Message:  "connected",
	})
	r.send(connectionID, welcome)
	return nil
}

// inbound is one message being routed.
type inbound struct {
	ctx    context.Context
	connID string
	role   registry.Role
	msg    *protocol.Message
	from   *registry.Participant // nil until the connection registers
	taskID string
	sent   int
}

// dropError marks a failure that is logged rather than answered.
type dropError struct{ error }

func (d dropError) Unwrap() error { return d.error }

func drop(err error) error { return dropError{err} }

// HandleMessage routes one decoded inbound message. Failures are answered
// with an error message to the sender; nothing is returned.
func (r *Router) HandleMessage(ctx context.Context, connectionID string, msg *protocol.Message, payload protocol.Payload) {
	role := r.roleOf(connectionID)
	ctx, span := r.tracer.StartMessageSpan(ctx, string(role), msg.Type, connectionID)
	in := &inbound{ctx: ctx, connID: connectionID, role: role, msg: msg}

	var err error
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = swarmerr.RecoverPanic(rec)
				r.logger.Error("handler panicked", map[string]interface{}{
					"type":  msg.Type,
					"error": err.Error(),
				})
			}
		}()
		err = r.route(in, payload)
	}()

	var dropped dropError
	switch {
	case errors.As(err, &dropped):
		r.logger.MessageDropped(connectionID, msg.Type, dropped.Error())
	case err != nil:
		r.replyError(in, err)
	}

	opts := telemetry.MessageSpanOptions{TaskID: in.taskID, Outbound: in.sent}
	if in.from != nil {
		opts.ParticipantID = in.from.ID
	}
	if r.tracer.Debug() {
		opts.Content = string(msg.Content)
	}
	r.tracer.EndMessageSpan(span, opts, err)
}

// HandleDecodeError answers a frame the transport could not decode.
func (r *Router) HandleDecodeError(ctx context.Context, connectionID string, err error) {
	var de *protocol.DecodeError
	var req *protocol.Message
	msgType := ""
	if errors.As(err, &de) {
		msgType = de.Type
		if de.MessageID != "" {
			req = &protocol.Message{ID: de.MessageID}
		}
	}
	r.logger.MessageDropped(connectionID, msgType, err.Error())
	r.send(connectionID, protocol.ErrorFrom(req, err))
}

// HandleDisconnect marks the connection's participant offline and fails
// every task it was assigned. Requesters are told through the ordinary
// task.result path. It never panics.
func (r *Router) HandleDisconnect(ctx context.Context, connectionID string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("disconnect handling panicked", map[string]interface{}{
				"connection_id": connectionID,
				"error":         fmt.Sprint(rec),
			})
		}
	}()

	r.mu.Lock()
	delete(r.conns, connectionID)
	r.mu.Unlock()

	_, span := r.tracer.StartDisconnectSpan(ctx, connectionID)
	p := r.participants.MarkOffline(connectionID)
	if p == nil {
		r.tracer.EndDisconnectSpan(span, "", 0)
		return
	}

	failed := r.tasks.FailAllFor(p.ID, DisconnectReason)
	for _, t := range failed {
		if execID, ok := r.takeCall(t.ID); ok {
			// The waiting call answers its caller.
			r.pending.Reject(execID, serviceGone{swarmerr.ParticipantOffline(p.ID, swarmerr.WithTaskID(t.ID))})
			continue
		}
		r.forgetExec(t.ID)
		r.notifyResult(t)
	}

	r.logger.ParticipantOffline(string(p.Role), p.ID, len(failed))
	r.tracer.EndDisconnectSpan(span, p.ID, len(failed))
}

// Close stops accepting work, rejects pending replies and waits for service
// calls in flight until ctx ends.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.pending.Close()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// accepted lists the roles allowed to send each message type.
var accepted = map[string][]registry.Role{
	protocol.TypeAgentRegister:      {registry.RoleAgent},
	protocol.TypeServiceRegister:    {registry.RoleService},
	protocol.TypeTaskCreate:         {registry.RoleClient, registry.RoleAgent},
	protocol.TypeTaskResult:         {registry.RoleAgent},
	protocol.TypeTaskStatus:         {registry.RoleAgent, registry.RoleService},
	protocol.TypeTaskStatusRequest:  {registry.RoleClient, registry.RoleAgent, registry.RoleService},
	protocol.TypeTaskListRequest:    {registry.RoleClient, registry.RoleAgent},
	protocol.TypeTaskCancel:         {registry.RoleClient, registry.RoleAgent},
	protocol.TypeAgentRequest:       {registry.RoleAgent},
	protocol.TypeAgentListRequest:   {registry.RoleClient, registry.RoleAgent},
	protocol.TypeServiceRequest:     {registry.RoleAgent},
	protocol.TypeServiceListRequest: {registry.RoleClient, registry.RoleAgent},
	protocol.TypeServiceTaskResult:  {registry.RoleService},
	protocol.TypePing:               {registry.RoleClient, registry.RoleAgent, registry.RoleService},
}

func accepts(role registry.Role, msgType string) bool {
	for _, r := range accepted[msgType] {
		if r == role {
			return true
		}
	}
	return false
}

func (r *Router) route(in *inbound, payload protocol.Payload) error {
	if in.role == "" {
		return swarmerr.New(swarmerr.ErrCodePrecondition, "connection was not announced")
	}
	if !accepts(in.role, in.msg.Type) {
		return swarmerr.New(swarmerr.ErrCodeUnsupported,
			fmt.Sprintf("%s is not accepted from a %s", in.msg.Type, in.role))
	}

	if p, err := r.participants.LookupByConnectionID(in.connID); err == nil {
		in.from = p
		if t, ok := r.participants.(interface{ Touch(string) }); ok {
			t.Touch(in.connID)
		}
	}

	switch in.msg.Type {
	case protocol.TypeAgentRegister, protocol.TypeServiceRegister:
		return r.handleRegister(in, payload.(*protocol.Registration))
	case protocol.TypePing:
		return r.reply(in, protocol.TypePong, protocol.Pong{Time: time.Now().UTC().Format(protocol.TimestampFormat)})
	}

	if in.from == nil {
		return swarmerr.New(swarmerr.ErrCodePrecondition,
			fmt.Sprintf("register before sending %s", in.msg.Type))
	}

	// Service results are delivered after the sender is checked against the
	// call's assignee.
	if in.msg.Type != protocol.TypeServiceTaskResult {
		r.pending.Deliver(in.msg)
	}

	switch p := payload.(type) {
	case *protocol.TaskCreate:
		return r.handleTaskCreate(in, p)
	case *protocol.AgentRequest:
		return r.handleAgentRequest(in, p)
	case *protocol.TaskResult:
		return r.handleTaskResult(in, p)
	case *protocol.TaskStatus:
		return r.handleTaskStatus(in, p)
	case *protocol.TaskRef:
		return r.handleTaskStatusRequest(in, p)
	case *protocol.TaskListRequest:
		return r.handleTaskList(in, p)
	case *protocol.TaskCancel:
		return r.handleTaskCancel(in, p)
	case *protocol.ListRequest:
		if in.msg.Type == protocol.TypeServiceListRequest {
			return r.handleServiceList(in, p)
		}
		return r.handleAgentList(in, p)
	case *protocol.ServiceRequest:
		return r.handleServiceRequest(in, p)
	case *protocol.ServiceTaskResult:
		return r.handleServiceTaskResult(in, p)
	}
	return swarmerr.New(swarmerr.ErrCodeUnsupported, fmt.Sprintf("no handler for %s", in.msg.Type))
}

func (r *Router) handleRegister(in *inbound, reg *protocol.Registration) error {
	p, err := r.participants.Register(in.role, registry.Registration{
		ID:           reg.ID,
		Name:         reg.Name,
		Capabilities: reg.Capabilities,
		Manifest:     reg.Manifest,
	}, in.connID)
	if err != nil {
		return err
	}
	in.from = p
	r.logger.ParticipantOnline(string(p.Role), p.ID, p.Name, in.connID)

	welcome := protocol.Welcome{Name: p.Name, Message: "registered"}
	if p.Role == registry.RoleService {
		welcome.ServiceID = p.ID
	} else {
		welcome.AgentID = p.ID
	}
	return r.reply(in, protocol.TypeWelcome, welcome)
}

func (r *Router) roleOf(connectionID string) registry.Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[connectionID]
}

// --- Sending ---

// send delivers msg, logging failures. Callers never hold r.mu.
func (r *Router) send(connectionID string, msg *protocol.Message) error {
	if err := r.sender.Send(connectionID, msg); err != nil {
		r.logger.DeliveryFailed(connectionID, msg.Type, err)
		return err
	}
	return nil
}

func (r *Router) sendTo(in *inbound, connectionID string, msg *protocol.Message) error {
	err := r.send(connectionID, msg)
	if err == nil {
		in.sent++
	}
	return err
}

// reply answers the inbound message. Delivery failures are logged only;
// the sender is gone and there is nobody left to tell.
func (r *Router) reply(in *inbound, msgType string, content any) error {
	msg, err := protocol.Reply(in.msg, msgType, content)
	if err != nil {
		return swarmerr.Wrap(err, "building reply")
	}
	r.sendTo(in, in.connID, msg)
	return nil
}

func (r *Router) replyError(in *inbound, err error) {
	r.sendTo(in, in.connID, protocol.ErrorForTask(in.msg, err, in.taskID))
}

// sendToParticipant delivers msg on the participant's current connection.
func (r *Router) sendToParticipant(participantID string, msg *protocol.Message) error {
	p, err := r.participants.LookupByID(participantID)
	if err != nil {
		return err
	}
	if !p.Online() {
		return swarmerr.ParticipantOffline(p.ID)
	}
	return r.send(p.ConnectionID, msg)
}

// notifyResult tells a task's requester how it ended. The message answers
// the request that created the task.
func (r *Router) notifyResult(t *tasks.Task) {
	msg := protocol.MustNew(protocol.TypeTaskResult, protocol.TaskResult{
		TaskID: t.ID,
		Status: string(t.Status),
		Result: t.Result,
		Error:  t.Error(),
	})
	msg.RequestID = t.RequestMessageID
	if err := r.sendToParticipant(t.RequesterID, msg); err != nil {
		r.logger.Debug("task result not delivered", map[string]interface{}{
			"task_id":      t.ID,
			"requester_id": t.RequesterID,
			"error":        err.Error(),
		})
	}
}

// --- Execute-message bookkeeping ---

func (r *Router) trackExec(execID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs[execID] = taskID
	r.taskExec[taskID] = execID
}

func (r *Router) forgetExec(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forgetExecLocked(taskID)
}

func (r *Router) forgetExecLocked(taskID string) {
	if execID, ok := r.taskExec[taskID]; ok {
		delete(r.execs, execID)
		delete(r.taskExec, taskID)
	}
}

// taskForExec resolves the task an execute message started.
func (r *Router) taskForExec(execID string) string {
	if execID == "" {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.execs[execID]
}

func (r *Router) trackCall(taskID, execID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[taskID] = execID
	r.execs[execID] = taskID
	r.taskExec[taskID] = execID
}

// takeCall removes and returns the pending service call for a task.
func (r *Router) takeCall(taskID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	execID, ok := r.calls[taskID]
	if ok {
		delete(r.calls, taskID)
		r.forgetExecLocked(taskID)
	}
	return execID, ok
}

func (r *Router) callFor(taskID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	execID, ok := r.calls[taskID]
	return execID, ok
}

// goCall runs fn on the router's lifetime context.
func (r *Router) goCall(fn func(ctx context.Context)) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return swarmerr.New(swarmerr.ErrCodeUnavailable, "orchestrator shutting down")
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		fn(r.ctx)
	}()
	return nil
}
