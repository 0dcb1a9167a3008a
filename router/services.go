package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/codeboltai/agentswarmprotocol-sub005/correlation"
	swarmerr "github.com/codeboltai/agentswarmprotocol-sub005/errors"
	"github.com/codeboltai/agentswarmprotocol-sub005/protocol"
	"github.com/codeboltai/agentswarmprotocol-sub005/registry"
	"github.com/codeboltai/agentswarmprotocol-sub005/tasks"
	"github.com/codeboltai/agentswarmprotocol-sub005/telemetry"
)

// call is one service.request in flight.
type call struct {
	service  string
	callerID string
	request  *protocol.Message
	params   map[string]any
	timeout  time.Duration
}

func (r *Router) handleServiceRequest(in *inbound, req *protocol.ServiceRequest) error {
	if !in.from.MayCall(req.Service) {
		return swarmerr.Unauthorized(
			fmt.Sprintf("%s does not declare service %q in its manifest", in.from.ID, req.Service),
			swarmerr.WithParticipantID(in.from.ID), swarmerr.WithMetadata("service", req.Service))
	}

	c := call{
		service:  req.Service,
		callerID: in.from.ID,
		request:  in.msg,
		params:   req.Params,
		timeout:  r.serviceTimeout,
	}
	if req.TimeoutMS > 0 {
		c.timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	if fn := r.builtin(req.Service); fn != nil {
		return r.goCall(func(ctx context.Context) { r.callBuiltin(ctx, c, fn) })
	}

	svc, err := r.participants.LookupByName(registry.RoleService, req.Service)
	if err != nil {
		return swarmerr.NotFound(fmt.Sprintf("service %q not found", req.Service),
			swarmerr.WithMetadata("service", req.Service))
	}
	if !svc.Online() {
		return swarmerr.ParticipantOffline(svc.ID, swarmerr.WithMetadata("service", req.Service))
	}

	t, err := r.tasks.Create(tasks.Spec{
		Type:             ServiceTaskPrefix + req.Service,
		Name:             req.Service,
		RequesterID:      in.from.ID,
		Input:            req.Params,
		RequestMessageID: in.msg.ID,
	})
	if err != nil {
		return err
	}
	in.taskID = t.ID

	exec := protocol.MustNew(protocol.TypeServiceTaskExecute, protocol.ServiceTaskExecute{
		TaskID:   t.ID,
		Service:  req.Service,
		Params:   req.Params,
		CallerID: in.from.ID,
	})
	pending, err := r.pending.AwaitReply(exec.ID, correlation.Options{
		Timeout:      c.timeout,
		ExpectedType: protocol.TypeServiceTaskResult,
	})
	if err != nil {
		r.tasks.UpdateStatus(t.ID, tasks.StatusFailed, tasks.Update{Error: err.Error()})
		return err
	}
	// From here on awaitService is the only one to answer the caller. A
	// disconnect of the service rejects the tracked call instead.
	r.trackCall(t.ID, exec.ID)

	var failure error
	if _, err := r.tasks.Assign(t.ID, svc.ID, in.from.ID); err != nil {
		failure = err
	} else if err := r.sendTo(in, svc.ConnectionID, exec); err != nil {
		failure = swarmerr.TransportFailure(svc.ConnectionID, err, swarmerr.WithTaskID(t.ID))
	}
	if failure != nil {
		r.pending.Reject(exec.ID, failure)
	}

	if err := r.goCall(func(ctx context.Context) { r.awaitService(ctx, c, t.ID, svc.ID, pending) }); err != nil {
		r.takeCall(t.ID)
		pending.Cancel()
		r.tasks.UpdateStatus(t.ID, tasks.StatusFailed, tasks.Update{Error: err.Error()})
		return err
	}
	return nil
}

// awaitService waits for a connected service's answer and relays it to the
// caller.
func (r *Router) awaitService(ctx context.Context, c call, taskID, serviceID string, pending *correlation.Pending) {
	start := time.Now()
	ctx, span := r.tracer.StartServiceSpan(ctx, c.service, c.callerID)

	msg, err := pending.Wait(ctx)
	r.takeCall(taskID)

	var result map[string]any
	if err == nil {
		var res protocol.ServiceTaskResult
		switch uerr := msg.Unmarshal(&res); {
		case uerr != nil:
			err = swarmerr.WrapWithCode(uerr, swarmerr.ErrCodeDecode, "service result could not be decoded")
		case res.Error != "":
			err = swarmerr.New(swarmerr.ErrCodeServiceFailure, res.Error,
				swarmerr.WithMetadata("service", c.service), swarmerr.WithRetryable(res.Retryable))
		default:
			result = res.Result
		}
	}

	if err != nil {
		// Fails nothing when a disconnect or cancel got there first.
		r.tasks.UpdateStatus(taskID, tasks.StatusFailed, tasks.Update{Error: err.Error()})
	} else {
		r.tasks.UpdateStatus(taskID, tasks.StatusCompleted, tasks.Update{Result: result, ActorID: serviceID})
	}
	r.answerCall(c, taskID, result, err)

	r.logger.ServiceCall(c.service, c.callerID, time.Since(start), err)
	r.tracer.EndServiceSpan(span, telemetry.ServiceSpanOptions{
		TaskID: taskID,
		Params: c.params,
		Result: resultString(result),
	}, err)
}

// callBuiltin runs an in-process service under the call's deadline.
func (r *Router) callBuiltin(ctx context.Context, c call, fn ServiceFunc) {
	start := time.Now()
	ctx, span := r.tracer.StartServiceSpan(ctx, c.service, c.callerID)
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: swarmerr.RecoverPanic(rec)}
			}
		}()
		res, err := fn(ctx, ServiceCall{Service: c.service, CallerID: c.callerID, Params: c.params})
		done <- outcome{result: res, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-ctx.Done():
		o.err = swarmerr.Wrap(ctx.Err(), fmt.Sprintf("service %q did not answer within %s", c.service, c.timeout))
	}
	if o.err != nil && swarmerr.AsError(o.err) == nil {
		if ctx.Err() != nil {
			o.err = swarmerr.Wrap(ctx.Err(), fmt.Sprintf("service %q did not answer within %s", c.service, c.timeout))
		} else {
			o.err = swarmerr.WrapWithCode(o.err, swarmerr.ErrCodeServiceFailure, fmt.Sprintf("service %q failed", c.service))
		}
	}
	r.answerCall(c, "", o.result, o.err)

	r.logger.ServiceCall(c.service, c.callerID, time.Since(start), o.err)
	r.tracer.EndServiceSpan(span, telemetry.ServiceSpanOptions{
		Params: c.params,
		Result: resultString(o.result),
	}, o.err)
}

// serviceGone rejects a call whose service disconnected. The caller gets a
// failed service.response rather than an error.
type serviceGone struct{ error }

func (g serviceGone) Unwrap() error { return g.error }

// answerCall sends service.response or error to the caller's current
// connection.
func (r *Router) answerCall(c call, taskID string, result map[string]any, err error) {
	var gone serviceGone
	resp := protocol.ServiceResponse{Service: c.service, TaskID: taskID}
	switch {
	case errors.As(err, &gone):
		resp.Status = string(tasks.StatusFailed)
		resp.Error = DisconnectReason
	case err != nil:
		r.sendAnswer(c, protocol.ErrorForTask(c.request, err, taskID))
		return
	default:
		resp.Status = string(tasks.StatusCompleted)
		resp.Result = result
	}
	msg, rerr := protocol.Reply(c.request, protocol.TypeServiceResponse, resp)
	if rerr != nil {
		msg = protocol.ErrorForTask(c.request, swarmerr.Wrap(rerr, "service result could not be encoded"), taskID)
	}
	r.sendAnswer(c, msg)
}

func (r *Router) sendAnswer(c call, msg *protocol.Message) {
	if serr := r.sendToParticipant(c.callerID, msg); serr != nil {
		r.logger.Debug("service answer not delivered", map[string]interface{}{
			"service":   c.service,
			"caller_id": c.callerID,
			"error":     serr.Error(),
		})
	}
}

func (r *Router) handleServiceTaskResult(in *inbound, res *protocol.ServiceTaskResult) error {
	taskID := r.taskForExec(in.msg.RequestID)
	if taskID == "" {
		taskID = res.TaskID
	}
	execID, ok := r.callFor(taskID)
	if !ok {
		return drop(swarmerr.NotFound("no service call is waiting for this result"))
	}
	in.taskID = taskID

	t, err := r.tasks.Get(taskID)
	if err != nil {
		return drop(err)
	}
	if err := checkAssignee(in, t); err != nil {
		return err
	}

	reply := *in.msg
	reply.RequestID = execID
	if r.pending.Deliver(&reply) == 0 {
		return drop(swarmerr.NotFound("service call already finished"))
	}
	return nil
}

func (r *Router) handleServiceList(in *inbound, req *protocol.ListRequest) error {
	filter := listFilter(req.Filters)
	remote := r.participants.List(registry.RoleService, filter)
	list := protocol.ServiceList{Services: make([]protocol.ParticipantInfo, 0, len(remote))}

	for _, name := range r.builtinNames() {
		p := &registry.Participant{
			ID:       "builtin:" + name,
			Role:     registry.RoleService,
			Name:     name,
			Status:   registry.StatusOnline,
			Manifest: map[string]any{"builtin": true},
		}
		if registry.MatchesFilter(p, filter) {
			list.Services = append(list.Services, ParticipantInfo(p))
		}
	}
	for _, p := range remote {
		list.Services = append(list.Services, ParticipantInfo(p))
	}
	return r.reply(in, protocol.TypeServiceList, list)
}

func (r *Router) builtin(name string) ServiceFunc {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.services[name]
}

func (r *Router) builtinNames() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)
	return names
}

func resultString(result map[string]any) string {
	if result == nil {
		return ""
	}
	data, err := json.Marshal(result)
	if err != nil {
		return ""
	}
	return string(data)
}
