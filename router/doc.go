// Package router applies inbound protocol messages to the participant and
// task registries and produces the outbound messages that follow.
//
// A Router is transport-agnostic. The transport announces each connection
// with HandleConnect, hands every decoded frame to HandleMessage, and
// reports closed connections with HandleDisconnect. Outbound messages go
// through a Sender keyed by connection id.
//
// Tasks created by task.create or agent.request are assigned to the named
// agent and delivered as task.execute. The final task.result answers the
// request that created the task, so requesters can correlate on requestId.
// When an assignee disconnects, every task it held fails and each requester
// hears about it exactly once.
//
// Agents reach services with service.request. Calls go either to an
// in-process ServiceFunc installed with RegisterService or to a connected
// service participant, in which case the call is tracked as a task of type
// "service:<name>" and the reply is matched through a correlation table.
//
// Example:
//
//	r := router.New(participants, taskManager, hub,
//		router.WithLogger(logger),
//		router.WithServiceTimeout(10*time.Second),
//	)
//	r.RegisterService("audit.search", index.Search)
package router
