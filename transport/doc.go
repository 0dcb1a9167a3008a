// Package transport carries protocol messages over WebSocket connections.
//
// # Overview
//
// A Hub accepts connections for one participant role per endpoint, decodes
// inbound frames and hands them to a Handler, and delivers outbound
// messages by connection id through Send. The router implements Handler
// and uses the Hub as its Sender.
//
// # Framing
//
// Text frames carry JSON and binary frames carry CBOR. Replies use the
// framing of the most recent frame the peer sent, so a CBOR-speaking agent
// only ever sees CBOR.
//
// # Flow control
//
// Each connection has a bounded send queue drained by its own write loop.
// Send waits up to Config.WriteTimeout for room and then fails with
// ErrSendTimeout. When Config.RateLimit is set, frames beyond the limit are
// answered with a RATE_LIMITED error and never reach the Handler.
//
// # Usage
//
//	hub := transport.NewHub(transport.WithConfig(cfg), transport.WithLogger(logger))
//	r := router.New(participants, taskManager, hub)
//	go hub.ListenAndServe(ctx, ":3000", registry.RoleAgent, r)
//	go hub.ListenAndServe(ctx, ":3001", registry.RoleClient, r)
package transport
