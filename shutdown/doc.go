// Package shutdown orders the orchestrator's teardown.
//
// Handlers register under a phase. Shutdown runs phases from lowest to
// highest and the handlers inside one phase concurrently. The orchestrator
// uses three phases:
//
//   - PhaseTransport (10): close listeners and connections so no new
//     messages arrive.
//   - PhaseRouter (20): fail pending service calls and stop routing.
//   - PhaseFlush (30): close the message bus, the audit index and the
//     trace and event exporters.
//
// Usage:
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig(), shutdown.WithLogger(logger))
//	coord.RegisterFunc("transport", shutdown.PhaseTransport, hub.Close)
//	coord.RegisterWithPhase("bus", shutdown.CloserFunc(mb.Close), shutdown.PhaseFlush)
//	coord.HandleSignals(ctx)
//	<-coord.Done()
//
// Every handler receives the same deadline-bound context; a handler that
// outlives it should return ctx.Err().
package shutdown
