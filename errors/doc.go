// Package errors provides the structured error taxonomy shared by the
// orchestrator's registries, router and transports.
//
// # Error Categories
//
// Errors are classified into four categories:
//
//   - Transient: temporary failures where retry may succeed (timeouts, offline targets)
//   - Permanent: failures where retry will not help (unknown task, invalid transition)
//   - Resource: resource exhaustion (per-connection rate limits)
//   - Internal: unexpected errors indicating bugs
//
// # Error Codes
//
// Each error carries a code that is sent to participants in the "code" field
// of an error message:
//
//   - NOT_FOUND: participant, task or pending correlation entry absent
//   - INVALID_TRANSITION: task state machine violation
//   - UNAUTHORIZED: manifest check failed
//   - TIMEOUT: correlation deadline elapsed
//   - DUPLICATE_CONNECTION: connection already registered online
//   - TRANSPORT_FAILURE: send/receive error on a connection
//
// # Usage
//
// Registry and router operations return *Error values:
//
//	task, err := reg.UpdateStatus(id, tasks.StatusCompleted, tasks.Update{})
//	if errors.Is(err, errors.ErrCodeInvalidTransition) {
//	    // duplicate terminal transition, task left unchanged
//	}
//
// Errors serialize to JSON for diagnostics:
//
//	data, err := json.Marshal(swarmErr)
package errors
