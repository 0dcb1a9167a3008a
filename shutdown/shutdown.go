package shutdown

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAlreadyShutdown is returned by a Shutdown call that arrives while
	// another is still running.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout indicates the context expired before every phase ran.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers returned an error.
	ErrHandlerFailed = errors.New("one or more handlers failed")

	// ErrInvalidConfig indicates an invalid Config.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Orchestrator shutdown phases. Lower phases run first.
const (
	// PhaseTransport stops accepting connections and closes the open ones.
	PhaseTransport = 10

	// PhaseRouter fails in-flight service calls and stops request handling.
	PhaseRouter = 20

	// PhaseFlush closes the message bus, the audit index and exporters.
	PhaseFlush = 30
)

// Handler is implemented by components that release resources on shutdown.
// The context expires when the shutdown deadline is reached.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// Func adapts a function to Handler.
type Func func(ctx context.Context) error

// OnShutdown implements Handler.
func (f Func) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// CloserFunc adapts a context-free close function to Handler.
func CloserFunc(fn func() error) Handler {
	return Func(func(context.Context) error { return fn() })
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a complete shutdown.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult
	Err           error
}

// Failed reports whether any handler failed or the deadline was hit.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that returned an error.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures a Coordinator.
type Config struct {
	// Timeout bounds a signal-triggered or ShutdownWithTimeout(0) shutdown.
	// Default: 30 seconds
	Timeout time.Duration

	// DefaultPhase is assigned by Register.
	// Default: 100
	DefaultPhase int

	// ContinueOnError keeps later phases running after a handler fails.
	ContinueOnError bool
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Timeout < 0 || c.DefaultPhase < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns the orchestrator's shutdown settings.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		DefaultPhase:    100,
		ContinueOnError: true,
	}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}
