// Package orchestrator assembles a running swarm orchestrator from its
// configuration: registries, router, transport hub, audit index, event
// mirror and telemetry.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/codeboltai/agentswarmprotocol-sub005/audit"
	"github.com/codeboltai/agentswarmprotocol-sub005/bus"
	"github.com/codeboltai/agentswarmprotocol-sub005/config"
	"github.com/codeboltai/agentswarmprotocol-sub005/correlation"
	"github.com/codeboltai/agentswarmprotocol-sub005/events"
	"github.com/codeboltai/agentswarmprotocol-sub005/logging"
	"github.com/codeboltai/agentswarmprotocol-sub005/registry"
	"github.com/codeboltai/agentswarmprotocol-sub005/router"
	"github.com/codeboltai/agentswarmprotocol-sub005/shutdown"
	"github.com/codeboltai/agentswarmprotocol-sub005/tasks"
	"github.com/codeboltai/agentswarmprotocol-sub005/telemetry"
	"github.com/codeboltai/agentswarmprotocol-sub005/transport"
)

// Server is a configured orchestrator.
type Server struct {
	config *config.Config
	logger *logging.Logger

	taskEvents        *events.Bus[events.TaskEvent]
	participantEvents *events.Bus[events.ParticipantEvent]

	participants *registry.MemoryRegistry
	tasks        *tasks.Manager
	pending      *correlation.Table
	hub          *transport.Hub
	router       *router.Router

	audit    *audit.Index
	bus      bus.MessageBus
	ownsBus  bool
	provider *telemetry.Provider
	exporter telemetry.Exporter

	providerOpts []telemetry.ProviderOption

	detach []func()
	query  *queryResponder

	closeOnce sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Its level is taken from the configuration.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMessageBus mirrors events onto mb instead of a bus built from the
// configuration. The caller keeps ownership of mb.
func WithMessageBus(mb bus.MessageBus) Option {
	return func(s *Server) {
		s.bus = mb
	}
}

// WithTracing passes options to the trace provider, such as a span
// exporter to use in place of the configured OTLP endpoint.
func WithTracing(opts ...telemetry.ProviderOption) Option {
	return func(s *Server) {
		s.providerOpts = append(s.providerOpts, opts...)
	}
}

// New builds a server. Nothing listens until Run or Serve is called.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{config: cfg, logger: logging.New()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger.SetLevel(logging.ParseLevel(cfg.Log.Level))

	s.taskEvents = events.NewBus[events.TaskEvent](events.BusOptions{Name: "tasks", Logger: s.logger})
	s.participantEvents = events.NewBus[events.ParticipantEvent](events.BusOptions{Name: "participants", Logger: s.logger})

	s.participants = registry.NewMemoryRegistry(registry.WithEvents(s.participantEvents))
	s.tasks = tasks.NewManager(tasks.WithEvents(s.taskEvents), tasks.WithLogger(s.logger))
	s.pending = correlation.NewTable(correlation.WithDefaultTimeout(cfg.Router.ReplyTimeout))

	s.hub = transport.NewHub(
		transport.WithConfig(transport.Config{
			SendBufferSize: cfg.Transport.SendBuffer,
			WriteTimeout:   cfg.Transport.WriteTimeout,
			ReadTimeout:    cfg.Transport.ReadTimeout,
			MaxMessageSize: cfg.Transport.MaxMessageSize,
			PingInterval:   cfg.Transport.PingInterval,
			RateLimit:      cfg.Transport.RateLimit,
			RateWindow:     cfg.Transport.RateWindow,
		}),
		transport.WithLogger(s.logger),
	)

	routerOpts := []router.Option{
		router.WithLogger(s.logger),
		router.WithCorrelation(s.pending),
		router.WithServiceTimeout(cfg.Router.ServiceTimeout),
	}
	provider, err := telemetry.NewProvider(ctx, cfg, s.providerOpts...)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	if provider != nil {
		s.provider = provider
		routerOpts = append(routerOpts, router.WithTracer(provider.Tracer()))
	}
	s.router = router.New(s.participants, s.tasks, s.hub, routerOpts...)

	if err := s.wireSupport(); err != nil {
		s.Close(ctx)
		return nil, err
	}
	return s, nil
}

// wireSupport attaches the audit index, the event exporter and the bus
// mirror to the lifecycle event buses.
func (s *Server) wireSupport() error {
	cfg := s.config

	if cfg.Audit.Enabled {
		idx, err := audit.NewIndex(audit.WithLogger(s.logger))
		if err != nil {
			return err
		}
		s.audit = idx
		s.detach = append(s.detach, idx.Attach(s.taskEvents, s.participantEvents))
		if err := s.router.RegisterService(audit.ServiceName, idx.Serve); err != nil {
			return err
		}
	}

	exp, err := telemetry.NewExporter(cfg.Telemetry.EventProtocol, cfg.Telemetry.EventEndpoint,
		telemetry.WithExporterLogger(s.logger))
	if err != nil {
		return fmt.Errorf("event exporter: %w", err)
	}
	s.exporter = exp
	s.detach = append(s.detach, telemetry.Attach(exp, s.taskEvents, s.participantEvents))

	if s.bus == nil {
		switch cfg.Bus.Backend {
		case config.BusMemory:
			s.bus = bus.NewMemoryBus(bus.DefaultConfig())
			s.ownsBus = true
		case config.BusNATS:
			natsCfg := bus.DefaultNATSConfig()
			natsCfg.URL = cfg.Bus.URL
			if cfg.Bus.Name != "" {
				natsCfg.Name = cfg.Bus.Name
			}
			nb, err := bus.NewNATSBus(natsCfg)
			if err != nil {
				return err
			}
			s.bus = nb
			s.ownsBus = true
		}
	}
	if s.bus == nil {
		return nil
	}

	prefix := cfg.Bus.Prefix
	onError := func(subject string, err error) {
		s.logger.Warn("event mirror publish failed", map[string]interface{}{"subject": subject, "error": err.Error()})
	}
	s.detach = append(s.detach,
		events.Forward(s.taskEvents, s.bus, prefix, onError),
		events.Forward(s.participantEvents, s.bus, prefix, onError),
	)

	q, err := startQueryResponder(s.bus, prefix, s.participants, s.tasks, s.logger)
	if err != nil {
		return err
	}
	s.query = q
	return nil
}

// Router returns the message router.
func (s *Server) Router() *router.Router { return s.router }

// Participants returns the connection registry.
func (s *Server) Participants() *registry.MemoryRegistry { return s.participants }

// Tasks returns the task registry.
func (s *Server) Tasks() *tasks.Manager { return s.tasks }

// Audit returns the audit index, or nil when disabled.
func (s *Server) Audit() *audit.Index { return s.audit }

// Bus returns the event mirror bus, or nil when mirroring is off.
func (s *Server) Bus() bus.MessageBus { return s.bus }

// Run listens on every configured address until ctx ends or a listener
// fails. An empty service address leaves the service endpoint closed.
func (s *Server) Run(ctx context.Context) error {
	listeners := make(map[registry.Role]net.Listener)
	addrs := map[registry.Role]string{
		registry.RoleAgent:   s.config.Listen.Agent,
		registry.RoleClient:  s.config.Listen.Client,
		registry.RoleService: s.config.Listen.Service,
	}
	for role, addr := range addrs {
		if addr == "" {
			continue
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, open := range listeners {
				open.Close()
			}
			return fmt.Errorf("listen %s (%s): %w", addr, role, err)
		}
		listeners[role] = ln
	}
	return s.Serve(ctx, listeners)
}

// Serve accepts connections on the given listeners, one per role.
func (s *Server) Serve(ctx context.Context, listeners map[registry.Role]net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(listeners))
	for role, ln := range listeners {
		s.logger.Info("listening", map[string]interface{}{"role": string(role), "addr": ln.Addr().String()})
		go func(role registry.Role, ln net.Listener) {
			errCh <- s.hub.Serve(ctx, ln, role, s.router)
		}(role, ln)
	}

	var first error
	for range listeners {
		if err := <-errCh; err != nil && first == nil {
			first = err
			cancel()
		}
	}
	return first
}

// RegisterShutdown adds the server's teardown to coord, phase by phase.
func (s *Server) RegisterShutdown(coord *shutdown.Coordinator) {
	coord.RegisterFunc("transport", shutdown.PhaseTransport, s.hub.Close)
	coord.RegisterFunc("router", shutdown.PhaseRouter, s.router.Close)
	coord.RegisterFunc("support", shutdown.PhaseFlush, s.closeSupport)
}

// Close tears everything down in shutdown order.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	if err := s.hub.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("transport: %w", err))
	}
	if err := s.router.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("router: %w", err))
	}
	if err := s.closeSupport(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Server) closeSupport(ctx context.Context) error {
	var errs []error
	s.closeOnce.Do(func() {
		for _, d := range s.detach {
			d()
		}
		if s.query != nil {
			s.query.stop()
		}
		if s.bus != nil && s.ownsBus {
			if err := s.bus.Close(); err != nil {
				errs = append(errs, fmt.Errorf("bus: %w", err))
			}
		}
		if s.audit != nil {
			if err := s.audit.Close(); err != nil {
				errs = append(errs, fmt.Errorf("audit: %w", err))
			}
		}
		if s.exporter != nil {
			if err := s.exporter.Close(); err != nil {
				errs = append(errs, fmt.Errorf("event export: %w", err))
			}
		}
		if s.provider != nil {
			if err := s.provider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracing: %w", err))
			}
		}
		s.taskEvents.Close()
		s.participantEvents.Close()
	})
	return errors.Join(errs...)
}
