// orchestrator runs the swarm orchestrator: it accepts agent, client and
// service WebSocket connections, routes tasks between them and serves the
// built-in audit service.
//
// Settings come from defaults, then the --config file (TOML or YAML), then
// SWARM_* environment variables, then command-line flags.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/codeboltai/agentswarmprotocol-sub005/config"
	"github.com/codeboltai/agentswarmprotocol-sub005/logging"
	"github.com/codeboltai/agentswarmprotocol-sub005/orchestrator"
	"github.com/codeboltai/agentswarmprotocol-sub005/shutdown"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	configPath  string
	agentAddr   string
	clientAddr  string
	serviceAddr string
	logLevel    string
	busBackend  string
	natsURL     string
}

func run(args []string) error {
	var f flags
	flagSet := pflag.NewFlagSet("orchestrator", pflag.ContinueOnError)
	flagSet.StringVarP(&f.configPath, "config", "c", "", "path to a TOML or YAML config file")
	flagSet.StringVar(&f.agentAddr, "agent-addr", "", "listen address for agents (default :3000)")
	flagSet.StringVar(&f.clientAddr, "client-addr", "", "listen address for clients (default :3001)")
	flagSet.StringVar(&f.serviceAddr, "service-addr", "", "listen address for services; empty disables (default :3002)")
	flagSet.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	flagSet.StringVar(&f.busBackend, "bus", "", "event mirror: memory, nats or none")
	flagSet.StringVar(&f.natsURL, "nats-url", "", "NATS server URL for --bus=nats")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	cfg, err := loadConfig(flagSet, &f)
	if err != nil {
		return err
	}

	logger := logging.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := orchestrator.New(ctx, cfg, orchestrator.WithLogger(logger))
	if err != nil {
		return err
	}

	coord := shutdown.NewCoordinator(shutdown.DefaultConfig(), shutdown.WithLogger(logger))
	srv.RegisterShutdown(coord)
	coord.HandleSignals(ctx)

	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(ctx) }()

	select {
	case <-coord.Done():
		cancel()
		<-runErr
	case err = <-runErr:
		// A listener failed; cancelling ctx starts the shutdown.
		cancel()
		<-coord.Done()
	}
	if err != nil {
		return err
	}
	if sdErr := coord.Err(); sdErr != nil {
		return fmt.Errorf("shutdown: %w (handlers: %v)", sdErr, coord.Result().FailedHandlers())
	}
	return nil
}

// loadConfig layers the config file, the environment and explicitly set
// flags over the defaults.
func loadConfig(flagSet *pflag.FlagSet, f *flags) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	overrides := []struct {
		name string
		dst  *string
		val  string
	}{
		{"agent-addr", &cfg.Listen.Agent, f.agentAddr},
		{"client-addr", &cfg.Listen.Client, f.clientAddr},
		{"service-addr", &cfg.Listen.Service, f.serviceAddr},
		{"log-level", &cfg.Log.Level, f.logLevel},
		{"bus", &cfg.Bus.Backend, f.busBackend},
		{"nats-url", &cfg.Bus.URL, f.natsURL},
	}
	for _, o := range overrides {
		if flagSet.Changed(o.name) {
			*o.dst = o.val
		}
	}
	return cfg, nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Swarm orchestrator: routes tasks between agents, clients and services.

Settings are layered: defaults, --config file, SWARM_* environment
variables, then flags.

Usage:
  orchestrator [flags]

Flags:
%s`, flagSet.FlagUsages())
}
