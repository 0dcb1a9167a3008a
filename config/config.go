// Package config loads orchestrator settings from TOML or YAML files and
// SWARM_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the complete orchestrator configuration.
type Config struct {
	Listen    ListenConfig    `toml:"listen" yaml:"listen"`
	Router    RouterConfig    `toml:"router" yaml:"router"`
	Transport TransportConfig `toml:"transport" yaml:"transport"`
	Bus       BusConfig       `toml:"bus" yaml:"bus"`
	Telemetry TelemetryConfig `toml:"telemetry" yaml:"telemetry"`
	Audit     AuditConfig     `toml:"audit" yaml:"audit"`
	Log       LogConfig       `toml:"log" yaml:"log"`
}

// ListenConfig holds one listen address per participant role. An empty
// service address disables the service endpoint.
type ListenConfig struct {
	Agent   string `toml:"agent" yaml:"agent"`
	Client  string `toml:"client" yaml:"client"`
	Service string `toml:"service" yaml:"service"`
}

// RouterConfig tunes request handling.
type RouterConfig struct {
	// ServiceTimeout bounds service calls that name no timeout.
	ServiceTimeout time.Duration `toml:"service_timeout" yaml:"service_timeout"`

	// ReplyTimeout is the correlation table's default deadline.
	ReplyTimeout time.Duration `toml:"reply_timeout" yaml:"reply_timeout"`
}

// TransportConfig tunes WebSocket connections.
type TransportConfig struct {
	WriteTimeout   time.Duration `toml:"write_timeout" yaml:"write_timeout"`
	ReadTimeout    time.Duration `toml:"read_timeout" yaml:"read_timeout"`
	PingInterval   time.Duration `toml:"ping_interval" yaml:"ping_interval"`
	MaxMessageSize int64         `toml:"max_message_size" yaml:"max_message_size"`
	SendBuffer     int           `toml:"send_buffer" yaml:"send_buffer"`
	RateLimit      int           `toml:"rate_limit" yaml:"rate_limit"`
	RateWindow     time.Duration `toml:"rate_window" yaml:"rate_window"`
}

// Bus backends.
const (
	BusNone   = "none"
	BusMemory = "memory"
	BusNATS   = "nats"
)

// BusConfig selects where lifecycle events are mirrored.
type BusConfig struct {
	Backend string `toml:"backend" yaml:"backend"`
	URL     string `toml:"url" yaml:"url"`
	Prefix  string `toml:"prefix" yaml:"prefix"`
	Name    string `toml:"name" yaml:"name"`
}

// TelemetryConfig configures tracing and lifecycle event export.
type TelemetryConfig struct {
	// TraceEndpoint enables OTLP tracing when set.
	TraceEndpoint string `toml:"trace_endpoint" yaml:"trace_endpoint"`
	TraceProtocol string `toml:"trace_protocol" yaml:"trace_protocol"` // grpc | http
	Insecure      bool   `toml:"insecure" yaml:"insecure"`
	Debug         bool   `toml:"debug" yaml:"debug"`

	// ServiceName names this orchestrator in traces.
	ServiceName   string            `toml:"service_name" yaml:"service_name"`
	TraceHeaders  map[string]string `toml:"trace_headers" yaml:"trace_headers"`
	ExportTimeout time.Duration     `toml:"export_timeout" yaml:"export_timeout"`

	// EventProtocol exports lifecycle events: noop, http or file.
	EventProtocol string `toml:"event_protocol" yaml:"event_protocol"`
	EventEndpoint string `toml:"event_endpoint" yaml:"event_endpoint"`
}

// AuditConfig controls the audit index and its built-in service.
type AuditConfig struct {
	Enabled bool `toml:"enabled" yaml:"enabled"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `toml:"level" yaml:"level"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			Agent:   ":3000",
			Client:  ":3001",
			Service: ":3002",
		},
		Router: RouterConfig{
			ServiceTimeout: 30 * time.Second,
			ReplyTimeout:   30 * time.Second,
		},
		Transport: TransportConfig{
			WriteTimeout:   10 * time.Second,
			PingInterval:   30 * time.Second,
			MaxMessageSize: 1024 * 1024,
			SendBuffer:     100,
			RateWindow:     time.Second,
		},
		Bus: BusConfig{
			Backend: BusMemory,
			Prefix:  "swarm",
			Name:    "swarm-orchestrator",
		},
		Telemetry: TelemetryConfig{
			TraceProtocol: "grpc",
			EventProtocol: "noop",
		},
		Audit: AuditConfig{Enabled: true},
		Log:   LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults. The format follows the extension:
// .toml, .yaml or .yml.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("parse %s: unknown key %s", path, undecoded[0])
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	return cfg, nil
}

// ApplyEnv overrides settings from SWARM_* environment variables.
func (c *Config) ApplyEnv() error {
	return c.applyEnv(os.Getenv)
}

func (c *Config) applyEnv(getenv func(string) string) error {
	strs := map[string]*string{
		"SWARM_AGENT_ADDR":      &c.Listen.Agent,
		"SWARM_CLIENT_ADDR":     &c.Listen.Client,
		"SWARM_SERVICE_ADDR":    &c.Listen.Service,
		"SWARM_BUS":             &c.Bus.Backend,
		"SWARM_NATS_URL":        &c.Bus.URL,
		"SWARM_BUS_PREFIX":      &c.Bus.Prefix,
		"SWARM_OTLP_ENDPOINT":   &c.Telemetry.TraceEndpoint,
		"SWARM_OTLP_PROTOCOL":   &c.Telemetry.TraceProtocol,
		"SWARM_EVENTS_PROTOCOL": &c.Telemetry.EventProtocol,
		"SWARM_EVENTS_ENDPOINT": &c.Telemetry.EventEndpoint,
		"SWARM_SERVICE_NAME":    &c.Telemetry.ServiceName,
		"SWARM_LOG_LEVEL":       &c.Log.Level,
	}
	for key, dst := range strs {
		if v, ok := lookup(getenv, key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"SWARM_SERVICE_TIMEOUT": &c.Router.ServiceTimeout,
		"SWARM_REPLY_TIMEOUT":   &c.Router.ReplyTimeout,
		"SWARM_RATE_WINDOW":     &c.Transport.RateWindow,
	}
	for key, dst := range durations {
		if v, ok := lookup(getenv, key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}

	if v, ok := lookup(getenv, "SWARM_RATE_LIMIT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SWARM_RATE_LIMIT: %w", err)
		}
		c.Transport.RateLimit = n
	}
	if v, ok := lookup(getenv, "SWARM_AUDIT"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SWARM_AUDIT: %w", err)
		}
		c.Audit.Enabled = b
	}
	return nil
}

func lookup(getenv func(string) string, key string) (string, bool) {
	v := strings.TrimSpace(getenv(key))
	return v, v != ""
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Listen.Agent == "" {
		return fmt.Errorf("listen.agent is required")
	}
	if c.Listen.Client == "" {
		return fmt.Errorf("listen.client is required")
	}
	if c.Router.ServiceTimeout <= 0 {
		return fmt.Errorf("router.service_timeout must be positive")
	}
	if c.Router.ReplyTimeout <= 0 {
		return fmt.Errorf("router.reply_timeout must be positive")
	}
	if c.Transport.WriteTimeout <= 0 {
		return fmt.Errorf("transport.write_timeout must be positive")
	}
	if c.Transport.ReadTimeout < 0 || c.Transport.PingInterval < 0 {
		return fmt.Errorf("transport timeouts must not be negative")
	}
	if c.Transport.ReadTimeout > 0 && c.Transport.PingInterval >= c.Transport.ReadTimeout {
		return fmt.Errorf("transport.ping_interval must be shorter than transport.read_timeout")
	}
	if c.Transport.MaxMessageSize <= 0 {
		return fmt.Errorf("transport.max_message_size must be positive")
	}
	if c.Transport.SendBuffer <= 0 {
		return fmt.Errorf("transport.send_buffer must be positive")
	}
	if c.Transport.RateLimit < 0 {
		return fmt.Errorf("transport.rate_limit must not be negative")
	}
	if c.Transport.RateLimit > 0 && c.Transport.RateWindow <= 0 {
		return fmt.Errorf("transport.rate_window must be positive when rate_limit is set")
	}

	switch c.Bus.Backend {
	case BusNone, BusMemory:
	case BusNATS:
		if c.Bus.URL == "" {
			return fmt.Errorf("bus.url is required for the nats backend")
		}
	default:
		return fmt.Errorf("unknown bus.backend %q", c.Bus.Backend)
	}

	if c.Telemetry.TraceEndpoint != "" {
		switch c.Telemetry.TraceProtocol {
		case "grpc", "http":
		default:
			return fmt.Errorf("unknown telemetry.trace_protocol %q", c.Telemetry.TraceProtocol)
		}
	}
	switch c.Telemetry.EventProtocol {
	case "", "noop":
	case "http", "file":
		if c.Telemetry.EventEndpoint == "" {
			return fmt.Errorf("telemetry.event_endpoint is required for %s export", c.Telemetry.EventProtocol)
		}
	default:
		return fmt.Errorf("unknown telemetry.event_protocol %q", c.Telemetry.EventProtocol)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log.level %q", c.Log.Level)
	}
	return nil
}
