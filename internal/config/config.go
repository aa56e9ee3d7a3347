package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	// DefaultAddr is the TCP address serving WebSocket and operational HTTP traffic.
	DefaultAddr = ":43127"
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 64 << 10
	// DefaultMaxClients bounds concurrent WebSocket connections. Zero disables the limit.
	DefaultMaxClients = 256
	// DefaultMaxPlayers bounds how many distinct players may join the world.
	DefaultMaxPlayers = 64

	// DefaultTickInterval is the wall-clock length of one simulation tick.
	DefaultTickInterval = 200 * time.Millisecond
	// DefaultMaxCatchUpTicks caps back-to-back ticks run under the catch-up policy.
	DefaultMaxCatchUpTicks = 4

	// DefaultLogLevel controls verbosity for engine logs.
	DefaultLogLevel = "info"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
)

// OverrunPolicy decides what the tick scheduler does with intervals missed by a slow tick.
type OverrunPolicy string

const (
	// OverrunDefer runs the next tick at the next interval boundary and drops the missed ones.
	OverrunDefer OverrunPolicy = "defer"
	// OverrunCatchUp replays missed intervals back to back, bounded by MaxCatchUpTicks.
	OverrunCatchUp OverrunPolicy = "catch_up"
)

// EmptyTickPolicy decides whether ticks without deltas are broadcast.
type EmptyTickPolicy string

const (
	EmptyTickHeartbeat EmptyTickPolicy = "heartbeat"
	EmptyTickSuppress  EmptyTickPolicy = "suppress"
)

// GRPCAuthMode selects how gRPC callers authenticate.
type GRPCAuthMode string

const (
	GRPCAuthModeNone         GRPCAuthMode = "none"
	GRPCAuthModeSharedSecret GRPCAuthMode = "shared_secret"
	GRPCAuthModeMTLS         GRPCAuthMode = "mtls"
)

// Config captures all runtime tunables for the engine process.
type Config struct {
	Address         string        `env:"ENGINE_ADDR" envDefault:":43127"`
	AllowedOrigins  []string      `env:"ENGINE_ALLOWED_ORIGINS" envSeparator:","`
	MaxPayloadBytes int64         `env:"ENGINE_MAX_PAYLOAD_BYTES" envDefault:"65536"`
	PingInterval    time.Duration `env:"ENGINE_PING_INTERVAL" envDefault:"30s"`
	MaxClients      int           `env:"ENGINE_MAX_CLIENTS" envDefault:"256"`
	MaxPlayers      int           `env:"ENGINE_MAX_PLAYERS" envDefault:"64"`
	TLSCertPath     string        `env:"ENGINE_TLS_CERT"`
	TLSKeyPath      string        `env:"ENGINE_TLS_KEY"`
	AuthSecret      string        `env:"ENGINE_AUTH_SECRET"`
	AdminToken      string        `env:"ENGINE_ADMIN_TOKEN"`
	AdminWindow     time.Duration `env:"ENGINE_ADMIN_WINDOW" envDefault:"1m"`
	AdminBurst      int           `env:"ENGINE_ADMIN_BURST" envDefault:"5"`

	TickInterval    time.Duration   `env:"ENGINE_TICK_INTERVAL" envDefault:"200ms"`
	OverrunPolicy   OverrunPolicy   `env:"ENGINE_OVERRUN_POLICY" envDefault:"defer"`
	MaxCatchUpTicks int             `env:"ENGINE_MAX_CATCH_UP" envDefault:"4"`
	EmptyTickPolicy EmptyTickPolicy `env:"ENGINE_EMPTY_TICKS" envDefault:"heartbeat"`
	BalancePath     string          `env:"ENGINE_BALANCE_PATH"`

	SubmitRate  float64 `env:"ENGINE_SUBMIT_RATE" envDefault:"10"`
	SubmitBurst int     `env:"ENGINE_SUBMIT_BURST" envDefault:"20"`

	GRPCAddress        string       `env:"ENGINE_GRPC_ADDR"`
	GRPCAuthMode       GRPCAuthMode `env:"ENGINE_GRPC_AUTH_MODE" envDefault:"none"`
	GRPCSharedSecret   string       `env:"ENGINE_GRPC_SHARED_SECRET"`
	GRPCServerCertPath string       `env:"ENGINE_GRPC_TLS_CERT"`
	GRPCServerKeyPath  string       `env:"ENGINE_GRPC_TLS_KEY"`
	GRPCClientCAPath   string       `env:"ENGINE_GRPC_CLIENT_CA"`

	ReplayDir     string        `env:"ENGINE_REPLAY_DIR"`
	ReplayMaxRuns int           `env:"ENGINE_REPLAY_MAX_RUNS" envDefault:"20"`
	ReplayMaxAge  time.Duration `env:"ENGINE_REPLAY_MAX_AGE" envDefault:"168h"`
	JournalPath   string        `env:"ENGINE_JOURNAL_PATH"`
	OTLPEndpoint  string        `env:"ENGINE_OTEL_ENDPOINT"`

	Logging LoggingConfig
}

// LoggingConfig captures structured logging options.
type LoggingConfig struct {
	Level      string `env:"ENGINE_LOG_LEVEL" envDefault:"info"`
	Path       string `env:"ENGINE_LOG_PATH" envDefault:"engine.log"`
	MaxSizeMB  int    `env:"ENGINE_LOG_MAX_SIZE_MB" envDefault:"100"`
	MaxBackups int    `env:"ENGINE_LOG_MAX_BACKUPS" envDefault:"10"`
	MaxAgeDays int    `env:"ENGINE_LOG_MAX_AGE_DAYS" envDefault:"7"`
	Compress   bool   `env:"ENGINE_LOG_COMPRESS" envDefault:"true"`
}

// Load reads the engine configuration from the environment and reports every invalid
// override in a single error.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalise() {
	c.Address = strings.TrimSpace(c.Address)
	c.TLSCertPath = strings.TrimSpace(c.TLSCertPath)
	c.TLSKeyPath = strings.TrimSpace(c.TLSKeyPath)
	c.AuthSecret = strings.TrimSpace(c.AuthSecret)
	c.AdminToken = strings.TrimSpace(c.AdminToken)
	c.BalancePath = strings.TrimSpace(c.BalancePath)
	c.GRPCAddress = strings.TrimSpace(c.GRPCAddress)
	c.ReplayDir = strings.TrimSpace(c.ReplayDir)
	c.JournalPath = strings.TrimSpace(c.JournalPath)
	c.OverrunPolicy = OverrunPolicy(strings.ToLower(strings.TrimSpace(string(c.OverrunPolicy))))
	c.EmptyTickPolicy = EmptyTickPolicy(strings.ToLower(strings.TrimSpace(string(c.EmptyTickPolicy))))
	c.GRPCAuthMode = GRPCAuthMode(strings.ToLower(strings.TrimSpace(string(c.GRPCAuthMode))))
	origins := c.AllowedOrigins[:0]
	for _, origin := range c.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		origins = nil
	}
	c.AllowedOrigins = origins
}

// Validate collects every invalid setting into one error.
func (c *Config) Validate() error {
	var problems []string
	if c.Address == "" {
		problems = append(problems, "ENGINE_ADDR must not be empty")
	}
	if c.MaxPayloadBytes <= 0 {
		problems = append(problems, fmt.Sprintf("ENGINE_MAX_PAYLOAD_BYTES must be positive, got %d", c.MaxPayloadBytes))
	}
	if c.PingInterval <= 0 {
		problems = append(problems, fmt.Sprintf("ENGINE_PING_INTERVAL must be a positive duration, got %v", c.PingInterval))
	}
	if c.MaxClients < 0 {
		problems = append(problems, fmt.Sprintf("ENGINE_MAX_CLIENTS must be non-negative, got %d", c.MaxClients))
	}
	if c.MaxPlayers <= 0 {
		problems = append(problems, fmt.Sprintf("ENGINE_MAX_PLAYERS must be positive, got %d", c.MaxPlayers))
	}
	if c.TickInterval <= 0 {
		problems = append(problems, fmt.Sprintf("ENGINE_TICK_INTERVAL must be a positive duration, got %v", c.TickInterval))
	}
	switch c.OverrunPolicy {
	case OverrunDefer, OverrunCatchUp:
	default:
		problems = append(problems, fmt.Sprintf("ENGINE_OVERRUN_POLICY must be %q or %q, got %q", OverrunDefer, OverrunCatchUp, c.OverrunPolicy))
	}
	if c.MaxCatchUpTicks <= 0 {
		problems = append(problems, fmt.Sprintf("ENGINE_MAX_CATCH_UP must be positive, got %d", c.MaxCatchUpTicks))
	}
	switch c.EmptyTickPolicy {
	case EmptyTickHeartbeat, EmptyTickSuppress:
	default:
		problems = append(problems, fmt.Sprintf("ENGINE_EMPTY_TICKS must be %q or %q, got %q", EmptyTickHeartbeat, EmptyTickSuppress, c.EmptyTickPolicy))
	}
	if c.SubmitRate <= 0 {
		problems = append(problems, fmt.Sprintf("ENGINE_SUBMIT_RATE must be positive, got %v", c.SubmitRate))
	}
	if c.SubmitBurst <= 0 {
		problems = append(problems, fmt.Sprintf("ENGINE_SUBMIT_BURST must be positive, got %d", c.SubmitBurst))
	}
	if c.AdminWindow <= 0 || c.AdminBurst <= 0 {
		problems = append(problems, "ENGINE_ADMIN_WINDOW and ENGINE_ADMIN_BURST must be positive")
	}
	if c.ReplayMaxRuns < 0 || c.ReplayMaxAge < 0 {
		problems = append(problems, "replay retention settings must be non-negative")
	}
	if (c.TLSCertPath == "") != (c.TLSKeyPath == "") {
		problems = append(problems, "ENGINE_TLS_CERT and ENGINE_TLS_KEY must be provided together")
	}
	switch c.GRPCAuthMode {
	case GRPCAuthModeNone:
	case GRPCAuthModeSharedSecret:
		if strings.TrimSpace(c.GRPCSharedSecret) == "" {
			problems = append(problems, "ENGINE_GRPC_SHARED_SECRET is required for shared_secret auth")
		}
	case GRPCAuthModeMTLS:
		if c.GRPCServerCertPath == "" || c.GRPCServerKeyPath == "" || c.GRPCClientCAPath == "" {
			problems = append(problems, "ENGINE_GRPC_TLS_CERT, ENGINE_GRPC_TLS_KEY and ENGINE_GRPC_CLIENT_CA are required for mtls auth")
		}
	default:
		problems = append(problems, fmt.Sprintf("ENGINE_GRPC_AUTH_MODE must be none, shared_secret or mtls, got %q", c.GRPCAuthMode))
	}
	if c.Logging.MaxSizeMB <= 0 {
		problems = append(problems, fmt.Sprintf("ENGINE_LOG_MAX_SIZE_MB must be positive, got %d", c.Logging.MaxSizeMB))
	}
	if c.Logging.MaxBackups < 0 || c.Logging.MaxAgeDays < 0 {
		problems = append(problems, "ENGINE_LOG_MAX_BACKUPS and ENGINE_LOG_MAX_AGE_DAYS must be non-negative")
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}
