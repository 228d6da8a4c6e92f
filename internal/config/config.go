// ABOUTME: Configuration loading and parsing for agent-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides the config path.
const EnvConfigPath = "AGENT_GATEWAY_CONFIG"

// Config represents the complete agent-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Handshake HandshakeConfig `yaml:"handshake" toml:"handshake"`
	Runs      RunsConfig      `yaml:"runs" toml:"runs"`
	Agents    AgentsConfig    `yaml:"agents" toml:"agents"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds listener and per-connection transport settings
type ServerConfig struct {
	HTTPAddr        string `yaml:"http_addr" toml:"http_addr"`
	WSPath          string `yaml:"ws_path" toml:"ws_path"`
	MaxMessageBytes int64  `yaml:"max_message_bytes" toml:"max_message_bytes"`
	OutboundQueue   int    `yaml:"outbound_queue" toml:"outbound_queue"`

	WriteTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	WriteTimeoutRaw string `yaml:"write_timeout" toml:"write_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds credential configuration for the connect handshake
type AuthConfig struct {
	// Token is the shared gateway token in plain form.
	Token string `yaml:"token" toml:"token"`
	// TokenHash is a bcrypt hash of the shared gateway token.
	TokenHash string `yaml:"token_hash" toml:"token_hash"`
	// JWTSecret verifies tenant-scoped bearer tokens. At least 32 bytes.
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	// DeviceOnly allows running with no token credential at all. Only devices
	// listed in Devices can connect then.
	DeviceOnly            bool                `yaml:"device_only" toml:"device_only"`
	AllowLegacyDeviceAuth bool                `yaml:"allow_legacy_device_auth" toml:"allow_legacy_device_auth"`
	RoleScopes            map[string][]string `yaml:"role_scopes" toml:"role_scopes"`
	// Devices lists device ids allowed to connect with a signature alone.
	// Other devices must present a token alongside their signature.
	Devices map[string]DeviceConfig `yaml:"devices" toml:"devices"`

	SignatureSkew time.Duration `yaml:"-" toml:"-"`

	SignatureSkewRaw string `yaml:"signature_skew" toml:"signature_skew"`
}

// DeviceConfig limits what an approved device may do on its own
type DeviceConfig struct {
	Role   string   `yaml:"role" toml:"role"`
	Scopes []string `yaml:"scopes" toml:"scopes"`
}

// HandshakeConfig holds challenge and connect timing
type HandshakeConfig struct {
	MaxAttempts   int `yaml:"max_attempts" toml:"max_attempts"`
	NonceCapacity int `yaml:"nonce_capacity" toml:"nonce_capacity"`

	ChallengeTTL time.Duration `yaml:"-" toml:"-"`
	Timeout      time.Duration `yaml:"-" toml:"-"`

	ChallengeTTLRaw string `yaml:"challenge_ttl" toml:"challenge_ttl"`
	TimeoutRaw      string `yaml:"timeout" toml:"timeout"`
}

// RunsConfig holds request and run policy
type RunsConfig struct {
	CancelOnDisconnect bool `yaml:"cancel_on_disconnect" toml:"cancel_on_disconnect"`

	RequestTimeout time.Duration `yaml:"-" toml:"-"`
	TickInterval   time.Duration `yaml:"-" toml:"-"`

	RequestTimeoutRaw string `yaml:"request_timeout" toml:"request_timeout"`
	TickIntervalRaw   string `yaml:"tick_interval" toml:"tick_interval"`
}

// AgentsConfig configures the built-in executors
type AgentsConfig struct {
	// Echo lists agent ids served by the echo executor in addition to the default.
	Echo []string `yaml:"echo" toml:"echo"`

	EchoDelay time.Duration `yaml:"-" toml:"-"`

	EchoDelayRaw string `yaml:"echo_delay" toml:"echo_delay"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration with every default applied and no credential set.
func Default() *Config {
	cfg := &Config{
		Server:   ServerConfig{HTTPAddr: "127.0.0.1:18789"},
		Database: DatabaseConfig{Path: "gateway.db"},
	}
	applyDefaults(cfg)
	return cfg
}

// DefaultPath returns the config file location: $AGENT_GATEWAY_CONFIG, else
// $XDG_CONFIG_HOME/agent-gateway/gateway.yaml, else ~/.config/agent-gateway/gateway.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "agent-gateway", "gateway.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Server.WSPath == "" {
		cfg.Server.WSPath = "/ws"
	}
	if cfg.Server.MaxMessageBytes == 0 {
		cfg.Server.MaxMessageBytes = 1 << 20
	}
	if cfg.Server.OutboundQueue == 0 {
		cfg.Server.OutboundQueue = 256
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Auth.SignatureSkew == 0 {
		cfg.Auth.SignatureSkew = 10 * time.Minute
	}
	if cfg.Handshake.ChallengeTTL == 0 {
		cfg.Handshake.ChallengeTTL = 30 * time.Second
	}
	if cfg.Handshake.Timeout == 0 {
		cfg.Handshake.Timeout = 30 * time.Second
	}
	if cfg.Handshake.MaxAttempts == 0 {
		cfg.Handshake.MaxAttempts = 3
	}
	if cfg.Handshake.NonceCapacity == 0 {
		cfg.Handshake.NonceCapacity = 10000
	}
	if cfg.Runs.RequestTimeout == 0 {
		cfg.Runs.RequestTimeout = 30 * time.Second
	}
	if cfg.Runs.TickInterval == 0 {
		cfg.Runs.TickInterval = 30 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return fmt.Errorf("server.ws_path must start with /, got %q", c.Server.WSPath)
	}
	if c.Server.OutboundQueue < 1 {
		return errors.New("server.outbound_queue must be at least 1")
	}

	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}

	if c.Auth.Token == "" && c.Auth.TokenHash == "" && c.Auth.JWTSecret == "" && !c.Auth.DeviceOnly {
		return errors.New("one of auth.token, auth.token_hash or auth.jwt_secret is required (or set auth.device_only)")
	}
	if c.Auth.Token != "" && c.Auth.TokenHash != "" {
		return errors.New("auth.token and auth.token_hash are mutually exclusive")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return errors.New("auth.jwt_secret must be at least 32 bytes")
	}
	if c.Auth.DeviceOnly && c.Auth.Token == "" && c.Auth.TokenHash == "" && c.Auth.JWTSecret == "" && len(c.Auth.Devices) == 0 {
		return errors.New("auth.device_only needs at least one entry in auth.devices")
	}
	for id, dev := range c.Auth.Devices {
		if id == "" {
			return errors.New("auth.devices: device id must not be empty")
		}
		if dev.Role != "" && c.Auth.RoleScopes != nil {
			if _, ok := c.Auth.RoleScopes[dev.Role]; !ok {
				return fmt.Errorf("auth.devices: device %q has unknown role %q", id, dev.Role)
			}
		}
	}
	for role, scopes := range c.Auth.RoleScopes {
		if role == "" || len(scopes) == 0 {
			return fmt.Errorf("auth.role_scopes: role %q needs at least one scope", role)
		}
	}

	if c.Handshake.MaxAttempts < 1 {
		return errors.New("handshake.max_attempts must be at least 1")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.write_timeout", cfg.Server.WriteTimeoutRaw, &cfg.Server.WriteTimeout},
		{"auth.signature_skew", cfg.Auth.SignatureSkewRaw, &cfg.Auth.SignatureSkew},
		{"handshake.challenge_ttl", cfg.Handshake.ChallengeTTLRaw, &cfg.Handshake.ChallengeTTL},
		{"handshake.timeout", cfg.Handshake.TimeoutRaw, &cfg.Handshake.Timeout},
		{"runs.request_timeout", cfg.Runs.RequestTimeoutRaw, &cfg.Runs.RequestTimeout},
		{"runs.tick_interval", cfg.Runs.TickIntervalRaw, &cfg.Runs.TickInterval},
		{"agents.echo_delay", cfg.Agents.EchoDelayRaw, &cfg.Agents.EchoDelay},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("parsing %s %q: must not be negative", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
