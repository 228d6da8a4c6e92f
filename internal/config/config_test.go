// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "gateway.yaml", `
server:
  http_addr: "0.0.0.0:18789"
  ws_path: "/gateway"
  write_timeout: "5s"
  outbound_queue: 64

database:
  path: "./test.db"

auth:
  token: "shared-secret"
  allow_legacy_device_auth: true
  signature_skew: "2m"
  role_scopes:
    operator: ["operator.admin"]
    node: ["operator.read"]
  devices:
    3f1a9c:
      role: "node"
      scopes: ["operator.read"]

handshake:
  challenge_ttl: "45s"
  timeout: "15s"
  max_attempts: 5

runs:
  request_timeout: "1m"
  cancel_on_disconnect: true

agents:
  echo: ["support"]
  echo_delay: "10ms"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:18789" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:18789")
	}
	if cfg.Server.WSPath != "/gateway" {
		t.Errorf("Server.WSPath = %q, want %q", cfg.Server.WSPath, "/gateway")
	}
	if cfg.Server.WriteTimeout != 5*time.Second {
		t.Errorf("Server.WriteTimeout = %v, want %v", cfg.Server.WriteTimeout, 5*time.Second)
	}
	if cfg.Server.OutboundQueue != 64 {
		t.Errorf("Server.OutboundQueue = %d, want 64", cfg.Server.OutboundQueue)
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Auth.Token != "shared-secret" {
		t.Errorf("Auth.Token = %q, want %q", cfg.Auth.Token, "shared-secret")
	}
	if !cfg.Auth.AllowLegacyDeviceAuth {
		t.Error("Auth.AllowLegacyDeviceAuth = false, want true")
	}
	if cfg.Auth.SignatureSkew != 2*time.Minute {
		t.Errorf("Auth.SignatureSkew = %v, want %v", cfg.Auth.SignatureSkew, 2*time.Minute)
	}
	if got := cfg.Auth.RoleScopes["node"]; len(got) != 1 || got[0] != "operator.read" {
		t.Errorf("Auth.RoleScopes[node] = %v", got)
	}
	if dev, ok := cfg.Auth.Devices["3f1a9c"]; !ok || dev.Role != "node" || len(dev.Scopes) != 1 {
		t.Errorf("Auth.Devices = %+v", cfg.Auth.Devices)
	}
	if cfg.Handshake.ChallengeTTL != 45*time.Second {
		t.Errorf("Handshake.ChallengeTTL = %v, want %v", cfg.Handshake.ChallengeTTL, 45*time.Second)
	}
	if cfg.Handshake.Timeout != 15*time.Second {
		t.Errorf("Handshake.Timeout = %v, want %v", cfg.Handshake.Timeout, 15*time.Second)
	}
	if cfg.Handshake.MaxAttempts != 5 {
		t.Errorf("Handshake.MaxAttempts = %d, want 5", cfg.Handshake.MaxAttempts)
	}
	if cfg.Runs.RequestTimeout != time.Minute {
		t.Errorf("Runs.RequestTimeout = %v, want %v", cfg.Runs.RequestTimeout, time.Minute)
	}
	if !cfg.Runs.CancelOnDisconnect {
		t.Error("Runs.CancelOnDisconnect = false, want true")
	}
	if len(cfg.Agents.Echo) != 1 || cfg.Agents.Echo[0] != "support" {
		t.Errorf("Agents.Echo = %v", cfg.Agents.Echo)
	}
	if cfg.Agents.EchoDelay != 10*time.Millisecond {
		t.Errorf("Agents.EchoDelay = %v, want %v", cfg.Agents.EchoDelay, 10*time.Millisecond)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "gateway.toml", `
[server]
http_addr = "127.0.0.1:9000"

[database]
path = ":memory:"

[auth]
jwt_secret = "0123456789abcdef0123456789abcdef"

[handshake]
challenge_ttl = "20s"

[runs]
cancel_on_disconnect = true
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:9000" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Database.Path != ":memory:" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Handshake.ChallengeTTL != 20*time.Second {
		t.Errorf("Handshake.ChallengeTTL = %v, want 20s", cfg.Handshake.ChallengeTTL)
	}
	if !cfg.Runs.CancelOnDisconnect {
		t.Error("Runs.CancelOnDisconnect = false, want true")
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, "gateway.yaml", `
server:
  http_addr: "127.0.0.1:18789"
database:
  path: "gateway.db"
auth:
  token: "t"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"ws_path", cfg.Server.WSPath, "/ws"},
		{"max_message_bytes", cfg.Server.MaxMessageBytes, int64(1 << 20)},
		{"outbound_queue", cfg.Server.OutboundQueue, 256},
		{"write_timeout", cfg.Server.WriteTimeout, 10 * time.Second},
		{"signature_skew", cfg.Auth.SignatureSkew, 10 * time.Minute},
		{"challenge_ttl", cfg.Handshake.ChallengeTTL, 30 * time.Second},
		{"handshake timeout", cfg.Handshake.Timeout, 30 * time.Second},
		{"max_attempts", cfg.Handshake.MaxAttempts, 3},
		{"request_timeout", cfg.Runs.RequestTimeout, 30 * time.Second},
		{"tick_interval", cfg.Runs.TickInterval, 30 * time.Second},
		{"cancel_on_disconnect", cfg.Runs.CancelOnDisconnect, false},
		{"logging level", cfg.Logging.Level, "info"},
		{"logging format", cfg.Logging.Format, "text"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_GATEWAY_TOKEN", "from-env")
	t.Setenv("TEST_DB_PATH", "/tmp/env.db")

	configPath := writeConfig(t, "gateway.yaml", `
server:
  http_addr: "127.0.0.1:18789"
database:
  path: "${TEST_DB_PATH}"
auth:
  token: "${TEST_GATEWAY_TOKEN}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.Token != "from-env" {
		t.Errorf("Auth.Token = %q, want %q", cfg.Auth.Token, "from-env")
	}
	if cfg.Database.Path != "/tmp/env.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/env.db")
	}
}

func TestLoad_EnvVarExpansion_UnsetVarFailsValidation(t *testing.T) {
	configPath := writeConfig(t, "gateway.yaml", `
server:
  http_addr: "127.0.0.1:18789"
database:
  path: "gateway.db"
auth:
  token: "${TEST_SURELY_UNSET_TOKEN_VAR}"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for missing credential")
	}
	if !strings.Contains(err.Error(), "auth.token") {
		t.Errorf("error = %v, want mention of auth.token", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "gateway.yaml", "server: [unclosed")

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	tests := []struct {
		name    string
		content string
		field   string
	}{
		{
			name:    "bad challenge ttl",
			content: "handshake:\n  challenge_ttl: \"soon\"\n",
			field:   "handshake.challenge_ttl",
		},
		{
			name:    "negative request timeout",
			content: "runs:\n  request_timeout: \"-1s\"\n",
			field:   "runs.request_timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, "gateway.yaml", tt.content)
			_, err := Load(configPath)
			if err == nil {
				t.Fatal("Load() expected error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error = %v, want mention of %s", err, tt.field)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid with token", func(c *Config) { c.Auth.Token = "t" }, ""},
		{"valid device only", func(c *Config) {
			c.Auth.DeviceOnly = true
			c.Auth.Devices = map[string]DeviceConfig{"3f1a9c": {}}
		}, ""},
		{"device only without devices", func(c *Config) { c.Auth.DeviceOnly = true }, "auth.devices"},
		{"device with unknown role", func(c *Config) {
			c.Auth.Token = "t"
			c.Auth.RoleScopes = map[string][]string{"operator": {"operator.admin"}}
			c.Auth.Devices = map[string]DeviceConfig{"3f1a9c": {Role: "node"}}
		}, "unknown role"},
		{"no credential", func(c *Config) {}, "auth.token"},
		{"token and hash", func(c *Config) { c.Auth.Token = "t"; c.Auth.TokenHash = "h" }, "mutually exclusive"},
		{"short jwt secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "jwt_secret"},
		{"missing http addr", func(c *Config) { c.Auth.Token = "t"; c.Server.HTTPAddr = "" }, "server.http_addr"},
		{"tailscale without hostname", func(c *Config) {
			c.Auth.Token = "t"
			c.Server.HTTPAddr = ""
			c.Tailscale.Enabled = true
		}, "tailscale.hostname"},
		{"tailscale replaces http addr", func(c *Config) {
			c.Auth.Token = "t"
			c.Server.HTTPAddr = ""
			c.Tailscale.Enabled = true
			c.Tailscale.Hostname = "gateway"
		}, ""},
		{"relative ws path", func(c *Config) { c.Auth.Token = "t"; c.Server.WSPath = "ws" }, "ws_path"},
		{"missing database", func(c *Config) { c.Auth.Token = "t"; c.Database.Path = "" }, "database.path"},
		{"empty role scopes", func(c *Config) {
			c.Auth.Token = "t"
			c.Auth.RoleScopes = map[string][]string{"node": nil}
		}, "role_scopes"},
		{"bad log format", func(c *Config) { c.Auth.Token = "t"; c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR_A", "alpha")

	tests := []struct {
		input string
		want  string
	}{
		{"no vars", "no vars"},
		{"${TEST_VAR_A}", "alpha"},
		{"pre-${TEST_VAR_A}-post", "pre-alpha-post"},
		{"${TEST_UNSET_VAR_XYZ}", ""},
		{"$TEST_VAR_A", "$TEST_VAR_A"},
	}

	for _, tt := range tests {
		if got := expandEnvVars(tt.input); got != tt.want {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/agent-gateway/custom.yaml")
	if got := DefaultPath(); got != "/etc/agent-gateway/custom.yaml" {
		t.Errorf("DefaultPath() = %q", got)
	}

	t.Setenv(EnvConfigPath, "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := DefaultPath(); got != filepath.Join("/xdg", "agent-gateway", "gateway.yaml") {
		t.Errorf("DefaultPath() = %q", got)
	}
}
