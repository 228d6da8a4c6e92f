// ABOUTME: Entry point for the agent-gateway server
// ABOUTME: Subcommands to serve, write a config, inspect a gateway, and mint keys and tokens

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/agent-gateway/internal/auth"
	"github.com/2389/agent-gateway/internal/client"
	"github.com/2389/agent-gateway/internal/config"
	"github.com/2389/agent-gateway/internal/gateway"
	"github.com/2389/agent-gateway/internal/protocol"
	"github.com/2389/agent-gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                          _                     _
  __ _  __ _  ___ _ __ | |_      __ _  __ _| |_ _____      ____ _ _   _
 / _' |/ _' |/ _ \ '_ \| __|____/ _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| (_| | (_| |  __/ | | | ||_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \__,_|\__, |\___|_| |_|\__|     \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
       |___/                     |___/                             |___/
`

// getDataPath returns the path to the agent-gateway data directory.
// Priority: XDG_DATA_HOME/agent-gateway > ~/.local/share/agent-gateway
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "agent-gateway")
}

func usage() {
	fmt.Println("Usage: agent-gateway <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the gateway server")
	fmt.Println("  init      Create a new config file interactively")
	fmt.Println("  health    Check gateway health")
	fmt.Println("  status    Show connections and runs of a running gateway")
	fmt.Println("  audit     List connection audit entries from the database")
	fmt.Println("  keygen    Generate a device key for clients")
	fmt.Println("  token     Issue a JWT signed with the configured secret")
	fmt.Println("  hash      Print a bcrypt hash of a shared token for auth.token_hash")
	fmt.Println()
	fmt.Println("Run 'agent-gateway <command> --help' for command flags.")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "init":
		err = runInit(args)
	case "health":
		err = runHealth(ctx, args)
	case "status":
		err = runStatus(ctx, args)
	case "audit":
		err = runAudit(ctx, args)
	case "keygen":
		err = runKeygen(args)
	case "token":
		err = runToken(args)
	case "hash":
		err = runHash(args)
	case "version", "--version":
		fmt.Println(version)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newFlagSet creates a subcommand flag set with the shared --config flag.
func newFlagSet(name string) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet("agent-gateway "+name, pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", config.DefaultPath(), "path to the config file ($"+config.EnvConfigPath+")")
	return fs, configPath
}

func runServe(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("serve")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", *configPath)
	green.Print("    ▶ ")
	fmt.Printf("WebSocket: ws://%s%s\n", cfg.Server.HTTPAddr, cfg.Server.WSPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Auth:      %s\n", describeAuth(cfg.Auth))

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.AllowLegacyDeviceAuth {
		yellow.Println("    ! legacy device auth (v1) is enabled")
	}

	fmt.Println()

	logger.Info("starting agent-gateway",
		"config", *configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"ws_path", cfg.Server.WSPath,
	)

	gateway.Version = version
	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// describeAuth lists the enabled credential kinds.
func describeAuth(a config.AuthConfig) string {
	kinds := []string{"device"}
	switch {
	case a.TokenHash != "":
		kinds = append(kinds, "token (hashed)")
	case a.Token != "":
		kinds = append(kinds, "token")
	}
	if a.JWTSecret != "" {
		kinds = append(kinds, "jwt")
	}
	return strings.Join(kinds, ", ")
}

func runHealth(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("health")
	ready := fs.Bool("ready", false, "query readiness instead of liveness")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	path := "/health"
	if *ready {
		path = "/health/ready"
	}
	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if *ready {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println("healthy")
	return nil
}

// runStatus connects over WebSocket with the configured shared token.
func runStatus(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("status")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return errors.New("status needs auth.token in the config")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, client.Options{
		URL:    fmt.Sprintf("ws://%s%s", cfg.Server.HTTPAddr, cfg.Server.WSPath),
		Token:  cfg.Auth.Token,
		Client: protocol.ClientInfo{ID: "agent-gateway-status", Version: version, Platform: "cli", Mode: "cli"},
		Role:   protocol.RoleOperator,
		Scopes: []string{protocol.ScopeRead},
	})
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer c.Close()

	status, err := c.Status(ctx)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	cyan := color.New(color.FgCyan)
	cyan.Println("  Gateway")
	cyan.Println("  -------")
	fmt.Printf("  Server:      %s\n", c.Hello().Server.Version)
	fmt.Printf("  Protocol:    %d\n", status.Protocol)
	fmt.Printf("  Uptime:      %s\n", (time.Duration(status.UptimeMs) * time.Millisecond).Round(time.Second))
	fmt.Printf("  Connections: %d\n", status.Connections)
	fmt.Println()
	cyan.Println("  Runs in memory")
	cyan.Println("  --------------")
	for _, s := range []string{protocol.StatusAccepted, protocol.StatusRunning, protocol.StatusCompleted, protocol.StatusErrored} {
		fmt.Printf("  %-10s %d\n", s+":", status.Runs[s])
	}
	return nil
}

func runAudit(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("audit")
	connID := fs.String("conn", "", "only entries for this connection id")
	subject := fs.String("subject", "", "only entries for this subject, e.g. token or device:<id>")
	action := fs.String("action", "", "only this action: "+joinActions())
	since := fs.Duration("since", 0, "only entries newer than this, e.g. 1h")
	limit := fs.IntP("limit", "n", 50, "maximum entries to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	filter := store.AuditFilter{Limit: *limit}
	if *connID != "" {
		filter.ConnID = connID
	}
	if *subject != "" {
		filter.Subject = subject
	}
	if *action != "" {
		a := store.AuditAction(*action)
		if !a.Valid() {
			return fmt.Errorf("unknown action %q (want one of %s)", *action, joinActions())
		}
		filter.Action = &a
	}
	if *since > 0 {
		t := time.Now().Add(-*since)
		filter.Since = &t
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer s.Close()

	entries, err := s.ListAudit(ctx, filter)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No audit entries.")
		return nil
	}

	for _, e := range entries {
		label := fmt.Sprintf("%-17s", e.Action)
		switch e.Action {
		case store.AuditConnected:
			label = color.GreenString("%s", label)
		case store.AuditAuthFailed, store.AuditRejected, store.AuditProtocolMismatch, store.AuditHandshakeTimeout:
			label = color.RedString("%s", label)
		}

		line := fmt.Sprintf("%s  %s  %s", e.Timestamp.Local().Format("2006-01-02 15:04:05"), label, e.ConnID)
		for _, kv := range [][2]string{
			{"subject", e.Subject},
			{"credential", e.Credential},
			{"device", e.DeviceID},
			{"client", e.ClientID},
			{"remote", e.RemoteAddr},
			{"reason", e.Reason},
		} {
			if kv[1] != "" {
				line += color.HiBlackString(" %s=", kv[0]) + kv[1]
			}
		}
		fmt.Println(line)
	}
	return nil
}

func joinActions() string {
	names := make([]string, len(store.ValidAuditActions))
	for i, a := range store.ValidAuditActions {
		names[i] = string(a)
	}
	return strings.Join(names, ", ")
}

func runKeygen(args []string) error {
	fs := pflag.NewFlagSet("agent-gateway keygen", pflag.ContinueOnError)
	out := fs.StringP("out", "o", filepath.Join(getDataPath(), "device.pem"), "where to write the private key")
	force := fs.BoolP("force", "f", false, "overwrite an existing key")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := os.Stat(*out); err == nil && !*force {
		return fmt.Errorf("%s exists (use --force to overwrite)", *out)
	}

	dev, err := client.GenerateDevice()
	if err != nil {
		return err
	}
	if err := dev.Save(*out); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Saved device key: %s\n", *out)
	fmt.Printf("  Device ID:  %s\n", dev.ID)
	fmt.Printf("  Public key: %s\n", dev.PublicKeyString())
	return nil
}

func runToken(args []string) error {
	fs, configPath := newFlagSet("token")
	subject := fs.StringP("subject", "s", "", "token subject (required)")
	role := fs.String("role", "", "restrict the token to one role")
	scopes := fs.StringSlice("scopes", nil, "scope ceiling, e.g. operator.read,operator.write")
	tenant := fs.String("tenant", "", "tenant id carried in the token")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if strings.TrimSpace(*subject) == "" {
		return errors.New("--subject is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured in %s", *configPath)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(auth.TokenClaims{
		Subject: *subject,
		Role:    *role,
		Scopes:  *scopes,
		Tenant:  *tenant,
	}, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runHash(args []string) error {
	fs := pflag.NewFlagSet("agent-gateway hash", pflag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: agent-gateway hash <token>")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(fs.Arg(0)), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing token: %w", err)
	}
	fmt.Println(string(hash))
	return nil
}

func runInit(args []string) error {
	fs, configPath := newFlagSet("init")
	if err := fs.Parse(args); err != nil {
		return err
	}

	reader := bufio.NewReader(os.Stdin)

	fmt.Println("agent-gateway configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	defaultDbPath := filepath.Join(getDataPath(), "gateway.db")

	outputFile := prompt(reader, "Config file path", *configPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !yes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "127.0.0.1:18789")
	wsPath := prompt(reader, "WebSocket path", "/ws")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Auth Configuration ---")
	token, err := randomSecret()
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	token = prompt(reader, "Shared gateway token", token)
	enableJWT := yes(prompt(reader, "Issue JWTs for clients?", "no"))
	var jwtSecret string
	if enableJWT {
		if jwtSecret, err = randomSecret(); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
	}

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := yes(prompt(reader, "Enable Tailscale?", "no"))

	var tsHostname, tsAuthKey string
	var tsEphemeral bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "agent-gateway")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty for interactive)", "")
		tsEphemeral = yes(prompt(reader, "Ephemeral node?", "no"))
	}

	fmt.Println("\n--- Run Configuration ---")
	cancelOnDisconnect := yes(prompt(reader, "Cancel runs when their connection closes?", "no"))

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# agent-gateway configuration\n")
	cfg.WriteString("# Generated by agent-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString(fmt.Sprintf("  ws_path: \"%s\"\n", wsPath))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  token: \"%s\"\n", token))
	if jwtSecret != "" {
		cfg.WriteString(fmt.Sprintf("  jwt_secret: \"%s\"\n", jwtSecret))
	}
	cfg.WriteString("  allow_legacy_device_auth: false\n")
	cfg.WriteString("  # Devices that may connect with a signature alone, keyed by device id.\n")
	cfg.WriteString("  devices: {}\n")
	cfg.WriteString("\n")

	cfg.WriteString("handshake:\n")
	cfg.WriteString("  challenge_ttl: \"30s\"\n")
	cfg.WriteString("  timeout: \"30s\"\n")
	cfg.WriteString("  max_attempts: 3\n")
	cfg.WriteString("\n")

	cfg.WriteString("runs:\n")
	cfg.WriteString(fmt.Sprintf("  cancel_on_disconnect: %t\n", cancelOnDisconnect))
	cfg.WriteString("  request_timeout: \"30s\"\n")
	cfg.WriteString("  tick_interval: \"30s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: \"%s\"\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: \"%s\"\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// The file holds credentials.
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  agent-gateway serve\n")

	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func yes(answer string) bool {
	a := strings.ToLower(answer)
	return a == "yes" || a == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
