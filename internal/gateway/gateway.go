// ABOUTME: Gateway orchestrator that coordinates the WebSocket and HTTP servers
// ABOUTME: Wires store, nonces, credentials, runs and events; owns listener lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/agent-gateway/internal/agent"
	"github.com/2389/agent-gateway/internal/auth"
	"github.com/2389/agent-gateway/internal/config"
	"github.com/2389/agent-gateway/internal/events"
	"github.com/2389/agent-gateway/internal/nonce"
	"github.com/2389/agent-gateway/internal/run"
	"github.com/2389/agent-gateway/internal/store"
)

// Version is reported in the hello payload. Overridden at build time.
var Version = "dev"

// Gateway orchestrates the agent-gateway server components.
type Gateway struct {
	config      *config.Config
	store       store.Store
	nonces      *nonce.Registry
	auth        *auth.Authenticator
	runs        *run.Manager
	events      *events.Broadcaster
	agents      *agent.Registry
	router      *router
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	version   string
	startedAt time.Time

	// baseCtx parents every connection; cancelling it closes them all.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	connMu sync.RWMutex
	conns  map[string]*Conn
	connWG sync.WaitGroup
}

// initStore creates the SQLite store from configuration.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}
	return s, nil
}

// buildAuthenticator assembles the credential checks in evaluation order:
// device signature, shared token, JWT.
func buildAuthenticator(cfg *config.Config, nonces *nonce.Registry, logger *slog.Logger) (*auth.Authenticator, error) {
	approved := make(map[string]auth.ApprovedDevice, len(cfg.Auth.Devices))
	for id, dev := range cfg.Auth.Devices {
		approved[id] = auth.ApprovedDevice{Role: dev.Role, Scopes: dev.Scopes}
	}
	checks := []auth.Credential{
		&auth.DeviceCheck{
			Nonces:      nonces,
			Approved:    approved,
			Skew:        cfg.Auth.SignatureSkew,
			AllowLegacy: cfg.Auth.AllowLegacyDeviceAuth,
		},
		&auth.SharedTokenCheck{
			Token:     cfg.Auth.Token,
			TokenHash: cfg.Auth.TokenHash,
			SkipJWT:   cfg.Auth.JWTSecret != "",
		},
	}
	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		checks = append(checks, &auth.JWTCheck{Verifier: verifier})
	}
	return auth.NewAuthenticator(cfg.Auth.RoleScopes, logger.With("component", "auth"), checks...), nil
}

// buildAgents registers the echo executor as default and under each
// configured id.
func buildAgents(cfg *config.Config) *agent.Registry {
	echo := agent.NewEchoExecutor(cfg.Agents.EchoDelay)
	reg := agent.NewRegistry(echo)
	for _, id := range cfg.Agents.Echo {
		reg.Register(id, echo)
	}
	return reg
}

// New creates a new Gateway instance. Runs a previous process left unfinished
// are marked errored before New returns.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	nonces := nonce.New(cfg.Handshake.ChallengeTTL, cfg.Handshake.NonceCapacity)
	authenticator, err := buildAuthenticator(cfg, nonces, logger)
	if err != nil {
		nonces.Close()
		_ = s.Close()
		return nil, err
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	gw := &Gateway{
		config:     cfg,
		store:      s,
		nonces:     nonces,
		auth:       authenticator,
		events:     events.NewBroadcaster(s, logger),
		agents:     buildAgents(cfg),
		logger:     logger,
		version:    Version,
		startedAt:  time.Now(),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		conns:      make(map[string]*Conn),
	}
	gw.runs = run.NewManager(run.Options{
		Store:              s,
		Logger:             logger,
		CancelOnDisconnect: cfg.Runs.CancelOnDisconnect,
		OnTerminal:         gw.deliverTerminal,
	})
	gw.router = newRouter(gw, cfg.Runs.RequestTimeout)

	if _, err := gw.runs.Recover(context.Background()); err != nil {
		gw.closeComponents()
		_ = s.Close()
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)
	mux.HandleFunc(cfg.Server.WSPath, gw.handleWS)

	gw.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("gateway initialized",
		"ws_path", cfg.Server.WSPath,
		"database", cfg.Database.Path,
		"cancel_on_disconnect", cfg.Runs.CancelOnDisconnect,
		"agents", gw.agents.IDs())

	return gw, nil
}

// Handler returns the HTTP handler serving health checks and the WebSocket path.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Agents returns the executor registry so callers can add agents.
func (g *Gateway) Agents() *agent.Registry {
	return g.agents
}

// ConnectionCount returns the number of open connections.
func (g *Gateway) ConnectionCount() int {
	g.connMu.RLock()
	defer g.connMu.RUnlock()
	return len(g.conns)
}

// handleWS upgrades a request and serves the connection until it closes.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	if g.baseCtx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket accept failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	ws.SetReadLimit(g.config.Server.MaxMessageBytes)

	c := newConn(g, uuid.NewString(), r.RemoteAddr, ws)
	if !g.addConn(c) {
		_ = ws.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer g.connWG.Done()

	c.logger.Info("connection opened", "remote", r.RemoteAddr)
	c.serve()
}

func (g *Gateway) addConn(c *Conn) bool {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	if g.baseCtx.Err() != nil {
		return false
	}
	g.conns[c.id] = c
	g.connWG.Add(1)
	return true
}

func (g *Gateway) removeConn(id string) {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	delete(g.conns, id)
}

func (g *Gateway) conn(id string) *Conn {
	g.connMu.RLock()
	defer g.connMu.RUnlock()
	return g.conns[id]
}

// deliverTerminal sends a run's final response to the request that is still
// waiting for it. Continuations of closed connections are dropped.
func (g *Gateway) deliverTerminal(cont run.Continuation, r *store.Run) {
	c := g.conn(cont.ConnID)
	if c == nil {
		g.logger.Debug("final response dropped, connection gone",
			"conn_id", cont.ConnID,
			"request_id", cont.RequestID,
			"run_id", r.ID)
		return
	}
	c.finish(terminalResponse(cont.RequestID, r))
}

// setupTCPListener creates the plain TCP listener.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address %s: %w", g.config.Server.HTTPAddr, err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run serves until ctx is cancelled or the server fails, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "ws_path", g.config.Server.WSPath)
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})
	return eg.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "agent-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens on :80 of the node.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeConnections cancels every connection and waits for them to release
// their runs and streams, or for ctx to end.
func (g *Gateway) closeConnections(ctx context.Context) error {
	g.connMu.Lock()
	g.baseCancel()
	g.connMu.Unlock()

	done := make(chan struct{})
	go func() {
		g.connWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for connections: %w", ctx.Err())
	}
}

// closeComponents stops runs first so their final state reaches the store.
func (g *Gateway) closeComponents() {
	g.baseCancel()
	g.runs.Close()
	g.events.Close()
	g.nonces.Close()
}

// Shutdown gracefully stops the gateway.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "connections", g.closeConnections(ctx))

	g.closeComponents()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK while the gateway accepts connections.
func (g *Gateway) handleReady(w http.ResponseWriter, _ *http.Request) {
	if g.baseCtx.Err() != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d connections)", g.ConnectionCount())
}
