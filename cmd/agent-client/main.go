// ABOUTME: Command-line client for agent-gateway: start runs, stream output, follow and abort
// ABOUTME: Authenticates with a shared token or JWT and optionally a device key

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/2389/agent-gateway/internal/client"
	"github.com/2389/agent-gateway/internal/protocol"
)

var version = "dev"

type globalFlags struct {
	url     string
	token   string
	device  string
	role    string
	scopes  []string
	timeout time.Duration
	verbose bool
}

func (g *globalFlags) add(fs *pflag.FlagSet) {
	url := os.Getenv("AGENT_GATEWAY_URL")
	if url == "" {
		url = "ws://127.0.0.1:18789/ws"
	}
	fs.StringVar(&g.url, "url", url, "gateway WebSocket URL ($AGENT_GATEWAY_URL)")
	fs.StringVar(&g.token, "token", os.Getenv("AGENT_GATEWAY_TOKEN"), "shared token or JWT ($AGENT_GATEWAY_TOKEN)")
	fs.StringVar(&g.device, "device", "", "device key file written by 'agent-gateway keygen'")
	fs.StringVar(&g.role, "role", protocol.RoleOperator, "role to request")
	fs.StringSliceVar(&g.scopes, "scopes", nil, "scopes to request (default: everything the role allows)")
	fs.DurationVar(&g.timeout, "timeout", 10*time.Second, "timeout for connecting and single calls")
	fs.BoolVarP(&g.verbose, "verbose", "v", false, "log protocol details to stderr")
}

func (g *globalFlags) dial(ctx context.Context) (*client.Client, error) {
	opts := client.Options{
		URL:    g.url,
		Token:  g.token,
		Client: protocol.ClientInfo{ID: "agent-client", Version: version, Platform: "cli", Mode: "cli"},
		Role:   g.role,
		Scopes: g.scopes,
	}
	if g.device != "" {
		dev, err := client.LoadDevice(g.device)
		if err != nil {
			return nil, err
		}
		opts.Device = dev
	}
	level := slog.LevelWarn
	if g.verbose {
		level = slog.LevelDebug
	}
	opts.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	dctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return client.Dial(dctx, opts)
}

func usage() {
	fmt.Println("Usage: agent-client <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run MESSAGE     Start an agent run and stream its output")
	fmt.Println("  wait RUN_ID     Wait for a run to finish")
	fmt.Println("  abort RUN_ID    Abort a run")
	fmt.Println("  follow RUN_ID   Replay a run's events and stream the rest")
	fmt.Println("  events RUN_ID   Print stored events of a run")
	fmt.Println("  runs            List your recent runs")
	fmt.Println("  status          Show gateway status")
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
	case "run":
		err = runAgent(ctx, args)
	case "wait":
		err = runWait(ctx, args)
	case "abort":
		err = runAbort(ctx, args)
	case "follow":
		err = runFollow(ctx, args)
	case "events":
		err = runEvents(ctx, args)
	case "runs":
		err = runList(ctx, args)
	case "status":
		err = runStatus(ctx, args)
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

// parseRunID parses flags and expects exactly one positional run id.
func parseRunID(fs *pflag.FlagSet, args []string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one run id, got %d arguments", fs.NArg())
	}
	return fs.Arg(0), nil
}

func runAgent(ctx context.Context, args []string) error {
	var g globalFlags
	fs := pflag.NewFlagSet("agent-client run", pflag.ContinueOnError)
	g.add(fs)
	agentID := fs.String("agent", "", "agent id (default agent when empty)")
	session := fs.String("session", "", "session key passed to the agent")
	key := fs.String("key", "", "idempotency key (random when empty)")
	html := fs.Bool("html", false, "print the final transcript as HTML")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: agent-client run [flags] MESSAGE")
	}
	if *key == "" {
		*key = uuid.NewString()
	}

	c, err := g.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	r, err := c.StartAgent(ctx, protocol.AgentParams{
		Message:        fs.Arg(0),
		AgentID:        *agentID,
		SessionKey:     *session,
		IdempotencyKey: *key,
	})
	if err != nil {
		return err
	}
	color.New(color.FgHiBlack).Fprintf(os.Stderr, "run %s\n", r.ID)

	if !*html {
		streamEvents(r)
	}

	rp, err := r.Wait(ctx)
	if errors.Is(err, context.Canceled) {
		// Interrupted: abort on a fresh context so the run does not linger.
		actx, cancel := context.WithTimeout(context.Background(), g.timeout)
		defer cancel()
		if _, aerr := r.Abort(actx); aerr != nil {
			return fmt.Errorf("interrupted, abort failed: %w", aerr)
		}
		return errors.New("interrupted, run aborted")
	}
	if *html {
		out, herr := r.Transcript().HTML()
		if herr != nil {
			return herr
		}
		fmt.Print(out)
	}
	if err != nil {
		return err
	}
	printFinal(rp)
	return nil
}

// streamEvents prints run events as they arrive until the run's stream closes.
func streamEvents(r *client.Run) {
	gray := color.New(color.FgHiBlack)
	yellow := color.New(color.FgYellow)
	for evt := range r.Events() {
		switch evt.Kind {
		case protocol.KindText, protocol.KindMarkdown:
			fmt.Print(evt.Text)
		case protocol.KindStatus:
			gray.Fprintf(os.Stderr, "[%s]\n", evt.Status)
		case protocol.KindToolUse:
			if evt.Tool != nil {
				yellow.Fprintf(os.Stderr, "[tool %s]\n", evt.Tool.Name)
			}
		case protocol.KindDone:
			fmt.Println()
			if evt.Error != "" {
				color.New(color.FgRed).Fprintf(os.Stderr, "[failed: %s]\n", evt.Error)
			}
		}
	}
}

func printFinal(rp *protocol.RunPayload) {
	if rp == nil {
		return
	}
	c := color.New(color.FgGreen)
	if rp.Status == protocol.StatusErrored {
		c = color.New(color.FgRed)
	}
	c.Fprintf(os.Stderr, "%s %s", rp.RunID, rp.Status)
	if rp.Error != "" {
		c.Fprintf(os.Stderr, ": %s", rp.Error)
	}
	fmt.Fprintln(os.Stderr)
}

func runWait(ctx context.Context, args []string) error {
	var g globalFlags
	fs := pflag.NewFlagSet("agent-client wait", pflag.ContinueOnError)
	g.add(fs)
	wait := fs.Duration("wait", 30*time.Second, "how long the gateway waits for the run")
	runID, err := parseRunID(fs, args)
	if err != nil {
		return err
	}

	c, err := g.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	rp, err := c.WaitRun(ctx, runID, *wait)
	if err != nil {
		return err
	}
	printFinal(rp)
	if len(rp.Result) > 0 {
		fmt.Println(string(rp.Result))
	}
	return nil
}

func runAbort(ctx context.Context, args []string) error {
	var g globalFlags
	fs := pflag.NewFlagSet("agent-client abort", pflag.ContinueOnError)
	g.add(fs)
	runID, err := parseRunID(fs, args)
	if err != nil {
		return err
	}

	c, err := g.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	rp, err := c.Abort(cctx, runID)
	if err != nil {
		return err
	}
	printFinal(rp)
	return nil
}

func runFollow(ctx context.Context, args []string) error {
	var g globalFlags
	fs := pflag.NewFlagSet("agent-client follow", pflag.ContinueOnError)
	g.add(fs)
	after := fs.Int64("after", 0, "replay events after this sequence number")
	runID, err := parseRunID(fs, args)
	if err != nil {
		return err
	}

	c, err := g.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	r, info, err := c.Follow(ctx, runID, *after)
	if err != nil {
		return err
	}
	color.New(color.FgHiBlack).Fprintf(os.Stderr, "replayed %d events, status %s\n", info.Replayed, info.Status)

	streamEvents(r)
	if !info.Following {
		return nil
	}
	rp, err := r.Wait(ctx)
	if err != nil {
		return err
	}
	printFinal(rp)
	return nil
}

func runEvents(ctx context.Context, args []string) error {
	var g globalFlags
	fs := pflag.NewFlagSet("agent-client events", pflag.ContinueOnError)
	g.add(fs)
	after := fs.Int64("after", 0, "only events after this sequence number")
	limit := fs.Int("limit", 0, "maximum number of events")
	runID, err := parseRunID(fs, args)
	if err != nil {
		return err
	}

	c, err := g.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	out, err := c.History(cctx, runID, *after, *limit)
	if err != nil {
		return err
	}

	gray := color.New(color.FgHiBlack)
	for _, evt := range out.Events {
		gray.Printf("%4d ", evt.Seq)
		switch evt.Kind {
		case protocol.KindText, protocol.KindMarkdown:
			fmt.Printf("%-9s %q\n", evt.Kind, evt.Text)
		case protocol.KindStatus:
			fmt.Printf("%-9s %s\n", evt.Kind, evt.Status)
		case protocol.KindToolUse:
			name := ""
			if evt.Tool != nil {
				name = evt.Tool.Name
			}
			fmt.Printf("%-9s %s\n", evt.Kind, name)
		default:
			fmt.Printf("%-9s %s\n", evt.Kind, evt.Error)
		}
	}
	fmt.Printf("status: %s\n", out.Status)
	return nil
}

func runList(ctx context.Context, args []string) error {
	var g globalFlags
	fs := pflag.NewFlagSet("agent-client runs", pflag.ContinueOnError)
	g.add(fs)
	limit := fs.Int("limit", 20, "maximum number of runs")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := g.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	runs, err := c.ListRuns(cctx, *limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs")
		return nil
	}

	cyan := color.New(color.FgCyan)
	cyan.Printf("%-36s  %-10s  %-20s  %s\n", "RUN", "STATUS", "CREATED", "KEY")
	for _, r := range runs {
		created := time.UnixMilli(r.CreatedAt).Format("2006-01-02 15:04:05")
		fmt.Printf("%-36s  %-10s  %-20s  %s\n", r.RunID, r.Status, created, r.IdempotencyKey)
	}
	return nil
}

func runStatus(ctx context.Context, args []string) error {
	var g globalFlags
	fs := pflag.NewFlagSet("agent-client status", pflag.ContinueOnError)
	g.add(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := g.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	status, err := c.Status(cctx)
	if err != nil {
		return err
	}

	hello := c.Hello()
	fmt.Printf("server:      %s (protocol %d)\n", hello.Server.Version, status.Protocol)
	fmt.Printf("connection:  %s as %s %v\n", hello.Server.ConnID, hello.Role, hello.Scopes)
	if hello.DeviceID != "" {
		fmt.Printf("device:      %s\n", hello.DeviceID)
	}
	fmt.Printf("connections: %d\n", status.Connections)
	fmt.Printf("runs:        %v\n", status.Runs)
	return nil
}
