// Package main is the CLI entry point for trackd.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/trackd/internal/config"
	"github.com/eliteGoblin/focusd/trackd/internal/daemon"
	"github.com/eliteGoblin/focusd/trackd/internal/domain"
	"github.com/eliteGoblin/focusd/trackd/internal/infra"
	"github.com/eliteGoblin/focusd/trackd/internal/ipc"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, domain.ErrChannelBindFailed) {
			os.Exit(daemon.ExitBindFailure)
		}
		os.Exit(daemon.ExitFailure)
	}
}

var rootCmd = &cobra.Command{
	Use:   "trackd",
	Short: "Time-tracking daemon",
	Long: `trackd records what you work on. It watches the focused application
and keyboard/mouse idle time, suggests task switches from learned rules,
and answers clients over a local unix socket.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon",
	Long: `Runs the daemon in the foreground until SIGINT/SIGTERM or a shutdown
request. SIGHUP reloads the config file. With --detach the daemon is started
in a new session and this command returns once it answers on the socket.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and session status",
	Long:  `Asks the running daemon for its status, falling back to the state file when it is not reachable.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var callCmd = &cobra.Command{
	Use:   "call <method> [params-json]",
	Short: "Send one request to the daemon",
	Long: `Sends a single request over the control socket and prints the result.

Example:
  trackd call start '{"task_name":"Writing","project":"book"}'
  trackd call resolveEvent '{"event_id":"...","decision":"accept"}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runCall,
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream daemon events",
	Long:  `Subscribes to the daemon and prints each event as one JSON line until interrupted.`,
	Args:  cobra.NoArgs,
	RunE:  runEvents,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	detach     bool
	foreground bool
	jsonOutput bool
	configPath string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: $XDG_CONFIG_HOME/trackd/config.yml)")
	runCmd.Flags().BoolVar(&detach, "detach", false, "Start the daemon in the background and return")
	runCmd.Flags().BoolVar(&foreground, "foreground", false, "Also log to stderr")
	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output status as JSON")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(versionCmd)
}

// environment resolves file locations and loads the config. The socket
// location from the config file wins over the XDG default.
func environment() (*infra.Paths, *config.Config, error) {
	paths, err := infra.ResolvePaths()
	if err != nil {
		return nil, nil, err
	}
	if configPath != "" {
		paths.ConfigFile = infra.ExpandHome(configPath)
	}
	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Daemon.SocketPath != "" {
		paths.SocketPath = infra.ExpandHome(cfg.Daemon.SocketPath)
	}
	return paths, cfg, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	paths, cfg, err := environment()
	if err != nil {
		return err
	}
	if detach {
		return startDetached(cmd.Context(), paths)
	}

	level := zap.NewAtomicLevel()
	logger, err := infra.NewLogger(infra.LoggerOptions{
		Level:   cfg.Advanced.LogLevel,
		File:    paths.LogFile,
		Console: foreground,
		Atomic:  &level,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	key, err := infra.LoadOrCreateRuleKey(infra.NewRuleKeyFile(paths.DataDir))
	if err != nil {
		return fmt.Errorf("failed to load database key: %w", err)
	}
	ruleRepo, err := infra.NewEncryptedRuleRepository(paths.DataDir, key)
	if err != nil {
		return err
	}
	defer func() { _ = ruleRepo.Close() }()

	entries, err := infra.NewEntryStore(paths.DataDir)
	if err != nil {
		return err
	}

	pm := infra.NewProcessManager()
	d, err := daemon.New(daemon.Options{
		Config:     cfg,
		ConfigPath: paths.ConfigFile,
		SocketPath: paths.SocketPath,
		State:      infra.NewStateFile(paths.DataDir),
		Entries:    entries,
		RuleRepo:   ruleRepo,
		Idle:       infra.NewIdleSource(logger.Named("idle")),
		Window:     infra.NewWindowSource(pm, logger.Named("window")),
		Notifier:   infra.NewDesktopNotifier(),
		Logger:     logger,
		LogLevel:   &level,
		Version:    Version,
	})
	if err != nil {
		return err
	}

	logger.Info("starting daemon",
		zap.String("config", paths.ConfigFile),
		zap.String("data_dir", paths.DataDir),
		zap.String("socket", paths.SocketPath),
		zap.String("commit", Commit))

	return d.Run(context.Background())
}

func startDetached(ctx context.Context, paths *infra.Paths) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	if pingDaemon(ctx, paths.SocketPath) {
		fmt.Println("trackd is already running")
		return nil
	}

	var args []string
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	pid, err := daemon.StartDetached(exe, args...)
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err = daemon.WaitReady(waitCtx, 100*time.Millisecond, func(ctx context.Context) bool {
		return pingDaemon(ctx, paths.SocketPath)
	})
	if err != nil {
		return fmt.Errorf("daemon (pid %d) did not become ready: %w", pid, err)
	}
	fmt.Printf("trackd started (pid %d)\n", pid)
	return nil
}

func pingDaemon(ctx context.Context, socketPath string) bool {
	c, err := ipc.Dial(ctx, socketPath)
	if err != nil {
		return false
	}
	defer c.Close()
	return c.Call(ctx, "ping", nil, nil) == nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	paths, _, err := environment()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	c, err := ipc.Dial(ctx, paths.SocketPath)
	if err == nil {
		defer c.Close()
		var st ipc.StatusResult
		if err := c.Call(ctx, "status", nil, &st); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(st)
		}
		printStatus(st.State, st.PID, st.Session)
		fmt.Printf("Uptime:   %s\n", (time.Duration(st.UptimeSeconds) * time.Second).String())
		if st.PendingEvents > 0 {
			fmt.Printf("Pending:  %d event(s) awaiting a decision\n", st.PendingEvents)
		}
		return nil
	}
	if !ipc.IsUnavailable(err) {
		return err
	}

	// Not reachable: report what the last daemon left behind.
	doc, err := infra.NewStateFile(paths.DataDir).Load()
	if err != nil {
		return err
	}
	if doc == nil {
		fmt.Println("Status:   NOT RUNNING (no state)")
		return nil
	}
	if jsonOutput {
		return printJSON(doc)
	}
	state := doc.Daemon.LifecycleState
	if state != domain.LifecycleStopped && !infra.NewProcessManager().IsRunning(doc.Daemon.PID) {
		fmt.Printf("Status:   NOT RUNNING (pid %d exited while %s)\n", doc.Daemon.PID, state)
	} else {
		fmt.Printf("Status:   NOT REACHABLE (last state %s)\n", state)
	}
	if doc.Session != nil {
		printStatus(state, doc.Daemon.PID, doc.Session)
	}
	return nil
}

func printStatus(state domain.LifecycleState, pid int, s *domain.TrackingSession) {
	fmt.Printf("Status:   %s (pid %d)\n", state, pid)
	if s == nil {
		fmt.Println("Tracking: nothing")
		return
	}
	fmt.Printf("Tracking: %s", s.TaskName)
	if s.Project != "" {
		fmt.Printf(" [%s]", s.Project)
	}
	fmt.Printf(" since %s (%s)\n", s.StartTime.Local().Format(time.Kitchen),
		time.Since(s.StartTime).Round(time.Second))
}

func runCall(cmd *cobra.Command, args []string) error {
	paths, _, err := environment()
	if err != nil {
		return err
	}
	var params any
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("params are not valid JSON: %s", args[1])
		}
		params = json.RawMessage(args[1])
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), ipc.DefaultCallTimeout)
	defer cancel()
	c, err := ipc.Dial(ctx, paths.SocketPath)
	if err != nil {
		return err
	}
	defer c.Close()

	var result json.RawMessage
	if err := c.Call(ctx, args[0], params, &result); err != nil {
		return err
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	var out bytes.Buffer
	if err := json.Indent(&out, result, "", "  "); err != nil {
		return err
	}
	fmt.Println(out.String())
	return nil
}

func runEvents(cmd *cobra.Command, args []string) error {
	paths, _, err := environment()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := ipc.Dial(ctx, paths.SocketPath)
	if err != nil {
		return err
	}
	defer c.Close()

	events, err := c.Subscribe(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	if ctx.Err() == nil {
		return errors.New("daemon closed the event stream")
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("trackd %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
