package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eliteGoblin/focusd/trackd/internal/config"
	"github.com/eliteGoblin/focusd/trackd/internal/domain"
	"github.com/eliteGoblin/focusd/trackd/internal/usecase"
)

// Exit codes used by the daemon process.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitForced      = 2 // second termination signal while draining
	ExitBindFailure = 3
)

// ControlServer is the IPC server as driven by the supervisor.
type ControlServer interface {
	Listen() error
	Serve() error
	Shutdown(ctx context.Context) error
}

// SupervisorDeps are the components the supervisor runs.
type SupervisorDeps struct {
	Config     *config.Config
	ConfigPath string // watched and re-read on reload; empty disables both
	Tracker    *usecase.Tracker
	Router     *usecase.Router
	Monitor    *Monitor
	Server     ControlServer
	Logger     *zap.Logger
	LogLevel   *zap.AtomicLevel
	Version    string

	// Exit terminates the process on a forced stop. Defaults to os.Exit.
	Exit func(code int)
}

// Supervisor owns the daemon lifecycle: it loads state, binds the control
// channel, runs the monitor and server, and drains them on shutdown.
type Supervisor struct {
	deps   SupervisorDeps
	logger *zap.Logger

	mu     sync.Mutex
	config *config.Config

	signals  chan os.Signal
	shutdown chan struct{}
}

// NewSupervisor creates a supervisor.
func NewSupervisor(deps SupervisorDeps) *Supervisor {
	if deps.Exit == nil {
		deps.Exit = os.Exit
	}
	if deps.Config == nil {
		deps.Config = config.Default()
	}
	return &Supervisor{
		deps:     deps,
		logger:   deps.Logger,
		config:   deps.Config,
		signals:  make(chan os.Signal, 2),
		shutdown: make(chan struct{}, 1),
	}
}

// PolicyFromConfig derives the router policy.
func PolicyFromConfig(cfg *config.Config) usecase.Policy {
	notify := make(map[domain.NotificationCategory]bool)
	for _, c := range []domain.NotificationCategory{
		domain.NotifyStatus, domain.NotifyIdle, domain.NotifySuggestions, domain.NotifyReminders,
	} {
		notify[c] = cfg.NotificationEnabled(c)
	}
	return usecase.Policy{
		AutoSwitch:      cfg.ProcessDetection.AutoSwitch,
		MinConfidence:   cfg.ProcessDetection.MinConfidence,
		IdleAction:      domain.IdleAction(cfg.IdleDetection.Action),
		DecisionTimeout: cfg.DecisionTimeout(),
		Notify:          notify,
	}
}

// MonitorConfigFromConfig derives the monitor configuration.
func MonitorConfigFromConfig(cfg *config.Config) MonitorConfig {
	return MonitorConfig{
		ProcessEnabled:   cfg.ProcessDetection.Enabled,
		ProcessInterval:  cfg.ProcessInterval(),
		LearnPatterns:    cfg.ProcessDetection.LearnPatterns,
		IdleEnabled:      cfg.IdleDetection.Enabled,
		IdleInterval:     cfg.IdleInterval(),
		IdleThreshold:    cfg.IdleThreshold(),
		RemindersEnabled: cfg.NotificationEnabled(domain.NotifyReminders),
		ReminderInterval: cfg.ReminderInterval(),
		ProbeTimeout:     cfg.ProbeTimeout(),
	}
}

// Run starts the daemon and blocks until it has stopped. It returns an
// error wrapping ErrChannelBindFailed when another daemon owns the socket.
func (s *Supervisor) Run(ctx context.Context) error {
	// The socket is the ownership lock on the state file: nothing is read
	// or written there until the bind succeeds.
	if err := s.deps.Server.Listen(); err != nil {
		return err
	}

	meta := domain.DaemonMetadata{
		PID:            os.Getpid(),
		Version:        s.deps.Version,
		StartedAt:      time.Now(),
		LifecycleState: domain.LifecycleStarting,
	}
	if err := s.deps.Tracker.Load(meta); err != nil {
		_ = s.deps.Server.Shutdown(context.Background())
		return fmt.Errorf("failed to load tracking state: %w", err)
	}
	s.apply(s.currentConfig())
	s.setLifecycle(domain.LifecycleRunning)
	s.logger.Info("daemon running", zap.Int("pid", meta.PID), zap.String("version", s.deps.Version))

	signal.Notify(s.signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(s.signals)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	monitorCtx, stopMonitor := context.WithCancel(runCtx)
	defer stopMonitor()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return s.deps.Monitor.Run(monitorCtx)
	})
	g.Go(func() error {
		return s.deps.Server.Serve()
	})
	if s.deps.ConfigPath != "" {
		g.Go(func() error {
			if err := config.Watch(gctx, s.deps.ConfigPath, s.reloadFromWatch, s.logger); err != nil {
				s.logger.Warn("config watch unavailable", zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		s.waitForStop(gctx)
		s.drain(stopMonitor)
		// Releases the config watcher.
		cancelRun()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	s.logger.Info("daemon stopped")
	return err
}

// RequestShutdown starts a graceful stop without waiting for it.
func (s *Supervisor) RequestShutdown() {
	select {
	case s.shutdown <- struct{}{}:
	default:
	}
}

// Reload re-reads the config file and applies it. The running configuration
// is kept when the new one does not load.
func (s *Supervisor) Reload() error {
	if s.deps.ConfigPath == "" {
		return nil
	}
	cfg, err := config.Load(s.deps.ConfigPath)
	if err != nil {
		s.logger.Warn("config reload rejected", zap.Error(err))
		return fmt.Errorf("reload config: %w", err)
	}
	s.mu.Lock()
	s.config = cfg
	s.mu.Unlock()

	s.apply(cfg)
	s.logger.Info("config reloaded", zap.String("path", s.deps.ConfigPath))
	return nil
}

func (s *Supervisor) reloadFromWatch() {
	_ = s.Reload()
}

func (s *Supervisor) currentConfig() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

func (s *Supervisor) apply(cfg *config.Config) {
	s.deps.Router.SetPolicy(PolicyFromConfig(cfg))
	s.deps.Monitor.SetConfig(MonitorConfigFromConfig(cfg))
	if s.deps.LogLevel != nil {
		if err := s.deps.LogLevel.UnmarshalText([]byte(cfg.Advanced.LogLevel)); err != nil {
			s.logger.Warn("invalid log level", zap.String("level", cfg.Advanced.LogLevel))
		}
	}
}

// waitForStop blocks until a termination signal, a shutdown request or the
// end of ctx. SIGHUP reloads and keeps waiting.
func (s *Supervisor) waitForStop(ctx context.Context) {
	for {
		select {
		case sig := <-s.signals:
			if sig == syscall.SIGHUP {
				_ = s.Reload()
				continue
			}
			s.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
			return
		case <-s.shutdown:
			s.logger.Info("shutdown requested")
			return
		case <-ctx.Done():
			return
		}
	}
}

// drain stops the daemon in order: no new connections, monitor stopped,
// pending decisions defaulted, state flushed.
func (s *Supervisor) drain(stopMonitor context.CancelFunc) {
	s.setLifecycle(domain.LifecycleStopping)

	done := make(chan struct{})
	defer close(done)
	go s.forceExitOnSignal(done)

	cfg := s.currentConfig()
	grace := cfg.ShutdownGrace()

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := s.deps.Server.Shutdown(ctx); err != nil {
		s.logger.Warn("control channel did not drain in time", zap.Error(err))
	}

	stopMonitor()
	s.deps.Router.Close(grace)

	finalize := cfg.Daemon.StopSessionOnShutdown
	if err := s.deps.Tracker.Flush(finalize); err != nil {
		s.logger.Error("failed to flush tracking state", zap.Error(err))
	}
	s.setLifecycle(domain.LifecycleStopped)
}

// forceExitOnSignal exits at once when another termination signal arrives
// before done is closed.
func (s *Supervisor) forceExitOnSignal(done <-chan struct{}) {
	for {
		select {
		case sig := <-s.signals:
			if sig == syscall.SIGHUP {
				continue
			}
			s.logger.Warn("second signal while stopping, exiting immediately", zap.String("signal", sig.String()))
			_ = s.logger.Sync()
			s.deps.Exit(ExitForced)
			return
		case <-done:
			return
		}
	}
}

func (s *Supervisor) setLifecycle(state domain.LifecycleState) {
	if err := s.deps.Tracker.SetLifecycle(state); err != nil {
		s.logger.Error("failed to persist lifecycle state", zap.String("state", string(state)), zap.Error(err))
	}
}
