package daemon

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/trackd/internal/config"
	"github.com/eliteGoblin/focusd/trackd/internal/domain"
	"github.com/eliteGoblin/focusd/trackd/internal/ipc"
	"github.com/eliteGoblin/focusd/trackd/internal/rules"
	"github.com/eliteGoblin/focusd/trackd/internal/usecase"
)

// Options are the platform pieces a daemon is assembled from.
type Options struct {
	Config     *config.Config
	ConfigPath string
	SocketPath string

	State    domain.StateFile
	Entries  domain.EntryStore
	RuleRepo domain.RuleRepository
	Idle     domain.IdleSource
	Window   domain.WindowSource
	Notifier domain.NotificationSink // may be nil

	Logger   *zap.Logger
	LogLevel *zap.AtomicLevel
	Version  string
	Exit     func(code int)
}

// Daemon is a fully wired tracking daemon.
type Daemon struct {
	Supervisor *Supervisor
	Tracker    *usecase.Tracker
	Router     *usecase.Router
	Rules      *rules.Engine
	Monitor    *Monitor
	Server     *ipc.Server
	Hub        *ipc.Hub
}

// New wires the daemon's components together and loads the rule set.
func New(opts Options) (*Daemon, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	engine := rules.NewEngine(opts.RuleRepo, logger.Named("rules"))
	if err := engine.Load(); err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	hub := ipc.NewHub(logger.Named("hub"))
	tracker := usecase.NewTracker(opts.State, opts.Entries, logger.Named("tracker"))
	tracker.SetObserver(hub.Publish)

	router := usecase.NewRouter(tracker, engine, hub, opts.Notifier, PolicyFromConfig(cfg), logger.Named("router"))
	monitor := NewMonitor(MonitorConfigFromConfig(cfg), opts.Idle, opts.Window, engine, tracker, router, logger.Named("monitor"))

	mux := ipc.NewMux()
	server := ipc.NewServer(ipc.DefaultServerConfig(opts.SocketPath), mux, hub, logger.Named("ipc"))

	sup := NewSupervisor(SupervisorDeps{
		Config:     cfg,
		ConfigPath: opts.ConfigPath,
		Tracker:    tracker,
		Router:     router,
		Monitor:    monitor,
		Server:     server,
		Logger:     logger.Named("supervisor"),
		LogLevel:   opts.LogLevel,
		Version:    opts.Version,
		Exit:       opts.Exit,
	})

	ipc.RegisterHandlers(mux, ipc.Services{
		Sessions:  tracker,
		Rules:     engine,
		Decisions: router,
		Control:   sup,
		Version:   opts.Version,
	})

	return &Daemon{
		Supervisor: sup,
		Tracker:    tracker,
		Router:     router,
		Rules:      engine,
		Monitor:    monitor,
		Server:     server,
		Hub:        hub,
	}, nil
}

// Run runs the daemon until it is stopped.
func (d *Daemon) Run(ctx context.Context) error {
	return d.Supervisor.Run(ctx)
}
