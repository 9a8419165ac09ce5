// Package daemon implements the monitor loop and the supervisor that runs it
// alongside the IPC server.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eliteGoblin/focusd/trackd/internal/domain"
)

// MonitorConfig holds monitor loop configuration.
type MonitorConfig struct {
	ProcessEnabled   bool
	ProcessInterval  time.Duration // How often to probe the foreground process
	LearnPatterns    bool          // Suggest unmatched processes too
	IdleEnabled      bool
	IdleInterval     time.Duration // How often to probe idle time
	IdleThreshold    time.Duration // Idle time that counts as away
	RemindersEnabled bool
	ReminderInterval time.Duration
	ProbeTimeout     time.Duration // Upper bound for a single probe
}

// DefaultMonitorConfig returns default monitor configuration.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		ProcessEnabled:   true,
		ProcessInterval:  10 * time.Second,
		LearnPatterns:    true,
		IdleEnabled:      true,
		IdleInterval:     30 * time.Second,
		IdleThreshold:    5 * time.Minute,
		RemindersEnabled: true,
		ReminderInterval: time.Hour,
		ProbeTimeout:     time.Second,
	}
}

// Dispatcher receives monitor events. Implemented by usecase.Router.
type Dispatcher interface {
	Dispatch(ev domain.Event)
}

// RuleMatcher is the part of the rule engine the monitor needs.
type RuleMatcher interface {
	Match(process string) (domain.Rule, bool)
	RecordMatch(id string) error
}

// SessionState is the part of the tracker the monitor reads and annotates.
type SessionState interface {
	Current() *domain.TrackingSession
	UpdateMetadata(fn func(m *domain.DaemonMetadata)) error
}

// Monitor samples the idle and window sources on independent tickers and
// turns state changes into events.
type Monitor struct {
	config     atomic.Pointer[MonitorConfig]
	idle       domain.IdleSource
	window     domain.WindowSource
	rules      RuleMatcher
	state      SessionState
	dispatcher Dispatcher
	logger     *zap.Logger
	now        func() time.Time

	// Set while a call into the source has not returned yet.
	windowBusy atomic.Bool
	idleBusy   atomic.Bool

	// Owned by the process loop.
	lastProcess     string
	windowUnhealthy bool

	// Owned by the idle loop.
	idleWindow    *domain.IdleWindow
	idleUnhealthy bool
}

// NewMonitor creates a monitor.
func NewMonitor(
	config MonitorConfig,
	idle domain.IdleSource,
	window domain.WindowSource,
	rules RuleMatcher,
	state SessionState,
	dispatcher Dispatcher,
	logger *zap.Logger,
) *Monitor {
	m := &Monitor{
		idle:       idle,
		window:     window,
		rules:      rules,
		state:      state,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
	}
	m.config.Store(&config)
	return m
}

// SetConfig replaces the configuration. Running loops pick up new intervals
// on their next tick.
func (m *Monitor) SetConfig(config MonitorConfig) {
	m.config.Store(&config)
	m.recordEnabled(config)
}

// Config returns the active configuration.
func (m *Monitor) Config() MonitorConfig {
	return *m.config.Load()
}

// Run starts the process, idle and reminder loops.
// This blocks until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	cfg := m.Config()
	m.recordEnabled(cfg)

	m.logger.Info("monitor started",
		zap.String("idle_source", m.idle.Name()),
		zap.String("window_source", m.window.Name()),
		zap.Duration("process_interval", cfg.ProcessInterval),
		zap.Duration("idle_interval", cfg.IdleInterval))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m.loop(ctx, func(c MonitorConfig) time.Duration { return c.ProcessInterval }, m.checkProcess)
		return nil
	})
	g.Go(func() error {
		m.loop(ctx, func(c MonitorConfig) time.Duration { return c.IdleInterval }, m.checkIdle)
		return nil
	})
	g.Go(func() error {
		m.loop(ctx, func(c MonitorConfig) time.Duration { return c.ReminderInterval }, m.checkReminder)
		return nil
	})
	err := g.Wait()

	m.logger.Info("monitor stopping")
	return err
}

// loop runs check immediately and then on every tick, following interval
// changes made through SetConfig.
func (m *Monitor) loop(ctx context.Context, interval func(MonitorConfig) time.Duration, check func(context.Context, MonitorConfig)) {
	cfg := m.Config()
	current := interval(cfg)
	if current <= 0 {
		current = time.Second
	}

	check(ctx, cfg)

	ticker := time.NewTicker(current)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cfg = m.Config()
			if next := interval(cfg); next > 0 && next != current {
				current = next
				ticker.Reset(current)
			}
			check(ctx, cfg)
		}
	}
}

func (m *Monitor) checkProcess(ctx context.Context, cfg MonitorConfig) {
	if !cfg.ProcessEnabled {
		return
	}

	win, err := bounded(ctx, cfg.ProbeTimeout, &m.windowBusy, m.window.Name(), m.window.ActiveWindow)
	if ctx.Err() != nil {
		return
	}

	now := m.now()
	m.record(func(md *domain.DaemonMetadata) {
		md.LastProcessCheck = &now
		md.ProcessChecksPerformed++
		if err == nil && win.Process != "" {
			md.LastDetectedProcess = win.Process
		}
	})

	if err != nil {
		m.windowUnhealthy = m.probeFailed("window", m.windowUnhealthy, err)
		return
	}
	m.windowUnhealthy = false

	if win.Process == "" || win.Process == m.lastProcess {
		return
	}
	previous := m.lastProcess
	m.lastProcess = win.Process

	m.logger.Debug("foreground process changed",
		zap.String("process", win.Process),
		zap.String("previous", previous))
	m.dispatcher.Dispatch(domain.Event{
		Kind:            domain.EventProcessChanged,
		Time:            now,
		Process:         win.Process,
		PreviousProcess: previous,
	})

	rule, matched := m.rules.Match(win.Process)
	if matched {
		if err := m.rules.RecordMatch(rule.ID); err != nil {
			m.logger.Warn("failed to record rule match", zap.String("rule_id", rule.ID), zap.Error(err))
		}
	} else if !cfg.LearnPatterns {
		return
	}

	if matched && alreadyTracking(m.state.Current(), rule) {
		return
	}

	ev := domain.Event{
		Kind:            domain.EventSuggestSwitch,
		Time:            now,
		Process:         win.Process,
		PreviousProcess: previous,
	}
	if matched {
		ev.Rule = &rule
	}
	m.dispatcher.Dispatch(ev)
}

// bounded calls fn with a deadline and stops waiting for it when the
// deadline passes, whether or not fn honors its context. A call that outlives
// its deadline keeps busy set, and later calls fail fast until it returns.
func bounded[T any](
	ctx context.Context,
	timeout time.Duration,
	busy *atomic.Bool,
	source string,
	fn func(context.Context) (T, error),
) (T, error) {
	var zero T
	if !busy.CompareAndSwap(false, true) {
		return zero, fmt.Errorf("%w: %s: previous call still running", domain.ErrProbeUnavailable, source)
	}

	type result struct {
		v   T
		err error
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	done := make(chan result, 1)
	go func() {
		v, err := fn(callCtx)
		busy.Store(false)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		cancel()
		return r.v, r.err
	case <-callCtx.Done():
		cancel()
		return zero, fmt.Errorf("%w: %s: no answer within %s", domain.ErrProbeUnavailable, source, timeout)
	}
}

func alreadyTracking(s *domain.TrackingSession, rule domain.Rule) bool {
	if s == nil {
		return false
	}
	return s.SourceRuleID == rule.ID || strings.EqualFold(s.TaskName, rule.Task.TaskName)
}

func (m *Monitor) checkIdle(ctx context.Context, cfg MonitorConfig) {
	if !cfg.IdleEnabled {
		return
	}

	idleSecs, err := bounded(ctx, cfg.ProbeTimeout, &m.idleBusy, m.idle.Name(), m.idle.IdleSeconds)
	if ctx.Err() != nil {
		return
	}

	now := m.now()
	m.record(func(md *domain.DaemonMetadata) {
		md.LastIdleCheck = &now
		md.IdleChecksPerformed++
	})

	if err != nil {
		m.idleUnhealthy = m.probeFailed("idle", m.idleUnhealthy, err)
		return
	}
	m.idleUnhealthy = false

	idleFor := time.Duration(idleSecs) * time.Second
	switch {
	case m.idleWindow == nil && idleFor >= cfg.IdleThreshold:
		m.idleWindow = &domain.IdleWindow{
			ID:        uuid.NewString(),
			StartedAt: now.Add(-idleFor),
		}
		w := *m.idleWindow
		m.logger.Info("user went idle", zap.Time("since", w.StartedAt))
		m.dispatcher.Dispatch(domain.Event{Kind: domain.EventIdleEntered, Time: now, IdleWindow: &w})

	case m.idleWindow != nil && idleFor < cfg.IdleThreshold:
		w := *m.idleWindow
		m.idleWindow = nil

		// Input resumed idleFor ago, not at this sample.
		end := now.Add(-idleFor)
		if end.Before(w.StartedAt) {
			end = w.StartedAt
		}
		w.EndedAt = &end
		w.Seconds = int64(end.Sub(w.StartedAt) / time.Second)

		m.logger.Info("user returned", zap.Int64("idle_seconds", w.Seconds))
		m.dispatcher.Dispatch(domain.Event{Kind: domain.EventIdleExited, Time: now, IdleWindow: &w})
	}
}

func (m *Monitor) checkReminder(ctx context.Context, cfg MonitorConfig) {
	if !cfg.RemindersEnabled {
		return
	}
	s := m.state.Current()
	if s == nil {
		return
	}
	// Nothing to remind about right after a session opens.
	now := m.now()
	if s.Duration(now) < cfg.ReminderInterval {
		return
	}
	m.dispatcher.Dispatch(domain.Event{Kind: domain.EventReminderDue, Time: now, Session: s})
}

// probeFailed logs a probe error once per failure streak and reports the
// source as unhealthy.
func (m *Monitor) probeFailed(source string, unhealthy bool, err error) bool {
	if unhealthy {
		return true
	}
	if errors.Is(err, domain.ErrProbeUnavailable) {
		m.logger.Warn("probe unavailable", zap.String("source", source), zap.Error(err))
	} else {
		m.logger.Warn("probe failed", zap.String("source", source), zap.Error(err))
	}
	return true
}

func (m *Monitor) recordEnabled(cfg MonitorConfig) {
	m.record(func(md *domain.DaemonMetadata) {
		md.ProcessMonitoringEnabled = cfg.ProcessEnabled
		md.IdleMonitoringEnabled = cfg.IdleEnabled
	})
}

func (m *Monitor) record(fn func(md *domain.DaemonMetadata)) {
	if err := m.state.UpdateMetadata(fn); err != nil {
		m.logger.Debug("failed to update daemon metadata", zap.Error(err))
	}
}
