//go:build linux

package infra

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/trackd/internal/domain"
)

// LinuxIdleSource reads idle time from xprintidle (X11) and falls back to the
// session bus screensaver interfaces (KDE, GNOME/Wayland).
type LinuxIdleSource struct {
	run    commandRunner
	logger *zap.Logger

	mu   sync.Mutex
	conn *dbus.Conn
}

// NewIdleSource returns the idle backend for this platform.
func NewIdleSource(logger *zap.Logger) domain.IdleSource {
	return &LinuxIdleSource{run: runCommand, logger: logger}
}

func (s *LinuxIdleSource) Name() string { return "xprintidle+dbus" }

// IdleSeconds returns seconds since the last input event.
func (s *LinuxIdleSource) IdleSeconds(ctx context.Context) (int64, error) {
	out, err := s.run(ctx, "xprintidle")
	if err == nil {
		if secs, perr := parseXprintidle(out); perr == nil {
			return secs, nil
		}
	}
	if ctx.Err() != nil {
		return 0, unavailable("xprintidle", ctx.Err())
	}

	secs, derr := s.dbusIdle(ctx)
	if derr != nil {
		return 0, unavailable("dbus", fmt.Errorf("xprintidle: %v; dbus: %v", err, derr))
	}
	return secs, nil
}

func (s *LinuxIdleSource) dbusIdle(ctx context.Context) (int64, error) {
	conn, err := s.sessionBus()
	if err != nil {
		return 0, err
	}

	var ms uint32
	err = conn.Object("org.freedesktop.ScreenSaver", "/org/freedesktop/ScreenSaver").
		CallWithContext(ctx, "org.freedesktop.ScreenSaver.GetSessionIdleTime", 0).
		Store(&ms)
	if err == nil {
		return int64(ms) / 1000, nil
	}

	var mutterMs uint64
	merr := conn.Object("org.gnome.Mutter.IdleMonitor", "/org/gnome/Mutter/IdleMonitor/Core").
		CallWithContext(ctx, "org.gnome.Mutter.IdleMonitor.GetIdletime", 0).
		Store(&mutterMs)
	if merr == nil {
		return int64(mutterMs / 1000), nil
	}

	s.resetBus()
	return 0, fmt.Errorf("screensaver: %v; mutter: %v", err, merr)
}

func (s *LinuxIdleSource) sessionBus() (*dbus.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil && s.conn.Connected() {
		return s.conn, nil
	}
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	s.conn = conn
	return conn, nil
}

func (s *LinuxIdleSource) resetBus() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}
