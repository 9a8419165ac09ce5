//go:build linux

package infra

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/trackd/internal/domain"
)

// XdotoolWindowSource asks xdotool for the focused window's PID and resolves
// the process name through gopsutil.
type XdotoolWindowSource struct {
	run    commandRunner
	pm     domain.ProcessManager
	logger *zap.Logger
}

// NewWindowSource returns the active-window backend for this platform.
func NewWindowSource(pm domain.ProcessManager, logger *zap.Logger) domain.WindowSource {
	return &XdotoolWindowSource{run: runCommand, pm: pm, logger: logger}
}

func (s *XdotoolWindowSource) Name() string { return "xdotool" }

// ActiveWindow returns the focused window and its process.
func (s *XdotoolWindowSource) ActiveWindow(ctx context.Context) (domain.ActiveWindow, error) {
	out, err := s.run(ctx, "xdotool", "getactivewindow", "getwindowpid")
	if err != nil {
		return domain.ActiveWindow{}, unavailable("xdotool", err)
	}
	pid, err := strconv.Atoi(out)
	if err != nil || pid <= 0 {
		return domain.ActiveWindow{}, unavailable("xdotool", fmt.Errorf("unexpected pid %q", out))
	}

	name, err := s.pm.NameOf(pid)
	if err != nil {
		return domain.ActiveWindow{}, unavailable("gopsutil", err)
	}

	// Title is best effort.
	title, err := s.run(ctx, "xdotool", "getactivewindow", "getwindowname")
	if err != nil {
		s.logger.Debug("failed to read window title", zap.Error(err))
		title = ""
	}

	return domain.ActiveWindow{Process: name, Title: title, PID: pid}, nil
}
