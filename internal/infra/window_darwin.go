//go:build darwin

package infra

import (
	"context"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/trackd/internal/domain"
)

const frontmostScript = `tell application "System Events"
	set p to first application process whose frontmost is true
	return (name of p) & "|" & (unix id of p)
end tell`

// OsascriptWindowSource asks System Events for the frontmost application.
type OsascriptWindowSource struct {
	run    commandRunner
	logger *zap.Logger
}

// NewWindowSource returns the active-window backend for this platform.
func NewWindowSource(_ domain.ProcessManager, logger *zap.Logger) domain.WindowSource {
	return &OsascriptWindowSource{run: runCommand, logger: logger}
}

func (s *OsascriptWindowSource) Name() string { return "osascript" }

// ActiveWindow returns the frontmost application.
func (s *OsascriptWindowSource) ActiveWindow(ctx context.Context) (domain.ActiveWindow, error) {
	out, err := s.run(ctx, "osascript", "-e", frontmostScript)
	if err != nil {
		return domain.ActiveWindow{}, unavailable("osascript", err)
	}
	w, err := parseFrontmost(out)
	if err != nil {
		return domain.ActiveWindow{}, unavailable("osascript", err)
	}
	return w, nil
}
