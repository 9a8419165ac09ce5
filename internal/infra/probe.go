package infra

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/eliteGoblin/focusd/trackd/internal/domain"
)

// commandRunner runs an external command and returns its trimmed stdout.
// Swapped out in tests.
type commandRunner func(ctx context.Context, name string, args ...string) (string, error)

// commandWaitDelay bounds how long Run waits for output pipes after the
// context kills the process, since a grandchild can keep them open.
const commandWaitDelay = 100 * time.Millisecond

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.WaitDelay = commandWaitDelay
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.String()), nil
}

// unavailable wraps a backend failure so callers can match ErrProbeUnavailable.
func unavailable(backend string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrProbeUnavailable, backend, err)
}

// UnavailableIdleSource is used on platforms without an idle backend.
type UnavailableIdleSource struct{}

func (UnavailableIdleSource) IdleSeconds(context.Context) (int64, error) {
	return 0, fmt.Errorf("%w: no idle backend on this platform", domain.ErrProbeUnavailable)
}

func (UnavailableIdleSource) Name() string { return "unavailable" }

// UnavailableWindowSource is used on platforms without a window backend.
type UnavailableWindowSource struct{}

func (UnavailableWindowSource) ActiveWindow(context.Context) (domain.ActiveWindow, error) {
	return domain.ActiveWindow{}, fmt.Errorf("%w: no window backend on this platform", domain.ErrProbeUnavailable)
}

func (UnavailableWindowSource) Name() string { return "unavailable" }

var (
	_ domain.IdleSource   = UnavailableIdleSource{}
	_ domain.WindowSource = UnavailableWindowSource{}
)

// parseXprintidle converts xprintidle's millisecond output to seconds.
func parseXprintidle(out string) (int64, error) {
	var ms int64
	if _, err := fmt.Sscanf(strings.TrimSpace(out), "%d", &ms); err != nil {
		return 0, fmt.Errorf("unexpected xprintidle output %q: %w", out, err)
	}
	if ms < 0 {
		return 0, fmt.Errorf("negative idle time %d", ms)
	}
	return ms / 1000, nil
}

// parseIoregIdle extracts HIDIdleTime (nanoseconds) from `ioreg -c IOHIDSystem` output.
func parseIoregIdle(out string) (int64, error) {
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, `"HIDIdleTime"`) {
			continue
		}
		_, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		var ns int64
		if _, err := fmt.Sscanf(strings.TrimSpace(value), "%d", &ns); err != nil {
			return 0, fmt.Errorf("unexpected HIDIdleTime value %q: %w", value, err)
		}
		return ns / 1_000_000_000, nil
	}
	return 0, fmt.Errorf("HIDIdleTime not found in ioreg output")
}

// parseFrontmost parses "name|pid" as printed by the osascript frontmost query.
func parseFrontmost(out string) (domain.ActiveWindow, error) {
	name, pidStr, ok := strings.Cut(strings.TrimSpace(out), "|")
	if !ok || name == "" {
		return domain.ActiveWindow{}, fmt.Errorf("unexpected osascript output %q", out)
	}
	var pid int
	if _, err := fmt.Sscanf(pidStr, "%d", &pid); err != nil {
		return domain.ActiveWindow{}, fmt.Errorf("unexpected pid %q: %w", pidStr, err)
	}
	return domain.ActiveWindow{Process: name, PID: pid}, nil
}
