package daemon

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// StartDetached spawns the daemon as a new session leader running
// `<executable> run` with extra args, detached from the calling terminal.
// It returns the child's PID without waiting for it to come up.
func StartDetached(executable string, args ...string) (int, error) {
	if executable == "" {
		self, err := os.Executable()
		if err != nil {
			return 0, err
		}
		executable = self
	}

	cmd := exec.Command(executable, append([]string{"run"}, args...)...)

	// Detach from parent process
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	// No stdin/stdout/stderr; the daemon logs to its own file.
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start daemon: %w", err)
	}
	pid := cmd.Process.Pid

	// The child is not waited on; release it so it is not left as a zombie
	// of a long-lived caller.
	_ = cmd.Process.Release()
	return pid, nil
}

// WaitReady polls ready until it returns true or ctx ends.
func WaitReady(ctx context.Context, interval time.Duration, ready func(ctx context.Context) bool) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ready(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("daemon did not become ready: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
