//go:build darwin

package infra

import (
	"context"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/trackd/internal/domain"
)

// DarwinIdleSource reads HIDIdleTime from the IOHIDSystem registry entry.
type DarwinIdleSource struct {
	run    commandRunner
	logger *zap.Logger
}

// NewIdleSource returns the idle backend for this platform.
func NewIdleSource(logger *zap.Logger) domain.IdleSource {
	return &DarwinIdleSource{run: runCommand, logger: logger}
}

func (s *DarwinIdleSource) Name() string { return "ioreg" }

// IdleSeconds returns seconds since the last input event.
func (s *DarwinIdleSource) IdleSeconds(ctx context.Context) (int64, error) {
	out, err := s.run(ctx, "ioreg", "-c", "IOHIDSystem", "-d", "4")
	if err != nil {
		return 0, unavailable("ioreg", err)
	}
	secs, err := parseIoregIdle(out)
	if err != nil {
		return 0, unavailable("ioreg", err)
	}
	return secs, nil
}
