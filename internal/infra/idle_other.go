//go:build !linux && !darwin

package infra

import (
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/trackd/internal/domain"
)

// NewIdleSource returns the idle backend for this platform.
func NewIdleSource(logger *zap.Logger) domain.IdleSource {
	logger.Warn("idle detection is not supported on this platform")
	return UnavailableIdleSource{}
}
