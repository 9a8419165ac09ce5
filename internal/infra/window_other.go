//go:build !linux && !darwin

package infra

import (
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/trackd/internal/domain"
)

// NewWindowSource returns the active-window backend for this platform.
func NewWindowSource(_ domain.ProcessManager, logger *zap.Logger) domain.WindowSource {
	logger.Warn("active window detection is not supported on this platform")
	return UnavailableWindowSource{}
}
