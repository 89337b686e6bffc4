package admission

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/amoylab/clinicpush/internal/common/cnst"
	"github.com/amoylab/clinicpush/internal/common/config"
)

// NewController creates an admission controller based on configuration
func NewController(logger *zap.Logger, cfg config.AdmissionConfig) (Controller, error) {
	logger.Info("Initializing admission control",
		zap.String("type", cfg.Type),
		zap.Int("max_attempts", cfg.MaxAttempts),
		zap.Duration("window", cfg.Window))
	switch cnst.AdmissionType(cfg.Type) {
	case cnst.AdmissionTypeMemory:
		return NewMemoryController(logger, cfg.MaxAttempts, cfg.Window), nil
	case cnst.AdmissionTypeRedis:
		return NewRedisController(logger, cfg)
	default:
		return nil, fmt.Errorf("unsupported admission type: %s", cfg.Type)
	}
}
