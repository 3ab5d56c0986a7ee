package logger

import (
	"github.com/nanofarm/jobwatch/internal/config"

	"go.uber.org/zap"
)

// NewLogger builds a zap logger keyed to the configured environment.
// "prod" gets JSON production output, "test" the example logger, and
// everything else the human-readable development logger.
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Environment == "prod" {
		return zap.NewProduction()
	}
	if cfg.Environment == "test" {
		return zap.NewExample(), nil
	}

	return zap.NewDevelopment()
}

func MustNewLogger(cfg *config.Config) *zap.Logger {
	return zap.Must(NewLogger(cfg))
}
