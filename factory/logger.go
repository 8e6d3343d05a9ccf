package factory

import (
	"fmt"

	"github.com/lychee-technology/schemamodel"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a zap logger from cfg. Development loggers use the
// console encoder with colored levels unless a format is set explicitly.
func NewLogger(cfg schemamodel.LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
	}

	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		zc.Level = level
	}
	if cfg.Format != "" {
		zc.Encoding = cfg.Format
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// InstallLogger builds a logger from cfg and replaces zap's globals with it.
// The returned func restores the previous globals.
func InstallLogger(cfg schemamodel.LoggingConfig) (*zap.Logger, func(), error) {
	logger, err := NewLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	undo := zap.ReplaceGlobals(logger)
	return logger, func() {
		_ = logger.Sync()
		undo()
	}, nil
}
