package logging

import (
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logger. format "json" selects the production encoder, anything
// else the human-readable console encoder.
func New(level, format string) (logger *zap.Logger, err error) {
	var lvl zapcore.Level
	lvl, err = ParseLevel(level)
	if err != nil {
		return logger, err
	}

	var cfg zap.Config
	if strings.EqualFold(format, "json") {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	logger, err = cfg.Build()
	if err != nil {
		err = errors.Wrap(err, "failed to build logger")
		return logger, err
	}

	return logger, err
}

// ParseLevel maps a level name to a zap level. Empty means info.
func ParseLevel(level string) (lvl zapcore.Level, err error) {
	switch strings.ToLower(level) {
	case "", "info":
		lvl = zapcore.InfoLevel
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn", "warning":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	default:
		err = errors.Errorf("unknown log level: %s", level)
	}
	return lvl, err
}

// OrNop returns logger, or a no-op logger when it is nil.
func OrNop(logger *zap.Logger) (l *zap.Logger) {
	l = logger
	if l == nil {
		l = zap.NewNop()
	}
	return l
}
