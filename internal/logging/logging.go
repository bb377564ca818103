// Package logging builds the zap loggers used by every binary.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the logger flavour.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Format is "json" (default) or "console".
	Format string
	// Stderr forces all output to stderr, for commands that print
	// machine-readable results on stdout.
	Stderr bool
}

// New builds a logger from cfg. DEBUG=1 in the environment forces debug level.
func New(cfg Config) (*zap.Logger, error) {
	var zcfg zap.Config
	if strings.EqualFold(cfg.Format, "console") || strings.EqualFold(cfg.Format, "text") {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.TimeKey = "time"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	level := cfg.Level
	if os.Getenv("DEBUG") != "" {
		level = "debug"
	}
	if level == "" {
		level = "info"
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)

	zcfg.OutputPaths = []string{"stdout"}
	if cfg.Stderr {
		zcfg.OutputPaths = []string{"stderr"}
	}
	zcfg.ErrorOutputPaths = []string{"stderr"}

	return zcfg.Build()
}

// MustNew is New for main packages; it falls back to a no-op logger
// rather than failing startup on a bad level string.
func MustNew(cfg Config) *zap.Logger {
	logger, err := New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return zap.NewNop()
	}
	return logger
}
