// Package logger constructs the structured loggers used throughout the
// metadata plane. Every subsystem constructor in this module takes a
// *zap.SugaredLogger produced here rather than building its own, so that a
// single process-wide encoder configuration and log level apply uniformly.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level controls verbosity; it mirrors zapcore.Level so callers don't need
// to import zap directly just to pick a level.
type Level = zapcore.Level

const (
	DebugLevel = zapcore.DebugLevel
	InfoLevel  = zapcore.InfoLevel
	WarnLevel  = zapcore.WarnLevel
	ErrorLevel = zapcore.ErrorLevel
)

// New builds a production-style JSON logger tagged with the given service
// name (e.g. "mds", "mdsl", "r2") and a site-id field once known.
func New(service string) *zap.SugaredLogger {
	return NewAtLevel(service, InfoLevel)
}

// NewAtLevel builds a logger at an explicit level, used by tests that want
// debug-level output or by production configs that dial verbosity down.
func NewAtLevel(service string, level Level) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	base, err := cfg.Build(zap.AddCallerSkip(0))
	if err != nil {
		// zap.NewProductionConfig().Build() only fails on a malformed
		// encoder config, which never happens with the literal config
		// above; fall back to a no-op logger rather than panic in a
		// library constructor.
		base = zap.NewNop()
	}

	return base.With(zap.String("service", service)).Sugar()
}

// WithSite returns a derived logger tagged with the process's site-id, once
// R2 registration has assigned one.
func WithSite(log *zap.SugaredLogger, siteID uint64) *zap.SugaredLogger {
	return log.With("site_id", siteID)
}

// Nop returns a logger that discards everything, used by unit tests that
// don't care about log output.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
