// Package logging builds the process-wide zap.Logger, replacing the
// teacher's bare log.Printf calls. Grounded in
// other_examples/manifests/constb-tt-golang/go.mod, the real dependency
// manifest of the system this spec distills, which lists go.uber.org/zap
// rather than stdlib log.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger selected by LEDGER_LOG_LEVEL ("debug", "info",
// "warn", "error"; default "info"). Production encoding (JSON) is always
// used except at debug level, which switches to zap's human-readable
// development encoder for local runs.
func New() (*zap.Logger, error) {
	level := strings.ToLower(strings.TrimSpace(os.Getenv("LEDGER_LOG_LEVEL")))
	if level == "" {
		level = "info"
	}

	var zl zapcore.Level
	if err := zl.UnmarshalText([]byte(level)); err != nil {
		zl = zapcore.InfoLevel
	}

	if zl == zapcore.DebugLevel {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zl)
		return cfg.Build()
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zl)
	return cfg.Build()
}
