package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logger configuration
type Config struct {
	Level       string
	Development bool
	Encoding    string // "json" or "console"
	Service     string // attached as a "service" field on every entry
}

// New creates a new zap logger
func New(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zapConfig zap.Config
	if cfg.Development {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	if cfg.Encoding != "" {
		zapConfig.Encoding = cfg.Encoding
	}

	zapConfig.Level = zap.NewAtomicLevelAt(level)
	zapConfig.OutputPaths = []string{"stdout"}
	zapConfig.ErrorOutputPaths = []string{"stderr"}

	log, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}
	if cfg.Service != "" {
		log = log.With(zap.String("service", cfg.Service))
	}
	return log, nil
}

// Default creates a logger from the process environment, falling back to a
// basic logger when construction fails.
func Default() *zap.Logger {
	log, err := New(Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Development: os.Getenv("RELAY_ENV") != "production",
		Encoding:    "console",
	})
	if err != nil {
		return zap.NewExample()
	}
	return log
}

// Nop returns a logger that discards everything. Handy in tests.
func Nop() *zap.Logger {
	return zap.NewNop()
}
