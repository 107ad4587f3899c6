package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dusklabs/relaychat/internal/config"
)

// NewLogger builds a zap logger for one of this program's generations
// (chatserver-classic, chatserver-solo, chatserverd). service is attached
// to every log line so that multiplexed output from several replicas or
// generations in the same terminal/log aggregator can be told apart, and
// replicated processes additionally get an identity field so a log line
// can be traced back to the peer that produced it.
func NewLogger(cfg config.LoggingConfig, service string, identity string) (*zap.Logger, error) {
	level := zap.InfoLevel
	if err := level.Set(cfg.Level); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	// Unreplicated generations (classic, solo) run without a sampler: their
	// volume is low enough that sampling would just drop diagnostics that
	// matter during manual testing. A replicated chatserverd under load is
	// the case the teacher's 100/100 Sampling config was meant for.
	var sampling *zap.SamplingConfig
	if identity != "" {
		sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: cfg.Development,
		Sampling:    sampling,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stack",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}

	fields := []zap.Field{zap.String("service", service)}
	if identity != "" {
		fields = append(fields, zap.String("identity", identity))
	}
	return logger.With(fields...), nil
}
