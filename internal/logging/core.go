package logging

import (
	"os"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const instrumentationName = "github.com/fyrsmithlabs/docqa"

// newCore tees stdout with the otel bridge when a provider is given.
// Only stdout is redacted; the otel core receives structured attributes.
func newCore(cfg *Config, otelProvider log.LoggerProvider) (zapcore.Core, error) {
	enc, err := newRedactingEncoder(newEncoder(cfg.Format), cfg.Redact, cfg.Scrub)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stdout), cfg.Level)

	if otelProvider != nil {
		core = zapcore.NewTee(core, otelzap.NewCore(instrumentationName,
			otelzap.WithLoggerProvider(otelProvider),
		))
	}
	if cfg.Sample {
		core = newSampledCore(core)
	}
	return core, nil
}

func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == "console" {
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}

// newSampledCore keeps the first 100 identical entries per second below
// Error, then every tenth.
func newSampledCore(core zapcore.Core) zapcore.Core {
	return zapcore.NewTee(
		&levelRangeCore{Core: core, min: zapcore.ErrorLevel, max: zapcore.FatalLevel},
		zapcore.NewSamplerWithOptions(
			&levelRangeCore{Core: core, min: zapcore.DebugLevel, max: zapcore.WarnLevel},
			time.Second, 100, 10,
		),
	)
}

// levelRangeCore passes entries with min <= level <= max.
type levelRangeCore struct {
	zapcore.Core
	min, max zapcore.Level
}

func (c *levelRangeCore) Enabled(lvl zapcore.Level) bool {
	return lvl >= c.min && lvl <= c.max && c.Core.Enabled(lvl)
}

func (c *levelRangeCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *levelRangeCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelRangeCore{Core: c.Core.With(fields), min: c.min, max: c.max}
}
