package logging

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a *zap.Logger whose methods take a context and prepend
// ContextFields to every entry.
type Logger struct {
	zap *zap.Logger
	// skip points caller info past the wrapper frames.
	skip *zap.Logger
}

// NewLogger builds a logger from cfg. otelProvider receives entries when
// cfg.OTEL is set; a nil provider turns that output off.
func NewLogger(cfg *Config, otelProvider log.LoggerProvider) (*Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if !cfg.OTEL {
		otelProvider = nil
	}
	core, err := newCore(cfg, otelProvider)
	if err != nil {
		return nil, err
	}

	z := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	for k, v := range cfg.Fields {
		z = z.With(zap.String(k, v))
	}
	return Wrap(z), nil
}

// Wrap adapts z. A nil z logs nothing.
func Wrap(z *zap.Logger) *Logger {
	if z == nil {
		z = zap.NewNop()
	}
	return &Logger{zap: z, skip: z.WithOptions(zap.AddCallerSkip(2))}
}

func (l *Logger) write(ctx context.Context, lvl zapcore.Level, msg string, fields []zap.Field) {
	if ce := l.skip.Check(lvl, msg); ce != nil {
		ce.Write(append(ContextFields(ctx), fields...)...)
	}
}

func (l *Logger) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	l.write(ctx, zapcore.DebugLevel, msg, fields)
}

func (l *Logger) Info(ctx context.Context, msg string, fields ...zap.Field) {
	l.write(ctx, zapcore.InfoLevel, msg, fields)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	l.write(ctx, zapcore.WarnLevel, msg, fields)
}

func (l *Logger) Error(ctx context.Context, msg string, fields ...zap.Field) {
	l.write(ctx, zapcore.ErrorLevel, msg, fields)
}

// Named returns a child logger with name appended.
func (l *Logger) Named(name string) *Logger {
	return Wrap(l.zap.Named(name))
}

// Sync flushes buffered entries. Syncing a terminal fails with EINVAL or
// ENOTTY on Linux; those are ignored.
func (l *Logger) Sync() error {
	err := l.zap.Sync()
	var errno syscall.Errno
	if errors.As(err, &errno) && (errno == syscall.EINVAL || errno == syscall.ENOTTY) {
		return nil
	}
	return err
}

// Underlying returns the plain *zap.Logger handed to components.
func (l *Logger) Underlying() *zap.Logger {
	return l.zap
}
