// Package logging wraps zap with the small set of context-carried
// fields the relay core cares about: room name and connection id.
// Adapted from the Video-Conferencing backend's logging package, which
// does the same thing for correlation/user/room ids.
package logging

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	roomNameKey   contextKey = "room_name"
	connectionKey contextKey = "connection_id"
)

var (
	logger *zap.Logger
	once   sync.Once
)

// Initialize sets up the global logger. development selects a
// human-readable console encoder; production selects JSON with
// ISO8601 timestamps.
func Initialize(development bool) error {
	var err error
	once.Do(func() {
		var cfg zap.Config
		if development {
			cfg = zap.NewDevelopmentConfig()
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			cfg = zap.NewProductionConfig()
			cfg.EncoderConfig.TimeKey = "timestamp"
			cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		}
		cfg.OutputPaths = []string{"stdout"}
		cfg.ErrorOutputPaths = []string{"stderr"}

		logger, err = cfg.Build(zap.AddCallerSkip(1))
	})
	return err
}

// L returns the global logger, falling back to a development logger if
// Initialize was never called (tests, early startup).
func L() *zap.Logger {
	if logger == nil {
		l, _ := zap.NewDevelopment()
		return l
	}
	return logger
}

// WithRoom returns a context carrying roomName for later log calls.
func WithRoom(ctx context.Context, roomName string) context.Context {
	return context.WithValue(ctx, roomNameKey, roomName)
}

// WithConnection returns a context carrying a connection id.
func WithConnection(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, connectionKey, connID)
}

func fields(ctx context.Context, extra []zap.Field) []zap.Field {
	if ctx == nil {
		return extra
	}
	if room, ok := ctx.Value(roomNameKey).(string); ok {
		extra = append(extra, zap.String("room_name", room))
	}
	if conn, ok := ctx.Value(connectionKey).(string); ok {
		extra = append(extra, zap.String("connection_id", conn))
	}
	return extra
}

// Debug logs at debug level with context fields attached.
func Debug(ctx context.Context, msg string, f ...zap.Field) { L().Debug(msg, fields(ctx, f)...) }

// Info logs at info level with context fields attached.
func Info(ctx context.Context, msg string, f ...zap.Field) { L().Info(msg, fields(ctx, f)...) }

// Warn logs at warn level with context fields attached.
func Warn(ctx context.Context, msg string, f ...zap.Field) { L().Warn(msg, fields(ctx, f)...) }

// Error logs at error level with context fields attached.
func Error(ctx context.Context, msg string, f ...zap.Field) { L().Error(msg, fields(ctx, f)...) }

// Sync flushes any buffered log entries. Call during shutdown.
func Sync() error {
	return L().Sync()
}
