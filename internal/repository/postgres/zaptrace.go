package postgres

import (
	"context"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/tracelog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapTraceLogger adapts zap to pgx's tracelog.Logger.
type ZapTraceLogger struct {
	logger *zap.Logger
}

var _ tracelog.Logger = (*ZapTraceLogger)(nil)

// NewZapTraceLogger wraps logger for use as a pgx query tracer.
func NewZapTraceLogger(logger *zap.Logger) *ZapTraceLogger {
	return &ZapTraceLogger{logger: logger.WithOptions(zap.AddCallerSkip(1)).Named("pgx")}
}

// Log writes a pgx trace record, tagging it with the HTTP request id when the context carries one.
func (l *ZapTraceLogger) Log(ctx context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
	fields := make([]zapcore.Field, 0, len(data)+1)
	for k, v := range data {
		// query arguments may carry message bodies
		if k == "args" {
			continue
		}
		fields = append(fields, zap.Any(k, v))
	}
	if id := middleware.GetReqID(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}

	switch level {
	case tracelog.LogLevelTrace, tracelog.LogLevelDebug:
		l.logger.Debug(msg, fields...)
	case tracelog.LogLevelInfo:
		l.logger.Info(msg, fields...)
	case tracelog.LogLevelWarn:
		l.logger.Warn(msg, fields...)
	case tracelog.LogLevelError:
		l.logger.Error(msg, fields...)
	default:
		l.logger.Error(msg, append(fields, zap.Stringer("invalid_pgx_level", level))...)
	}
}
