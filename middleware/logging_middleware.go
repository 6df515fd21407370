package middleware

import (
	"context"
	"log/slog"
	"time"

	"mini-ipc/message"
)

// LoggingMiddleware logs every invocation with its duration, and the error
// text when the handler failed.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			start := time.Now()
			resp := next(ctx, req)
			attrs := []any{
				slog.String("method", req.Name),
				slog.String("id", req.ID),
				slog.Duration("duration", time.Since(start)),
			}
			if resp != nil && resp.Kind() == message.KindError {
				logger.Info("request failed", append(attrs, slog.String("error", resp.ErrorText()))...)
				return resp
			}
			logger.Debug("request handled", attrs...)
			return resp
		}
	}
}
