package middleware

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"mini-ipc/message"
)

// RetryMiddleware re-invokes the handler when it failed with a transient error
// (timeouts, refused connections), backing off exponentially from baseDelay.
// Only use it for idempotent handlers. A nil logger uses slog.Default().
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			resp := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if resp == nil || resp.Kind() != message.KindError || !retryable(resp.ErrorText()) {
					return resp
				}
				logger.Debug("retrying request",
					slog.Int("attempt", i+1),
					slog.String("method", req.Name),
					slog.String("error", resp.ErrorText()))
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return resp
				}
				resp = next(ctx, req)
			}
			return resp
		}
	}
}

func retryable(text string) bool {
	return strings.Contains(text, "timed out") ||
		strings.Contains(text, "timeout") ||
		strings.Contains(text, "connection refused")
}
