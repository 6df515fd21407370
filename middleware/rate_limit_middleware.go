package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mini-ipc/message"
)

const ErrTextRateLimited = "rate limit exceeded"

// RateLimitMiddleware rejects requests beyond a token bucket of r per second
// with the given burst.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			if !limiter.Allow() {
				return message.NewErrorReply(req.ID, ErrTextRateLimited)
			}
			return next(ctx, req)
		}
	}
}
