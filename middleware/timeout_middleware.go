package middleware

import (
	"context"
	"time"

	"mini-ipc/message"
)

const ErrTextTimedOut = "request timed out"

// TimeOutMiddleware answers with an error reply once timeout elapses. The
// handler's context is cancelled at that point; its late result is discarded.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Envelope, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.NewErrorReply(req.ID, ErrTextTimedOut)
			}
		}
	}
}
