// Package middleware wraps handler invocation on the dispatcher.
//
// A middleware sees the validated request envelope and returns the reply or
// error reply that goes back on the wire. Chain(A, B, C)(h) runs as
// A → B → C → h → C → B → A.
package middleware

import (
	"context"

	"mini-ipc/message"
)

type HandlerFunc func(ctx context.Context, req *message.Envelope) *message.Envelope

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one is outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
