package server

import (
	"context"
	"encoding/json"
	"fmt"
)

// HandlerFunc serves one named method. args is the raw JSON sent by the caller
// (an empty object when the caller sent none). The returned value is encoded as
// the reply result; a non-nil error becomes an error reply carrying only
// err.Error().
type HandlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Typed adapts a function taking decoded arguments.
//
//	srv.Handle("add", server.Typed(func(ctx context.Context, a AddArgs) (int, error) {
//		return a.A + a.B, nil
//	}))
func Typed[A any, R any](fn func(ctx context.Context, args A) (R, error)) HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args A
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadArgs, err)
			}
		}
		return fn(ctx, args)
	}
}

// invoke runs h, turning a panic into an error so that a handler blowing up
// synchronously is answered like one returning an error.
func invoke(ctx context.Context, h HandlerFunc, args json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = fmt.Errorf("%v", r)
			}
			result = nil
		}
	}()
	return h(ctx, args)
}
