package main

import (
	"context"
	"encoding/json"
	"errors"

	"mini-ipc/server"
)

type addArgs struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

// demoHandlers are the methods ipcd serves.
func demoHandlers() map[string]server.HandlerFunc {
	return map[string]server.HandlerFunc{
		"add": server.Typed(func(ctx context.Context, args addArgs) (float64, error) {
			return args.A + args.B, nil
		}),
		"explode": func(ctx context.Context, args json.RawMessage) (any, error) {
			return nil, errors.New("boom")
		},
		"echo": func(ctx context.Context, args json.RawMessage) (any, error) {
			return args, nil
		},
	}
}
