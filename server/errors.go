package server

import "errors"

var (
	ErrStarted     = errors.New("server: already started")
	ErrNotStarted  = errors.New("server: not started")
	ErrShutdown    = errors.New("server: shutting down")
	ErrNotCallable = errors.New("server: handler is not callable")
	ErrBadArgs     = errors.New("server: invalid arguments")
	ErrNoMethods   = errors.New("server: type has no exported methods of the form func(context.Context, *Args) (Reply, error)")
)

// Error texts sent back in error replies for protocol violations.
const (
	errTextMissingName = "request is missing a method name"
	errTextMalformed   = "malformed request"
)
