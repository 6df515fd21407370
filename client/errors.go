package client

import "errors"

var (
	ErrClosed      = errors.New("client: closed")
	ErrConnected   = errors.New("client: already connected")
	ErrCallTimeout = errors.New("client: call timed out")
)

// RemoteError is a failure reported by the dispatcher in an error reply. Only
// the message text crosses the channel.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}
