// Package transport provides the named duplex channel that callers and
// dispatchers talk over.
//
// A channel is identified by a name string. The server side binds the name and
// accepts any number of peers; the client side connects to the name and keeps
// reconnecting until it is closed. Both sides observe the same four events:
//
//	connect     a live connection is available (Conn can Emit)
//	disconnect  the live connection went away
//	error       a dial or accept failure
//	message     one complete payload arrived
//
// Events belonging to one connection are delivered serially from a single
// goroutine, in arrival order.
package transport

import "errors"

var (
	ErrClosed       = errors.New("transport: channel closed")
	ErrDial         = errors.New("transport: could not connect")
	ErrNameInvalid  = errors.New("transport: channel name must be non-empty and contain no path separator")
	ErrBind         = errors.New("transport: could not bind channel")
	ErrNotConnected = errors.New("transport: connection is not live")
)

// Event names a channel lifecycle event.
type Event string

const (
	EventConnect    Event = "connect"
	EventDisconnect Event = "disconnect"
	EventError      Event = "error"
	EventMessage    Event = "message"
)

// Conn is one live connection of a channel.
type Conn interface {
	// ID identifies the connection for logging.
	ID() string
	// Emit sends one "message" event carrying payload.
	Emit(payload []byte) error
}

// Observer receives the events of a channel.
type Observer interface {
	OnConnect(conn Conn)
	OnDisconnect(conn Conn, err error)
	OnError(err error)
	OnMessage(conn Conn, payload []byte)
}

// Channel is the client side handle returned by ConnectTo.
type Channel interface {
	Name() string
	// Close disconnects and stops any further reconnection attempts.
	Close() error
}

// Endpoint is a bound, accepting channel.
type Endpoint interface {
	Name() string
	// Broadcast emits payload to every connected peer.
	Broadcast(payload []byte) error
	// Peers returns the number of connected peers.
	Peers() int
	Close() error
}

// Dialer connects to named channels.
type Dialer interface {
	ConnectTo(name string, obs Observer) (Channel, error)
}

// Binder binds named channels.
type Binder interface {
	Bind(name string, obs Observer) (Endpoint, error)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields ignore the event.
type ObserverFuncs struct {
	Connect    func(conn Conn)
	Disconnect func(conn Conn, err error)
	Error      func(err error)
	Message    func(conn Conn, payload []byte)
}

func (o ObserverFuncs) OnConnect(conn Conn) {
	if o.Connect != nil {
		o.Connect(conn)
	}
}

func (o ObserverFuncs) OnDisconnect(conn Conn, err error) {
	if o.Disconnect != nil {
		o.Disconnect(conn, err)
	}
}

func (o ObserverFuncs) OnError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

func (o ObserverFuncs) OnMessage(conn Conn, payload []byte) {
	if o.Message != nil {
		o.Message(conn, payload)
	}
}
