// Package client implements the caller: it connects to a dispatcher's channel,
// tags every request with a fresh correlation id and completes the matching
// callback when the reply or error reply comes back. It also fans push
// notifications out to listeners.
//
// Requests sent while no connection is live are queued and flushed, in order,
// as soon as the channel connects. Calls in flight when the connection drops
// are not redelivered; they stay pending until Close or, with WithCallTimeout,
// until they time out.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"

	"mini-ipc/codec"
	"mini-ipc/message"
	"mini-ipc/transport"
)

// Callback completes one call. Exactly one of result and err is meaningful.
// An error reply from the dispatcher arrives as *RemoteError.
type Callback func(result json.RawMessage, err error)

type pendingCall struct {
	name  string
	cb    Callback
	sent  time.Time
	timer *time.Timer
}

type listener struct {
	fn func(args json.RawMessage)
}

// Client is a caller bound to at most one channel.
type Client struct {
	cfg    config
	logger *slog.Logger
	dialer transport.Dialer
	codec  codec.Codec

	mu        sync.Mutex
	channel   transport.Channel
	conn      transport.Conn // nil while disconnected
	queue     [][]byte       // encoded requests waiting for a live connection
	pending   map[string]*pendingCall
	listeners map[string][]*listener
	closed    bool
	notify    func(error)
}

// New creates a caller that connects through dialer.
func New(dialer transport.Dialer, opts ...Option) (*Client, error) {
	cfg := config{
		logHandler: slog.Default().Handler(),
		msink:      metrics.Default(),
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	return &Client{
		cfg:       cfg,
		logger:    slog.New(cfg.logHandler).With(slog.String("component", "caller")),
		dialer:    dialer,
		codec:     codec.GetCodec(codec.CodecTypeJSON),
		pending:   make(map[string]*pendingCall),
		listeners: make(map[string][]*listener),
	}, nil
}

// Connect starts connecting to name in the background. cb, if not nil, is
// called exactly once: with nil on the first successful connection, or with
// the first connection error. The channel keeps reconnecting either way.
// When the channel cannot be opened at all (an invalid name, say) cb gets the
// same error Connect returns, and Connect may be called again.
func (c *Client) Connect(name string, cb func(err error)) error {
	var once sync.Once
	notify := func(err error) {
		once.Do(func() {
			if cb != nil {
				cb(err)
			}
		})
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.channel != nil {
		c.mu.Unlock()
		return ErrConnected
	}
	c.notify = notify
	prevLogger := c.logger
	c.logger = c.logger.With(slog.String("channel", name))

	ch, err := c.dialer.ConnectTo(name, &observer{c: c})
	if err != nil {
		c.logger = prevLogger
		c.mu.Unlock()
		err = fmt.Errorf("client: connect %s: %w", name, err)
		notify(err)
		return err
	}
	c.channel = ch
	c.mu.Unlock()
	return nil
}

// Send issues a request for method name. A nil args is sent as an empty
// object. cb may be nil when the result does not matter.
func (c *Client) Send(name string, args any, cb Callback) error {
	_, err := c.send(name, args, cb)
	return err
}

// Call is Send waiting for the outcome. Cancelling ctx abandons the call: the
// pending entry is evicted and a late reply is discarded.
func (c *Client) Call(ctx context.Context, name string, args any) (json.RawMessage, error) {
	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	id, err := c.send(name, args, func(result json.RawMessage, err error) {
		done <- outcome{result, err}
	})
	if err != nil {
		return nil, err
	}
	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		c.evict(id)
		return nil, ctx.Err()
	}
}

func (c *Client) send(name string, args any, cb Callback) (string, error) {
	id := uuid.NewString()
	env, err := message.NewRequest(id, name, args)
	if err != nil {
		return "", err
	}
	data, err := c.codec.Encode(env)
	if err != nil {
		return "", fmt.Errorf("client: encode request %q: %w", name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", ErrClosed
	}
	p := &pendingCall{name: name, cb: cb, sent: time.Now()}
	if c.cfg.callTimeout > 0 {
		p.timer = time.AfterFunc(c.cfg.callTimeout, func() { c.expire(id) })
	}
	c.pending[id] = p
	c.cfg.msink.IncrCounterWithLabels(MetricRequestCount, 1, c.cfg.metricLabels)
	c.cfg.msink.SetGaugeWithLabels(MetricPending, float32(len(c.pending)), c.cfg.metricLabels)

	// Emitting under the lock keeps new requests behind a flush in progress.
	// Anything already queued goes first, so a request never overtakes one
	// sent before it.
	if c.conn == nil || len(c.queue) > 0 {
		c.enqueue(data)
		return id, nil
	}
	if err := c.conn.Emit(data); err != nil {
		// The connection is dead; the next OnConnect flushes the queue.
		c.logger.Warn("send failed, queueing until reconnect", slog.String("method", name), slog.Any("error", err))
		c.conn = nil
		c.enqueue(data)
	}
	return id, nil
}

// enqueue appends to the outbound queue. c.mu must be held.
func (c *Client) enqueue(data []byte) {
	c.queue = append(c.queue, data)
	c.cfg.msink.IncrCounterWithLabels(MetricQueuedCount, 1, c.cfg.metricLabels)
}

// On registers fn for push notifications called name. Listeners of one name
// run in registration order. The returned function removes exactly this
// registration; calling it more than once is harmless.
func (c *Client) On(name string, fn func(args json.RawMessage)) func() {
	l := &listener{fn: fn}
	c.mu.Lock()
	c.listeners[name] = append(c.listeners[name], l)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		ls := c.listeners[name]
		for i, x := range ls {
			if x == l {
				rest := make([]*listener, 0, len(ls)-1)
				rest = append(append(rest, ls[:i]...), ls[i+1:]...)
				if len(rest) == 0 {
					delete(c.listeners, name)
				} else {
					c.listeners[name] = rest
				}
				return
			}
		}
	}
}

// RemoveListener drops every listener registered for name.
func (c *Client) RemoveListener(name string) {
	c.mu.Lock()
	delete(c.listeners, name)
	c.mu.Unlock()
}

// Pending returns the number of calls awaiting a reply.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Connected reports whether a connection is live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close disconnects and fails every pending call with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ch := c.channel
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.queue = nil
	c.conn = nil
	c.mu.Unlock()

	for _, p := range pending {
		p.complete(nil, ErrClosed)
	}
	if ch != nil {
		return ch.Close()
	}
	return nil
}

// take removes and returns the pending call id, if any.
func (c *Client) take(id string) (*pendingCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		c.cfg.msink.SetGaugeWithLabels(MetricPending, float32(len(c.pending)), c.cfg.metricLabels)
	}
	return p, ok
}

func (c *Client) evict(id string) {
	if p, ok := c.take(id); ok && p.timer != nil {
		p.timer.Stop()
	}
}

func (c *Client) expire(id string) {
	p, ok := c.take(id)
	if !ok {
		return
	}
	c.cfg.msink.IncrCounterWithLabels(MetricTimeoutCount, 1, c.cfg.metricLabels)
	c.logger.Warn("call timed out", slog.String("id", id), slog.String("method", p.name))
	p.complete(nil, fmt.Errorf("%w: %s after %s", ErrCallTimeout, p.name, c.cfg.callTimeout))
}

func (p *pendingCall) complete(result json.RawMessage, err error) {
	if p.timer != nil {
		p.timer.Stop()
	}
	if p.cb != nil {
		p.cb(result, err)
	}
}

// handleMessage routes one payload from the dispatcher by envelope tag.
func (c *Client) handleMessage(payload []byte) {
	env, err := c.codec.Decode(payload)
	if err != nil {
		c.logger.Warn("dropping undecodable message", slog.String("payload", string(payload)), slog.Any("error", err))
		return
	}
	switch env.Kind() {
	case message.KindReply, message.KindError:
		c.resolve(env)
	case message.KindPush:
		c.deliverPush(env)
	default:
		c.logger.Warn("dropping unexpected envelope", slog.String("type", string(env.Type)), slog.String("id", env.ID))
	}
}

func (c *Client) resolve(env *message.Envelope) {
	p, ok := c.take(env.ID)
	if !ok {
		// Already completed, evicted or never ours.
		c.logger.Debug("dropping unmatched reply", slog.String("id", env.ID))
		c.cfg.msink.IncrCounterWithLabels(MetricUnmatchedCount, 1, c.cfg.metricLabels)
		return
	}
	c.cfg.msink.AddSampleWithLabels(MetricRoundTripMillis,
		float32(time.Since(p.sent).Seconds()*1000), c.cfg.metricLabels)

	if env.Kind() == message.KindError {
		c.cfg.msink.IncrCounterWithLabels(MetricErrorReplyCount, 1, c.cfg.metricLabels)
		p.complete(nil, &RemoteError{Message: env.ErrorText()})
		return
	}
	c.cfg.msink.IncrCounterWithLabels(MetricReplyCount, 1, c.cfg.metricLabels)
	p.complete(env.Result, nil)
}

func (c *Client) deliverPush(env *message.Envelope) {
	c.mu.Lock()
	ls := c.listeners[env.Name] // replaced, never mutated in place
	c.mu.Unlock()

	c.cfg.msink.IncrCounterWithLabels(MetricPushCount, 1, c.cfg.metricLabels)
	for _, l := range ls {
		l.fn(env.Args)
	}
}

// observer receives channel events on behalf of the client.
type observer struct {
	c *Client
}

func (o *observer) OnConnect(conn transport.Conn) {
	c := o.c
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.conn = conn
	queue := c.queue
	c.queue = nil
	for i, data := range queue {
		if err := conn.Emit(data); err != nil {
			// Keep the remainder in order for the next connection and stop
			// using this one.
			c.logger.Warn("flush interrupted", slog.Int("left", len(queue)-i), slog.Any("error", err))
			c.queue = queue[i:]
			c.conn = nil
			break
		}
	}
	notify := c.notify
	c.mu.Unlock()

	c.logger.Debug("connected", slog.String("conn", conn.ID()), slog.Int("flushed", len(queue)))
	notify(nil)
}

func (o *observer) OnDisconnect(conn transport.Conn, err error) {
	c := o.c
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	pending := len(c.pending)
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("disconnected", slog.String("conn", conn.ID()), slog.Int("pending", pending), slog.Any("error", err))
		return
	}
	c.logger.Debug("disconnected", slog.String("conn", conn.ID()), slog.Int("pending", pending))
}

func (o *observer) OnError(err error) {
	c := o.c
	c.logger.Debug("channel error", slog.Any("error", err))
	c.mu.Lock()
	notify := c.notify
	c.mu.Unlock()
	notify(err)
}

func (o *observer) OnMessage(conn transport.Conn, payload []byte) {
	o.c.handleMessage(payload)
}
