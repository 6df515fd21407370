package transport

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ClientChannel is the client side of a named channel.
//
// A single goroutine (run) owns the connection lifecycle: it dials, reports
// connect, reads frames and reports each message, reports disconnect, then
// waits out the backoff and dials again. Because that one goroutine emits every
// event, observers see them strictly in order and never concurrently.
//
//	run:  dial ─✗─► OnError ─► backoff ─► dial ─✓─► OnConnect ─► OnMessage… ─► OnDisconnect ─► dial …
type ClientChannel struct {
	t    *UnixTransport
	name string
	path string
	obs  Observer

	mu   sync.Mutex
	conn *framedConn // live connection, nil while disconnected

	attempts atomic.Uint64
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// ConnectTo starts connecting to name in the background. Outcomes are reported
// to obs; the returned error only covers an invalid name.
func (t *UnixTransport) ConnectTo(name string, obs Observer) (Channel, error) {
	path, err := t.SocketPath(name)
	if err != nil {
		return nil, err
	}
	ch := &ClientChannel{
		t:    t,
		name: name,
		path: path,
		obs:  obs,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go ch.run()
	return ch, nil
}

func (ch *ClientChannel) Name() string {
	return ch.name
}

// Done is closed once the channel has stopped for good.
func (ch *ClientChannel) Done() <-chan struct{} {
	return ch.done
}

// Close stops reconnecting and drops the live connection. It does not wait for
// the event goroutine, so it is safe to call from inside an observer callback.
func (ch *ClientChannel) Close() error {
	ch.stopOnce.Do(func() {
		close(ch.stop)
	})
	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	return nil
}

func (ch *ClientChannel) stopped() bool {
	select {
	case <-ch.stop:
		return true
	default:
		return false
	}
}

func (ch *ClientChannel) run() {
	defer close(ch.done)
	bo := ch.t.newBackOff()
	logger := ch.t.logger.With(slog.String("channel", ch.name))

	for !ch.stopped() {
		nc, err := ch.t.dial(ch.path)
		if err != nil {
			ch.obs.OnError(fmt.Errorf("%w: %s: %v", ErrDial, ch.name, err))
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				logger.Warn("giving up on channel", slog.Uint64("attempts", ch.attempts.Load()))
				return
			}
			select {
			case <-time.After(wait):
			case <-ch.stop:
				return
			}
			continue
		}
		bo.Reset()

		n := ch.attempts.Add(1)
		fc := newFramedConn(fmt.Sprintf("%s#%d", ch.name, n), nc, ch.t.cfg.WriteTimeout)
		ch.mu.Lock()
		ch.conn = fc
		ch.mu.Unlock()
		if ch.stopped() {
			fc.Close()
		}

		logger.Debug("connected", slog.String("conn", fc.ID()))
		ch.obs.OnConnect(fc)

		hbStop := make(chan struct{})
		go fc.heartbeatLoop(ch.t.cfg.HeartbeatInterval, hbStop)
		err = fc.readLoop(func(payload []byte) {
			ch.obs.OnMessage(fc, payload)
		})
		close(hbStop)
		fc.Close()

		ch.mu.Lock()
		ch.conn = nil
		ch.mu.Unlock()

		if ch.stopped() {
			err = nil
		}
		logger.Debug("disconnected", slog.String("conn", fc.ID()), slog.Any("error", err))
		ch.obs.OnDisconnect(fc, err)
	}
}
