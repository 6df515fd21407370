package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
)

// UnixEndpoint is a bound channel accepting peers.
//
// Each accepted peer gets its own read goroutine, so events of one peer are
// serial while different peers are observed concurrently.
type UnixEndpoint struct {
	t      *UnixTransport
	name   string
	path   string
	ln     net.Listener
	obs    Observer
	logger *slog.Logger

	mu     sync.RWMutex
	peers  map[string]*framedConn
	nextID atomic.Uint64

	shutdown atomic.Bool
	wg       sync.WaitGroup
}

// Bind listens on name, replacing any stale socket file, and starts accepting
// peers in the background. Once Bind returns, dials to name succeed.
func (t *UnixTransport) Bind(name string, obs Observer) (Endpoint, error) {
	ln, path, err := t.listen(name)
	if err != nil {
		return nil, err
	}
	ep := &UnixEndpoint{
		t:      t,
		name:   name,
		path:   path,
		ln:     ln,
		obs:    obs,
		logger: t.logger.With(slog.String("channel", name)),
		peers:  make(map[string]*framedConn),
	}
	ep.wg.Add(1)
	go ep.acceptLoop()
	ep.logger.Debug("bound", slog.String("path", path))
	return ep, nil
}

func (ep *UnixEndpoint) Name() string {
	return ep.name
}

// Path is the socket file backing the endpoint.
func (ep *UnixEndpoint) Path() string {
	return ep.path
}

func (ep *UnixEndpoint) acceptLoop() {
	defer ep.wg.Done()
	for {
		nc, err := ep.ln.Accept()
		if err != nil {
			// Close() makes Accept fail; that is not worth reporting.
			if !ep.shutdown.Load() {
				ep.obs.OnError(fmt.Errorf("transport: accept on %s: %w", ep.name, err))
			}
			return
		}
		fc := newFramedConn(fmt.Sprintf("%s@%d", ep.name, ep.nextID.Add(1)), nc, ep.t.cfg.WriteTimeout)

		ep.mu.Lock()
		if ep.shutdown.Load() {
			ep.mu.Unlock()
			fc.Close()
			return
		}
		ep.peers[fc.ID()] = fc
		ep.mu.Unlock()

		ep.wg.Add(1)
		go ep.servePeer(fc)
	}
}

func (ep *UnixEndpoint) servePeer(fc *framedConn) {
	defer ep.wg.Done()
	ep.obs.OnConnect(fc)
	err := fc.readLoop(func(payload []byte) {
		ep.obs.OnMessage(fc, payload)
	})

	ep.mu.Lock()
	delete(ep.peers, fc.ID())
	ep.mu.Unlock()
	fc.Close()

	if ep.shutdown.Load() {
		err = nil
	}
	ep.obs.OnDisconnect(fc, err)
}

// Broadcast emits payload to every peer connected right now. Failures on
// individual peers are joined; the remaining peers still receive the payload.
func (ep *UnixEndpoint) Broadcast(payload []byte) error {
	ep.mu.RLock()
	peers := make([]*framedConn, 0, len(ep.peers))
	for _, p := range ep.peers {
		peers = append(peers, p)
	}
	ep.mu.RUnlock()

	var errs []error
	for _, p := range peers {
		if err := p.Emit(payload); err != nil {
			ep.logger.Warn("broadcast to peer failed", slog.String("conn", p.ID()), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", p.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (ep *UnixEndpoint) Peers() int {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return len(ep.peers)
}

// Close stops accepting, disconnects every peer, waits for their read loops
// to finish and removes the socket file.
func (ep *UnixEndpoint) Close() error {
	if !ep.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	err := ep.ln.Close()

	ep.mu.Lock()
	for _, p := range ep.peers {
		p.Close()
	}
	ep.mu.Unlock()

	ep.wg.Wait()
	if rmErr := os.Remove(ep.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		err = errors.Join(err, rmErr)
	}
	return err
}
