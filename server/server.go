// Package server implements the dispatcher: it binds a named channel, routes
// every request to the handler registered under the request's method name and
// answers with exactly one reply or error reply on the connection the request
// arrived on.
//
// Request processing pipeline:
//
//	Observer.OnMessage → go handleMessage (parallel processing)
//	  → Codec.Decode → validate → Middleware Chain → dispatch (invoke handler) → Codec.Encode → Conn.Emit
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"

	"mini-ipc/codec"
	"mini-ipc/message"
	"mini-ipc/middleware"
	"mini-ipc/transport"
)

// Server is a dispatcher. The handler table is fixed once Start returns.
type Server struct {
	cfg    config
	base   *slog.Logger
	logger *slog.Logger // base plus the bound channel
	binder transport.Binder
	codec  codec.Codec

	mu          sync.Mutex
	handlers    map[string]HandlerFunc
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(dispatch)))
	endpoint    transport.Endpoint
	name        string

	started  atomic.Bool
	drainMu  sync.Mutex // orders wg.Add against the shutdown flag
	shutdown atomic.Bool
	wg       sync.WaitGroup // in-flight requests

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a dispatcher that binds through binder.
func New(binder transport.Binder, opts ...Option) (*Server, error) {
	cfg := config{
		logHandler: slog.Default().Handler(),
		msink:      metrics.Default(),
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	logger := slog.New(cfg.logHandler).With(slog.String("component", "dispatcher"))
	return &Server{
		cfg:      cfg,
		base:     logger,
		logger:   logger,
		binder:   binder,
		codec:    codec.GetCodec(codec.CodecTypeJSON),
		handlers: make(map[string]HandlerFunc),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Handle registers h under name, replacing any previous handler. A nil h is
// accepted and answered with an error reply when called.
func (s *Server) Handle(name string, h HandlerFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.Load() {
		return ErrStarted
	}
	s.handlers[name] = h
	return nil
}

// RegisterService exposes the exported methods of rcvr shaped like
// func(context.Context, *Args) (Reply, error) as "Type.Method".
func (s *Server) RegisterService(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	for name, h := range svc.handlers() {
		if err := s.Handle(name, h); err != nil {
			return err
		}
	}
	return nil
}

// Use registers a middleware. Middlewares are applied in the order they are
// added and must be added before Start.
func (s *Server) Use(mw middleware.Middleware) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.Load() {
		return ErrStarted
	}
	s.middlewares = append(s.middlewares, mw)
	return nil
}

// Start merges handlers into the table, binds name and returns once the
// channel accepts connections. Requests are served in the background until
// Shutdown. When a registry is configured the bound channel is announced
// with ctx. A failed Start leaves the channel unbound and may be retried.
func (s *Server) Start(ctx context.Context, name string, handlers map[string]HandlerFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.Load() {
		return ErrStarted
	}
	for method, h := range handlers {
		s.handlers[method] = h
	}
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)
	s.logger = s.base.With(slog.String("channel", name))

	ep, err := s.binder.Bind(name, &observer{s: s})
	if err != nil {
		return fmt.Errorf("server: start %s: %w", name, err)
	}
	if s.cfg.registry != nil {
		inst := s.cfg.instance
		inst.Channel = name
		if err := s.cfg.registry.Register(ctx, s.cfg.serviceName, inst, s.cfg.ttl); err != nil {
			if cerr := ep.Close(); cerr != nil {
				s.logger.Warn("close after failed register", slog.Any("error", cerr))
			}
			return fmt.Errorf("server: register %s as %s: %w", name, s.cfg.serviceName, err)
		}
		s.logger.Info("registered", slog.String("service", s.cfg.serviceName))
	}

	s.name = name
	s.endpoint = ep
	s.started.Store(true)
	s.logger.Info("dispatcher started", slog.Int("methods", len(s.handlers)))
	return nil
}

// Name returns the bound channel name, empty before Start.
func (s *Server) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Push broadcasts a push notification to every connected caller.
func (s *Server) Push(name string, args any) error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	if s.shutdown.Load() {
		return ErrShutdown
	}
	s.cfg.msink.IncrCounterWithLabels(MetricPushCount, 1, s.label(labelMethod, name))
	return Broadcast(s.endpoint, name, args)
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the registry so callers stop picking this channel
//  2. Stop taking new requests
//  3. Wait for in-flight requests to reply (with timeout)
//  4. Close the channel
func (s *Server) Shutdown(timeout time.Duration) error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	s.drainMu.Lock()
	first := s.shutdown.CompareAndSwap(false, true)
	s.drainMu.Unlock()
	if !first {
		return nil
	}
	defer s.cancel()

	var errs []error
	if s.cfg.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := s.cfg.registry.Deregister(ctx, s.cfg.serviceName, s.name); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		errs = append(errs, errors.New("server: timeout waiting for in-flight requests"))
	}

	if err := s.endpoint.Close(); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info("dispatcher stopped")
	return errors.Join(errs...)
}

// handleMessage runs one request through the pipeline and emits the outcome.
func (s *Server) handleMessage(conn transport.Conn, payload []byte) {
	defer s.wg.Done()

	req, err := s.codec.Decode(payload)
	if err != nil {
		id, ok := codec.RecoverID(payload)
		if !ok {
			s.logger.Warn("dropping undecodable message",
				slog.String("conn", conn.ID()), slog.String("payload", string(payload)), slog.Any("error", err))
			s.cfg.msink.IncrCounterWithLabels(MetricDroppedCount, 1, s.label(labelReason, "malformed"))
			return
		}
		s.logger.Warn("malformed request",
			slog.String("id", id), slog.String("payload", string(payload)), slog.Any("error", err))
		s.emit(conn, message.NewErrorReply(id, errTextMalformed+": "+err.Error()))
		return
	}
	if req.ID == "" {
		// Nowhere to send a reply.
		s.logger.Debug("dropping request without id", slog.String("method", req.Name))
		s.cfg.msink.IncrCounterWithLabels(MetricDroppedCount, 1, s.label(labelReason, "no_id"))
		return
	}
	s.cfg.msink.IncrCounterWithLabels(MetricRequestCount, 1, s.label(labelMethod, req.Name))
	if req.Name == "" {
		s.logger.Warn("request without method name", slog.String("id", req.ID), slog.String("args", string(req.Args)))
		s.emit(conn, message.NewErrorReply(req.ID, errTextMissingName))
		return
	}

	start := time.Now()
	resp := s.handler(s.ctx, req)
	s.cfg.msink.AddSampleWithLabels(MetricHandlerMillis,
		float32(time.Since(start).Seconds()*1000), s.label(labelMethod, req.Name))

	if resp == nil {
		resp, _ = message.NewReply(req.ID, nil)
	}
	resp.ID = req.ID
	if resp.Kind() == message.KindError {
		s.logger.Warn("handler failed",
			slog.String("method", req.Name),
			slog.String("args", string(req.Args)),
			slog.String("error", resp.ErrorText()))
	}
	s.emit(conn, resp)
}

// dispatch is the innermost handler, wrapped by the middleware chain.
func (s *Server) dispatch(ctx context.Context, req *message.Envelope) *message.Envelope {
	h, ok := s.handlers[req.Name]
	if !ok {
		s.logger.Warn("no handler registered", slog.String("method", req.Name), slog.String("args", string(req.Args)))
		resp, _ := message.NewReply(req.ID, nil)
		return resp
	}
	if h == nil {
		return message.NewErrorReply(req.ID, fmt.Errorf("%w: %s", ErrNotCallable, req.Name).Error())
	}

	result, err := invoke(ctx, h, req.Args)
	if err != nil {
		return message.NewErrorReply(req.ID, err.Error())
	}
	resp, err := message.NewReply(req.ID, result)
	if err != nil {
		return message.NewErrorReply(req.ID, err.Error())
	}
	return resp
}

func (s *Server) emit(conn transport.Conn, resp *message.Envelope) {
	data, err := s.codec.Encode(resp)
	if err != nil {
		s.logger.Error("encode reply", slog.String("id", resp.ID), slog.Any("error", err))
		return
	}
	if resp.Kind() == message.KindError {
		s.cfg.msink.IncrCounterWithLabels(MetricErrorReplyCount, 1, s.cfg.metricLabels)
	} else {
		s.cfg.msink.IncrCounterWithLabels(MetricReplyCount, 1, s.cfg.metricLabels)
	}
	if err := conn.Emit(data); err != nil {
		s.logger.Warn("reply not delivered",
			slog.String("id", resp.ID), slog.String("conn", conn.ID()), slog.Any("error", err))
	}
}

// observer receives channel events on behalf of the server.
type observer struct {
	s     *Server
	peers atomic.Int64
}

func (o *observer) OnConnect(conn transport.Conn) {
	n := o.peers.Add(1)
	o.s.cfg.msink.SetGaugeWithLabels(MetricPeers, float32(n), o.s.cfg.metricLabels)
	o.s.logger.Debug("caller connected", slog.String("conn", conn.ID()))
}

func (o *observer) OnDisconnect(conn transport.Conn, err error) {
	n := o.peers.Add(-1)
	o.s.cfg.msink.SetGaugeWithLabels(MetricPeers, float32(n), o.s.cfg.metricLabels)
	if err != nil {
		o.s.logger.Warn("caller dropped", slog.String("conn", conn.ID()), slog.Any("error", err))
		return
	}
	o.s.logger.Debug("caller disconnected", slog.String("conn", conn.ID()))
}

func (o *observer) OnError(err error) {
	o.s.logger.Error("channel error", slog.Any("error", err))
}

func (o *observer) OnMessage(conn transport.Conn, payload []byte) {
	o.s.drainMu.Lock()
	if o.s.shutdown.Load() {
		o.s.drainMu.Unlock()
		o.s.logger.Debug("dropping request during shutdown", slog.String("conn", conn.ID()))
		return
	}
	o.s.wg.Add(1)
	o.s.drainMu.Unlock()
	go o.s.handleMessage(conn, payload)
}
