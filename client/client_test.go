package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"

	"mini-ipc/loadbalance"
	"mini-ipc/message"
	"mini-ipc/registry"
	"mini-ipc/transport"
)

type fakeConn struct {
	id   string
	mu   sync.Mutex
	sent [][]byte
	fail bool
	// failFrom makes the n-th Emit (1-based) and every later one fail.
	failFrom int
	emits    int
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Emit(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits++
	if f.fail || (f.failFrom > 0 && f.emits >= f.failFrom) {
		return transport.ErrNotConnected
	}
	f.sent = append(f.sent, append([]byte(nil), payload...))
	return nil
}

func (f *fakeConn) requests(t *testing.T) []*message.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*message.Envelope, 0, len(f.sent))
	for _, p := range f.sent {
		env := &message.Envelope{}
		require.NoError(t, json.Unmarshal(p, env))
		out = append(out, env)
	}
	return out
}

// fakeDialer hands the observer to the test, which then plays the channel.
type fakeDialer struct {
	mu     sync.Mutex
	name   string
	obs    transport.Observer
	closed bool
	err    error // returned by ConnectTo when set
}

func (d *fakeDialer) ConnectTo(name string, obs transport.Observer) (transport.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	d.name, d.obs = name, obs
	return d, nil
}

func (d *fakeDialer) Name() string { return d.name }

func (d *fakeDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDialer) observer() transport.Observer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.obs
}

func newTestClient(t *testing.T, opts ...Option) (*Client, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{}
	opts = append([]Option{WithMetricSink(&metrics.BlackholeSink{})}, opts...)
	c, err := New(d, opts...)
	require.NoError(t, err)
	require.NoError(t, c.Connect("svc", nil))
	return c, d
}

func deliver(t *testing.T, d *fakeDialer, conn transport.Conn, env *message.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	d.observer().OnMessage(conn, data)
}

func reply(t *testing.T, id string, result any) *message.Envelope {
	t.Helper()
	env, err := message.NewReply(id, result)
	require.NoError(t, err)
	return env
}

// recordedCall collects callback invocations.
type recordedCall struct {
	mu      sync.Mutex
	calls   int
	results []json.RawMessage
	errs    []error
}

func (r *recordedCall) cb(result json.RawMessage, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.results = append(r.results, result)
	r.errs = append(r.errs, err)
}

func (r *recordedCall) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestQueuedRequestsFlushOnceInOrder(t *testing.T) {
	c, d := newTestClient(t)
	require.Equal(t, "svc", d.Name())

	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, c.Send(name, nil, nil))
	}
	require.False(t, c.Connected())

	conn := &fakeConn{id: "1"}
	d.observer().OnConnect(conn)

	reqs := conn.requests(t)
	require.Len(t, reqs, 3)
	for i, name := range []string{"a", "b", "c"} {
		require.Equal(t, name, reqs[i].Name)
		require.Equal(t, message.KindRequest, reqs[i].Kind())
		require.JSONEq(t, `{}`, string(reqs[i].Args))
	}

	// A second connection does not see the queue again.
	d.observer().OnDisconnect(conn, nil)
	conn2 := &fakeConn{id: "2"}
	d.observer().OnConnect(conn2)
	require.Empty(t, conn2.requests(t))

	require.NoError(t, c.Send("d", map[string]int{"x": 1}, nil))
	reqs = conn2.requests(t)
	require.Len(t, reqs, 1)
	require.Equal(t, "d", reqs[0].Name)
	require.JSONEq(t, `{"x":1}`, string(reqs[0].Args))
}

func TestCorrelationIDsAreUnique(t *testing.T) {
	c, d := newTestClient(t)
	conn := &fakeConn{id: "1"}
	d.observer().OnConnect(conn)

	for i := 0; i < 100; i++ {
		require.NoError(t, c.Send("m", nil, nil))
	}
	seen := make(map[string]bool)
	for _, req := range conn.requests(t) {
		require.NotEmpty(t, req.ID)
		require.False(t, seen[req.ID], "duplicate id %s", req.ID)
		seen[req.ID] = true
	}
	require.Equal(t, 100, c.Pending())
}

func TestReplyCompletesExactlyOnce(t *testing.T) {
	c, d := newTestClient(t)
	conn := &fakeConn{id: "1"}
	d.observer().OnConnect(conn)

	rec := &recordedCall{}
	require.NoError(t, c.Send("add", map[string]int{"a": 1, "b": 2}, rec.cb))
	id := conn.requests(t)[0].ID

	deliver(t, d, conn, reply(t, id, 3))
	deliver(t, d, conn, reply(t, id, 4)) // replay

	require.Equal(t, 1, rec.count())
	require.NoError(t, rec.errs[0])
	require.JSONEq(t, `3`, string(rec.results[0]))
	require.Zero(t, c.Pending())
}

func TestErrorReplyCarriesMessageOnly(t *testing.T) {
	c, d := newTestClient(t)
	conn := &fakeConn{id: "1"}
	d.observer().OnConnect(conn)

	rec := &recordedCall{}
	require.NoError(t, c.Send("explode", nil, rec.cb))
	id := conn.requests(t)[0].ID

	deliver(t, d, conn, message.NewErrorReply(id, "boom"))
	deliver(t, d, conn, reply(t, id, "late"))

	require.Equal(t, 1, rec.count())
	require.Nil(t, rec.results[0])
	var remote *RemoteError
	require.True(t, errors.As(rec.errs[0], &remote))
	require.Equal(t, "boom", rec.errs[0].Error())
}

func TestUnmatchedAndMalformedMessagesAreDropped(t *testing.T) {
	c, d := newTestClient(t)
	conn := &fakeConn{id: "1"}
	d.observer().OnConnect(conn)

	rec := &recordedCall{}
	require.NoError(t, c.Send("m", nil, rec.cb))

	deliver(t, d, conn, reply(t, "not-ours", 1))
	d.observer().OnMessage(conn, []byte(`{"type":"reply","id":`))
	d.observer().OnMessage(conn, []byte(`{"type":"mystery","id":"x"}`))

	require.Zero(t, rec.count())
	require.Equal(t, 1, c.Pending())
}

func TestPushListenersRunInOrder(t *testing.T) {
	c, d := newTestClient(t)
	conn := &fakeConn{id: "1"}
	d.observer().OnConnect(conn)

	var order []int
	var unsubscribeFirst func()
	unsubscribeFirst = c.On("tick", func(args json.RawMessage) {
		order = append(order, 1)
		unsubscribeFirst()
	})
	c.On("tick", func(args json.RawMessage) { order = append(order, 2) })
	c.On("tick", func(args json.RawMessage) {
		order = append(order, 3)
		require.JSONEq(t, `{"t":1}`, string(args))
	})

	push, err := message.NewPush("tick", map[string]int{"t": 1})
	require.NoError(t, err)
	deliver(t, d, conn, push)
	require.Equal(t, []int{1, 2, 3}, order)

	deliver(t, d, conn, push)
	require.Equal(t, []int{1, 2, 3, 2, 3}, order)

	// Unsubscribing twice is harmless.
	unsubscribeFirst()
	deliver(t, d, conn, push)
	require.Equal(t, []int{1, 2, 3, 2, 3, 2, 3}, order)
}

func TestPushWithoutListenersIsNoop(t *testing.T) {
	c, d := newTestClient(t)
	conn := &fakeConn{id: "1"}
	d.observer().OnConnect(conn)

	var got int
	c.On("tick", func(json.RawMessage) { got++ })
	c.RemoveListener("tick")

	push, err := message.NewPush("tick", nil)
	require.NoError(t, err)
	deliver(t, d, conn, push)
	other, err := message.NewPush("nobody-listens", nil)
	require.NoError(t, err)
	deliver(t, d, conn, other)

	require.Zero(t, got)
}

func TestConnectCallbackFiresOnce(t *testing.T) {
	d := &fakeDialer{}
	c, err := New(d, WithMetricSink(nil))
	require.NoError(t, err)

	var calls []error
	require.NoError(t, c.Connect("svc", func(err error) { calls = append(calls, err) }))
	require.ErrorIs(t, c.Connect("svc", nil), ErrConnected)

	dialErr := errors.New("connection refused")
	d.observer().OnError(dialErr)
	d.observer().OnError(dialErr)
	d.observer().OnConnect(&fakeConn{id: "1"})

	require.Len(t, calls, 1)
	require.Equal(t, dialErr, calls[0])
}

func TestConnectCallbackSuccess(t *testing.T) {
	d := &fakeDialer{}
	c, err := New(d, WithMetricSink(nil))
	require.NoError(t, err)

	var calls []error
	require.NoError(t, c.Connect("svc", func(err error) { calls = append(calls, err) }))
	conn := &fakeConn{id: "1"}
	d.observer().OnConnect(conn)
	d.observer().OnDisconnect(conn, nil)
	d.observer().OnError(errors.New("later"))

	require.Equal(t, []error{nil}, calls)
}

func TestDisconnectQueuesAgainAndLeavesPending(t *testing.T) {
	c, d := newTestClient(t)
	conn := &fakeConn{id: "1"}
	d.observer().OnConnect(conn)

	stalled := &recordedCall{}
	require.NoError(t, c.Send("first", nil, stalled.cb))
	d.observer().OnDisconnect(conn, errors.New("broken pipe"))
	require.False(t, c.Connected())

	require.NoError(t, c.Send("second", nil, nil))
	require.Len(t, conn.requests(t), 1)

	conn2 := &fakeConn{id: "2"}
	d.observer().OnConnect(conn2)
	reqs := conn2.requests(t)
	require.Len(t, reqs, 1)
	require.Equal(t, "second", reqs[0].Name)

	// Without WithCallTimeout nothing ever completes a call lost with its
	// connection.
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, stalled.count())
	require.Equal(t, 2, c.Pending())
}

func TestStaleDisconnectKeepsNewConnection(t *testing.T) {
	c, d := newTestClient(t)
	old := &fakeConn{id: "old"}
	d.observer().OnConnect(old)
	fresh := &fakeConn{id: "fresh"}
	d.observer().OnConnect(fresh)

	d.observer().OnDisconnect(old, nil)
	require.True(t, c.Connected())
}

func TestEmitFailureRequeues(t *testing.T) {
	c, d := newTestClient(t)
	broken := &fakeConn{id: "1", fail: true}
	d.observer().OnConnect(broken)

	require.NoError(t, c.Send("m", nil, nil))
	d.observer().OnDisconnect(broken, errors.New("broken pipe"))

	conn := &fakeConn{id: "2"}
	d.observer().OnConnect(conn)
	reqs := conn.requests(t)
	require.Len(t, reqs, 1)
	require.Equal(t, "m", reqs[0].Name)
}

func names(reqs []*message.Envelope) []string {
	out := make([]string, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.Name)
	}
	return out
}

func TestInterruptedFlushKeepsOrder(t *testing.T) {
	c, d := newTestClient(t)
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, c.Send(name, nil, nil))
	}

	// The second write of the flush fails.
	flaky := &fakeConn{id: "1", failFrom: 2}
	d.observer().OnConnect(flaky)
	require.False(t, c.Connected())

	require.NoError(t, c.Send("d", nil, nil))
	require.Equal(t, []string{"a"}, names(flaky.requests(t)))

	d.observer().OnDisconnect(flaky, errors.New("broken pipe"))
	conn := &fakeConn{id: "2"}
	d.observer().OnConnect(conn)
	require.Equal(t, []string{"b", "c", "d"}, names(conn.requests(t)))
	require.True(t, c.Connected())
}

func TestFailedSendKeepsLaterSendsBehind(t *testing.T) {
	c, d := newTestClient(t)
	flaky := &fakeConn{id: "1", failFrom: 2}
	d.observer().OnConnect(flaky)

	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, c.Send(name, nil, nil))
	}
	require.Equal(t, []string{"a"}, names(flaky.requests(t)))
	require.False(t, c.Connected())

	conn := &fakeConn{id: "2"}
	d.observer().OnConnect(conn)
	require.Equal(t, []string{"b", "c"}, names(conn.requests(t)))

	require.NoError(t, c.Send("d", nil, nil))
	require.Equal(t, []string{"b", "c", "d"}, names(conn.requests(t)))
}

func TestConnectFailureReachesCallback(t *testing.T) {
	d := &fakeDialer{err: transport.ErrNameInvalid}
	c, err := New(d, WithMetricSink(nil))
	require.NoError(t, err)

	var calls []error
	err = c.Connect("a/b", func(err error) { calls = append(calls, err) })
	require.ErrorIs(t, err, transport.ErrNameInvalid)
	require.Len(t, calls, 1)
	require.Equal(t, err, calls[0])

	// The failed attempt leaves the client free to connect again.
	d.mu.Lock()
	d.err = nil
	d.mu.Unlock()
	require.NoError(t, c.Connect("svc", nil))
	require.Equal(t, "svc", d.Name())
}

func TestCallTimeout(t *testing.T) {
	c, d := newTestClient(t, WithCallTimeout(20*time.Millisecond))
	conn := &fakeConn{id: "1"}
	d.observer().OnConnect(conn)

	rec := &recordedCall{}
	require.NoError(t, c.Send("slow", nil, rec.cb))
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	require.ErrorIs(t, rec.errs[0], ErrCallTimeout)
	rec.mu.Unlock()
	require.Zero(t, c.Pending())

	deliver(t, d, conn, reply(t, conn.requests(t)[0].ID, "late"))
	require.Equal(t, 1, rec.count())
}

func TestCall(t *testing.T) {
	c, d := newTestClient(t)
	conn := &fakeConn{id: "1"}
	d.observer().OnConnect(conn)

	go func() {
		for {
			if reqs := conn.requests(t); len(reqs) == 1 {
				deliver(t, d, conn, reply(t, reqs[0].ID, 3))
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	result, err := c.Call(context.Background(), "add", map[string]int{"a": 1, "b": 2})
	require.NoError(t, err)
	require.JSONEq(t, `3`, string(result))
}

func TestCallContextCancelEvicts(t *testing.T) {
	c, d := newTestClient(t)
	conn := &fakeConn{id: "1"}
	d.observer().OnConnect(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Call(ctx, "slow", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Zero(t, c.Pending())
}

func TestCloseFailsPendingCalls(t *testing.T) {
	c, d := newTestClient(t)

	rec := &recordedCall{}
	require.NoError(t, c.Send("queued", nil, rec.cb))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	require.True(t, d.closed)
	require.Equal(t, 1, rec.count())
	require.ErrorIs(t, rec.errs[0], ErrClosed)
	require.ErrorIs(t, c.Send("late", nil, nil), ErrClosed)
	require.ErrorIs(t, c.Connect("svc", nil), ErrClosed)
}

func TestSendRejectsUnencodableArgs(t *testing.T) {
	c, _ := newTestClient(t)
	require.Error(t, c.Send("m", make(chan int), nil))
	require.Zero(t, c.Pending())
}

type staticRegistry struct {
	instances []registry.ServiceInstance
}

func (r *staticRegistry) Register(context.Context, string, registry.ServiceInstance, int64) error {
	return nil
}

func (r *staticRegistry) Deregister(context.Context, string, string) error { return nil }

func (r *staticRegistry) Discover(context.Context, string) ([]registry.ServiceInstance, error) {
	return r.instances, nil
}

func (r *staticRegistry) Watch(context.Context, string) <-chan []registry.ServiceInstance {
	return nil
}

func TestConnectService(t *testing.T) {
	d := &fakeDialer{}
	c, err := New(d, WithMetricSink(nil))
	require.NoError(t, err)

	reg := &staticRegistry{instances: []registry.ServiceInstance{{Channel: "math.1"}}}
	require.NoError(t, c.ConnectService(context.Background(), reg, &loadbalance.RoundRobinBalancer{}, "math", nil))
	require.Equal(t, "math.1", d.Name())

	empty, err := New(&fakeDialer{}, WithMetricSink(nil))
	require.NoError(t, err)
	err = empty.ConnectService(context.Background(), &staticRegistry{}, &loadbalance.RoundRobinBalancer{}, "math", nil)
	require.ErrorIs(t, err, loadbalance.ErrNoInstances)
}
