package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/logging"
	"Go2NetSentry/internal/metrics"
	"Go2NetSentry/internal/model"
)

type fakeConn struct {
	msgs      chan []byte
	remote    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	dropOnce  sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		msgs:   make(chan []byte),
		remote: make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.msgs:
		return data, nil
	case <-c.remote:
		return nil, io.EOF
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// send blocks until the receive goroutine has taken the message.
func (c *fakeConn) send(t *testing.T, data string) {
	t.Helper()
	select {
	case c.msgs <- []byte(data):
	case <-time.After(2 * time.Second):
		t.Fatal("receive goroutine did not take message")
	}
}

func (c *fakeConn) dropFromRemote() {
	c.dropOnce.Do(func() { close(c.remote) })
}

type fakeTransport struct {
	mu      sync.Mutex
	conns   []*fakeConn
	dialErr error
	dials   atomic.Int32
}

func (t *fakeTransport) Dial(ctx context.Context) (Conn, error) {
	t.dials.Add(1)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	c := newFakeConn()
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *fakeTransport) last() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[len(t.conns)-1]
}

type recorder struct {
	mu     sync.Mutex
	events []string
	states []model.ConnectionState
}

func (r *recorder) onEvent(e model.TrafficEvent) {
	r.mu.Lock()
	r.events = append(r.events, e.ID)
	r.mu.Unlock()
}

func (r *recorder) onState(s model.ConnectionState) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) eventIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) stateList() []model.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.ConnectionState(nil), r.states...)
}

func event(id string) string {
	return fmt.Sprintf(`{"id":%q,"timestamp":"2024-05-01T10:00:00Z","source_ip":"10.0.0.1",`+
		`"destination_ip":"10.0.0.2","protocol":"TCP","bytes":100,"status":"Normal"}`, id)
}

func newTestClient(t *testing.T) (*Client, *fakeTransport, *recorder, *metrics.Registry) {
	t.Helper()
	tr := &fakeTransport{}
	rec := &recorder{}
	reg := metrics.New(prometheus.NewRegistry())
	c := NewClient(tr,
		WithEventHandler(rec.onEvent),
		WithStateHandler(rec.onState),
		WithMetrics(reg),
		WithLogger(logging.Discard()),
	)
	t.Cleanup(func() { c.Close() })
	return c, tr, rec, reg
}

func TestConnect_Transitions(t *testing.T) {
	c, _, rec, _ := newTestClient(t)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, model.Connected, c.State())
	assert.Equal(t, []model.ConnectionState{model.Connecting, model.Connected}, rec.stateList())

	assert.ErrorIs(t, c.Connect(context.Background()), ErrAlreadyConnected)
}

func TestConnect_DialFailure(t *testing.T) {
	c, tr, rec, reg := newTestClient(t)
	tr.dialErr = errors.New("connection refused")

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, model.Disconnected, c.State())
	assert.Equal(t, []model.ConnectionState{model.Connecting, model.Disconnected}, rec.stateList())
	assert.Equal(t, int32(1), tr.dials.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.ConnectAttempts.WithLabelValues(metrics.ResultFailure)))
}

func TestMalformedMessage_KeepsConnection(t *testing.T) {
	c, tr, rec, reg := newTestClient(t)
	require.NoError(t, c.Connect(context.Background()))
	conn := tr.last()

	conn.send(t, event("1"))
	conn.send(t, "this is not json")
	conn.send(t, `{"id":"x","timestamp":"2024-05-01T10:00:00Z","protocol":"TCP","bytes":-4,"status":"Normal"}`)
	conn.send(t, event("2"))

	require.Eventually(t, func() bool { return len(rec.eventIDs()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"1", "2"}, rec.eventIDs())
	assert.Equal(t, model.Connected, c.State())
	assert.Equal(t, 2.0, testutil.ToFloat64(reg.StreamMessages.WithLabelValues(metrics.OutcomeMalformed)))
}

func TestPauseResume_DropsPausedInterval(t *testing.T) {
	c, tr, rec, reg := newTestClient(t)
	require.NoError(t, c.Connect(context.Background()))
	conn := tr.last()

	conn.send(t, event("A"))
	require.Eventually(t, func() bool { return len(rec.eventIDs()) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, c.Pause())
	assert.Equal(t, model.Paused, c.State())
	conn.send(t, event("B"))
	conn.send(t, event("C"))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(reg.StreamMessages.WithLabelValues(metrics.OutcomeDroppedPaused)) == 2
	}, time.Second, time.Millisecond)

	require.NoError(t, c.Resume())
	conn.send(t, event("D"))
	conn.send(t, event("E"))
	require.Eventually(t, func() bool { return len(rec.eventIDs()) == 3 }, time.Second, time.Millisecond)

	assert.Equal(t, []string{"A", "D", "E"}, rec.eventIDs())
	assert.Equal(t, []model.ConnectionState{
		model.Connecting, model.Connected, model.Paused, model.Connected,
	}, rec.stateList())
}

func TestPause_ConcurrentWithDelivery(t *testing.T) {
	c, tr, rec, reg := newTestClient(t)
	require.NoError(t, c.Connect(context.Background()))
	conn := tr.last()

	const sent = 500
	senderDone := make(chan struct{})
	go func() {
		defer close(senderDone)
		for i := 1; i <= sent; i++ {
			conn.msgs <- []byte(event(strconv.Itoa(i)))
		}
	}()

	var toggles sync.WaitGroup
	toggles.Add(1)
	go func() {
		defer toggles.Done()
		for {
			select {
			case <-senderDone:
				return
			default:
			}
			assert.NoError(t, c.Pause())
			assert.NoError(t, c.Resume())
		}
	}()

	<-senderDone
	toggles.Wait()

	accepted := func() float64 {
		return testutil.ToFloat64(reg.StreamMessages.WithLabelValues(metrics.OutcomeAccepted))
	}
	dropped := func() float64 {
		return testutil.ToFloat64(reg.StreamMessages.WithLabelValues(metrics.OutcomeDroppedPaused))
	}
	require.Eventually(t, func() bool { return accepted()+dropped() == sent }, 2*time.Second, time.Millisecond)

	require.Eventually(t, func() bool { return float64(len(rec.eventIDs())) == accepted() }, time.Second, time.Millisecond)
	ids := rec.eventIDs()
	prev := 0
	for _, id := range ids {
		n, err := strconv.Atoi(id)
		require.NoError(t, err)
		assert.Greater(t, n, prev, "events must arrive once and in order")
		prev = n
	}
	assert.Equal(t, model.Connected, c.State())
}

func TestConnect_StartPaused(t *testing.T) {
	tr := &fakeTransport{}
	rec := &recorder{}
	reg := metrics.New(prometheus.NewRegistry())
	var paused atomic.Bool
	paused.Store(true)
	c := NewClient(tr,
		WithEventHandler(rec.onEvent),
		WithStateHandler(rec.onState),
		WithStartPaused(paused.Load),
		WithMetrics(reg),
		WithLogger(logging.Discard()),
	)
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, model.Paused, c.State())
	assert.Equal(t, []model.ConnectionState{model.Connecting, model.Paused}, rec.stateList())

	tr.last().send(t, event("dropped"))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(reg.StreamMessages.WithLabelValues(metrics.OutcomeDroppedPaused)) == 1
	}, time.Second, time.Millisecond)
	require.NoError(t, c.Resume())
	tr.last().send(t, event("kept"))
	require.Eventually(t, func() bool { return len(rec.eventIDs()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"kept"}, rec.eventIDs())

	paused.Store(false)
	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, model.Connected, c.State())
}

func TestPause_Idempotent(t *testing.T) {
	c, _, _, _ := newTestClient(t)
	assert.ErrorIs(t, c.Pause(), ErrNotConnected)
	assert.ErrorIs(t, c.Resume(), ErrNotConnected)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Pause())
	require.NoError(t, c.Pause())
	require.NoError(t, c.Resume())
	require.NoError(t, c.Resume())
}

func TestRemoteClose_EndsSession(t *testing.T) {
	c, tr, _, _ := newTestClient(t)
	require.NoError(t, c.Connect(context.Background()))
	done := c.Done()

	tr.last().dropFromRemote()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
	assert.Equal(t, model.Disconnected, c.State())

	// The client is reusable after a lost session.
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, model.Connected, c.State())
	assert.Equal(t, int32(2), tr.dials.Load())
}

func TestPausedSessionLoss(t *testing.T) {
	c, tr, _, _ := newTestClient(t)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Pause())
	done := c.Done()

	tr.last().dropFromRemote()
	<-done
	assert.Equal(t, model.Disconnected, c.State())
}

func TestDisconnect_Reusable(t *testing.T) {
	c, tr, rec, _ := newTestClient(t)
	require.NoError(t, c.Connect(context.Background()))
	first := tr.last()

	require.NoError(t, c.Disconnect())
	assert.Equal(t, model.Disconnected, c.State())
	select {
	case <-first.closed:
	default:
		t.Fatal("connection was not closed")
	}
	require.NoError(t, c.Disconnect())

	require.NoError(t, c.Connect(context.Background()))
	tr.last().send(t, event("after"))
	require.Eventually(t, func() bool { return len(rec.eventIDs()) == 1 }, time.Second, time.Millisecond)
}

func TestClose_Terminal(t *testing.T) {
	c, tr, rec, _ := newTestClient(t)
	require.NoError(t, c.Connect(context.Background()))
	conn := tr.last()
	conn.send(t, event("1"))
	require.Eventually(t, func() bool { return len(rec.eventIDs()) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, c.Close())
	statesAtClose := len(rec.stateList())

	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
	assert.ErrorIs(t, c.Pause(), ErrClosed)
	assert.ErrorIs(t, c.Disconnect(), ErrClosed)
	require.NoError(t, c.Close())

	select {
	case conn.msgs <- []byte(event("2")):
		t.Fatal("message accepted after Close")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, []string{"1"}, rec.eventIDs())
	assert.Equal(t, statesAtClose, len(rec.stateList()))
	assert.Equal(t, model.Disconnected, c.State())
}

// blockingTransport holds Dial until its context ends.
type blockingTransport struct{ started chan struct{} }

func (b *blockingTransport) Dial(ctx context.Context) (Conn, error) {
	close(b.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestDisconnect_AbortsPendingDial(t *testing.T) {
	bt := &blockingTransport{started: make(chan struct{})}
	c := NewClient(bt, WithLogger(logging.Discard()))
	defer c.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- c.Connect(context.Background()) }()

	<-bt.started
	assert.Equal(t, model.Connecting, c.State())
	require.NoError(t, c.Disconnect())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return")
	}
	assert.Equal(t, model.Disconnected, c.State())
}

func TestDone_WithoutSession(t *testing.T) {
	c, _, _, _ := newTestClient(t)
	select {
	case <-c.Done():
	default:
		t.Fatal("Done should be closed without a session")
	}
}

func TestTransportRegistry(t *testing.T) {
	assert.Equal(t, []string{"nats", "redis", "websocket"}, Transports())
}

func TestNewPublisher_RejectsUnpublishableTransports(t *testing.T) {
	_, err := NewPublisher(context.Background(), config.StreamConfig{Transport: "websocket"}, logging.Discard())
	assert.Error(t, err)

	_, err = NewPublisher(context.Background(), config.StreamConfig{Transport: "carrier-pigeon"}, logging.Discard())
	assert.ErrorIs(t, err, ErrUnknownTransport)
}
