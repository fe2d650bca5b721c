package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
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
	"Go2NetSentry/internal/stream"
)

type fakeSource struct {
	mu        sync.Mutex
	incidents []model.ThreatIncident
	traffic   []model.TrafficEvent
	err       error
	closed    atomic.Bool
}

func (s *fakeSource) FetchIncidents(context.Context) ([]model.ThreatIncident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incidents, s.err
}

func (s *fakeSource) FetchTraffic(context.Context) ([]model.TrafficEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.traffic, s.err
}

func (s *fakeSource) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeConn struct {
	msgs   chan []byte
	remote chan struct{}
	closed chan struct{}
	once   sync.Once
}

func (c *fakeConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case m := <-c.msgs:
		return m, nil
	case <-c.remote:
		return nil, io.EOF
	case <-c.closed:
		return nil, errors.New("closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fakeTransport struct {
	mu    sync.Mutex
	conns []*fakeConn
	fail  atomic.Bool
	dials atomic.Int32
}

func (t *fakeTransport) Dial(ctx context.Context) (stream.Conn, error) {
	t.dials.Add(1)
	if t.fail.Load() {
		return nil, errors.New("connection refused")
	}
	c := &fakeConn{msgs: make(chan []byte), remote: make(chan struct{}), closed: make(chan struct{})}
	t.mu.Lock()
	t.conns = append(t.conns, c)
	t.mu.Unlock()
	return c, nil
}

func (t *fakeTransport) current() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Engine.BufferCapacity = 3
	cfg.Engine.FetchInterval = config.Duration(time.Hour)
	cfg.Stream.Reconnect.InitialInterval = config.Duration(5 * time.Millisecond)
	cfg.Stream.Reconnect.MaxInterval = config.Duration(20 * time.Millisecond)
	return &cfg
}

func liveEvent(id string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"timestamp":"2024-05-01T10:00:00Z","source_ip":"10.0.0.1",`+
		`"destination_ip":"10.0.0.2","protocol":"udp","bytes":10,"status":"Anomalous","severity":"Low"}`, id))
}

func sampleSource() *fakeSource {
	return &fakeSource{
		incidents: []model.ThreatIncident{
			{ID: "1", ThreatType: "DDoS", Status: model.IncidentActive},
			{ID: "2", ThreatType: "DDoS", Status: model.IncidentBlocked},
		},
		traffic: []model.TrafficEvent{
			{ID: "a", Protocol: "TCP", Status: model.StatusNormal},
			{ID: "b", Protocol: "UDP", Status: model.StatusNormal},
			{ID: "c", Protocol: "TCP", Status: model.StatusNormal},
		},
	}
}

func connected(e *Engine) func() bool {
	return func() bool { return e.ConnectionState() == model.Connected }
}

func TestEngine_MetricsAndLiveWindow(t *testing.T) {
	src := sampleSource()
	tr := &fakeTransport{}
	var observed atomic.Int32
	e, err := New(testConfig(), src, tr,
		WithRegistry(metrics.New(prometheus.NewRegistry())),
		WithLogger(logging.Discard()),
		WithMetricsObserver(func(model.MetricsSnapshot) { observed.Add(1) }),
	)
	require.NoError(t, err)

	before := e.Metrics()
	assert.Zero(t, before.TotalPackets)
	assert.NotNil(t, before.ProtocolDistribution)
	assert.True(t, before.GeneratedAt.IsZero())

	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	require.Eventually(t, func() bool { return e.Metrics().TotalPackets == 3 }, 2*time.Second, 5*time.Millisecond)
	m := e.Metrics()
	assert.Equal(t, 1, m.ActiveThreats)
	assert.Equal(t, 1, m.BlockedIPs)
	assert.Equal(t, []model.LabelCount{{Label: "DDoS", Count: 2}}, m.ThreatHistogram)
	assert.False(t, m.GeneratedAt.IsZero())
	require.Eventually(t, func() bool { return observed.Load() == 1 }, time.Second, time.Millisecond)

	require.Eventually(t, connected(e), 2*time.Second, time.Millisecond)
	conn := tr.current()
	for _, id := range []string{"1", "2", "3", "4"} {
		conn.msgs <- liveEvent(id)
	}
	require.Eventually(t, func() bool {
		events := e.LiveEvents()
		return len(events) == 3 && events[0].ID == "4"
	}, 2*time.Second, time.Millisecond)

	ids := []string{}
	for _, ev := range e.LiveEvents() {
		ids = append(ids, ev.ID)
	}
	assert.Equal(t, []string{"4", "3", "2"}, ids)
	assert.Equal(t, 3, e.WindowCapacity())
}

func TestEngine_PauseResume(t *testing.T) {
	tr := &fakeTransport{}
	reg := metrics.New(prometheus.NewRegistry())
	var delivered atomic.Int32
	e, err := New(testConfig(), sampleSource(), tr,
		WithRegistry(reg),
		WithLogger(logging.Discard()),
		WithEventObserver(func(model.TrafficEvent) { delivered.Add(1) }),
	)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	require.Eventually(t, connected(e), 2*time.Second, time.Millisecond)
	require.NoError(t, e.Pause())
	assert.Equal(t, model.Paused, e.ConnectionState())

	tr.current().msgs <- liveEvent("dropped")
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(reg.StreamMessages.WithLabelValues(metrics.OutcomeDroppedPaused)) == 1
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, e.Resume())
	tr.current().msgs <- liveEvent("kept")

	require.Eventually(t, func() bool { return delivered.Load() == 1 }, 2*time.Second, time.Millisecond)
	events := e.LiveEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "kept", events[0].ID)
}

func TestEngine_PauseSurvivesReconnect(t *testing.T) {
	tr := &fakeTransport{}
	reg := metrics.New(prometheus.NewRegistry())
	var delivered atomic.Int32
	e, err := New(testConfig(), sampleSource(), tr,
		WithRegistry(reg),
		WithLogger(logging.Discard()),
		WithEventObserver(func(model.TrafficEvent) { delivered.Add(1) }),
	)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	require.Eventually(t, connected(e), 2*time.Second, time.Millisecond)
	require.NoError(t, e.Pause())
	close(tr.current().remote)

	require.Eventually(t, func() bool {
		return tr.dials.Load() == 2 && e.ConnectionState() == model.Paused
	}, 2*time.Second, time.Millisecond)

	tr.current().msgs <- liveEvent("while-paused")
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(reg.StreamMessages.WithLabelValues(metrics.OutcomeDroppedPaused)) == 1
	}, 2*time.Second, time.Millisecond)
	assert.Zero(t, delivered.Load())
	assert.Empty(t, e.LiveEvents())

	require.NoError(t, e.Resume())
	tr.current().msgs <- liveEvent("after-resume")
	require.Eventually(t, func() bool { return delivered.Load() == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, "after-resume", e.LiveEvents()[0].ID)
}

func TestEngine_ResumeWhileDownClearsPause(t *testing.T) {
	cfg := testConfig()
	cfg.Stream.Reconnect.InitialInterval = config.Duration(100 * time.Millisecond)
	cfg.Stream.Reconnect.MaxInterval = config.Duration(100 * time.Millisecond)
	cfg.Stream.Reconnect.Jitter = 0
	tr := &fakeTransport{}
	e, err := New(cfg, sampleSource(), tr,
		WithRegistry(metrics.New(prometheus.NewRegistry())),
		WithLogger(logging.Discard()),
	)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	require.Eventually(t, connected(e), 2*time.Second, time.Millisecond)
	require.NoError(t, e.Pause())
	tr.fail.Store(true)
	close(tr.current().remote)
	require.Eventually(t, func() bool { return e.ConnectionState() == model.Disconnected }, 2*time.Second, time.Millisecond)

	assert.ErrorIs(t, e.Resume(), stream.ErrNotConnected)
	tr.fail.Store(false)
	require.Eventually(t, connected(e), 2*time.Second, time.Millisecond)
}

func TestEngine_ReconnectsAfterLoss(t *testing.T) {
	tr := &fakeTransport{}
	var mu sync.Mutex
	var states []model.ConnectionState
	e, err := New(testConfig(), sampleSource(), tr,
		WithRegistry(metrics.New(prometheus.NewRegistry())),
		WithLogger(logging.Discard()),
		WithStateObserver(func(s model.ConnectionState) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		}),
	)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	require.Eventually(t, connected(e), 2*time.Second, time.Millisecond)
	close(tr.current().remote)

	require.Eventually(t, func() bool {
		return tr.dials.Load() == 2 && e.ConnectionState() == model.Connected
	}, 2*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, model.Disconnected)
}

func TestEngine_RetriesFailedDials(t *testing.T) {
	tr := &fakeTransport{}
	tr.fail.Store(true)
	e, err := New(testConfig(), sampleSource(), tr,
		WithRegistry(metrics.New(prometheus.NewRegistry())),
		WithLogger(logging.Discard()),
	)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	require.Eventually(t, func() bool { return tr.dials.Load() >= 3 }, 2*time.Second, time.Millisecond)
	tr.fail.Store(false)
	require.Eventually(t, connected(e), 2*time.Second, time.Millisecond)
}

func TestEngine_NoReconnectWhenDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Stream.Reconnect.Enabled = false
	tr := &fakeTransport{}
	e, err := New(cfg, sampleSource(), tr,
		WithRegistry(metrics.New(prometheus.NewRegistry())),
		WithLogger(logging.Discard()),
	)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	require.Eventually(t, connected(e), 2*time.Second, time.Millisecond)
	close(tr.current().remote)
	require.Eventually(t, func() bool { return e.ConnectionState() == model.Disconnected }, 2*time.Second, time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), tr.dials.Load())
	assert.Equal(t, model.Disconnected, e.ConnectionState())
}

func TestEngine_FetchFailureKeepsStaleMetrics(t *testing.T) {
	src := sampleSource()
	e, err := New(testConfig(), src, &fakeTransport{},
		WithRegistry(metrics.New(prometheus.NewRegistry())),
		WithLogger(logging.Discard()),
	)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	require.Eventually(t, func() bool { return e.Metrics().TotalPackets == 3 }, 2*time.Second, 5*time.Millisecond)
	stamp := e.Metrics().GeneratedAt

	src.mu.Lock()
	src.err = errors.New("backend unavailable")
	src.mu.Unlock()
	require.Eventually(t, e.Refresh, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return !e.fetcher.InFlight() }, time.Second, time.Millisecond)

	assert.Equal(t, 3, e.Metrics().TotalPackets)
	assert.Equal(t, stamp, e.Metrics().GeneratedAt)
}

func TestEngine_StopIsFinal(t *testing.T) {
	src := sampleSource()
	tr := &fakeTransport{}
	var calls atomic.Int32
	e, err := New(testConfig(), src, tr,
		WithRegistry(metrics.New(prometheus.NewRegistry())),
		WithLogger(logging.Discard()),
		WithEventObserver(func(model.TrafficEvent) { calls.Add(1) }),
		WithStateObserver(func(model.ConnectionState) { calls.Add(1) }),
	)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, connected(e), 2*time.Second, time.Millisecond)

	e.Stop()
	after := calls.Load()

	assert.True(t, src.closed.Load())
	assert.Equal(t, model.Disconnected, e.ConnectionState())
	assert.False(t, e.Refresh())
	assert.Error(t, e.Start(context.Background()))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
	e.Stop()
}

func TestNew_RequiresSourceAndTransport(t *testing.T) {
	_, err := New(testConfig(), nil, &fakeTransport{})
	assert.Error(t, err)
	_, err = New(testConfig(), sampleSource(), nil)
	assert.Error(t, err)
}
