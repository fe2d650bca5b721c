// Package engine wires the snapshot fetcher, the metric aggregator, the live
// stream client and the rolling window together and exposes the read contract
// the presentation layer consumes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"Go2NetSentry/internal/aggregator"
	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/fetcher"
	"Go2NetSentry/internal/metrics"
	"Go2NetSentry/internal/model"
	"Go2NetSentry/internal/stream"
	"Go2NetSentry/internal/window"
)

// Option configures an Engine.
type Option func(*Engine)

// WithEventObserver is called for every event added to the live window.
func WithEventObserver(fn func(model.TrafficEvent)) Option {
	return func(e *Engine) { e.onEvent = fn }
}

// WithStateObserver is called on every connection state change.
func WithStateObserver(fn func(model.ConnectionState)) Option {
	return func(e *Engine) { e.onState = fn }
}

// WithMetricsObserver is called with every freshly aggregated snapshot.
func WithMetricsObserver(fn func(model.MetricsSnapshot)) Option {
	return func(e *Engine) { e.onMetrics = fn }
}

// WithRegistry sets the Prometheus registry. Defaults to metrics.Get().
func WithRegistry(reg *metrics.Registry) Option {
	return func(e *Engine) { e.registry = reg }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine owns every component and the goroutines that drive them.
type Engine struct {
	source    model.Source
	buffer    *window.Buffer
	fetcher   *fetcher.Fetcher
	client    *stream.Client
	reconnect config.ReconnectConfig
	registry  *metrics.Registry
	logger    *slog.Logger

	onEvent   func(model.TrafficEvent)
	onState   func(model.ConnectionState)
	onMetrics func(model.MetricsSnapshot)

	metricsMu sync.RWMutex
	current   model.MetricsSnapshot

	// paused is the user's pause intent. It outlives sessions so a reconnect
	// lands back in Paused until Resume.
	pauseMu sync.Mutex
	paused  atomic.Bool

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds an engine over source and transport. The engine owns both from
// here on: Stop closes the source.
func New(cfg *config.Config, source model.Source, transport stream.Transport, opts ...Option) (*Engine, error) {
	if source == nil {
		return nil, errors.New("engine: nil source")
	}
	if transport == nil {
		return nil, errors.New("engine: nil transport")
	}

	e := &Engine{
		source:    source,
		buffer:    window.New(cfg.Engine.BufferCapacity),
		reconnect: cfg.Stream.Reconnect,
		current:   aggregator.Aggregate(nil, nil),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.registry == nil {
		e.registry = metrics.Get()
	}

	e.fetcher = fetcher.New(source, fetcher.Config{
		Interval: cfg.Engine.FetchInterval.Std(),
		Timeout:  cfg.Engine.FetchTimeout.Std(),
	}, e.applySnapshot, e.logger, e.registry)

	e.client = stream.NewClient(transport,
		stream.WithEventHandler(e.acceptEvent),
		stream.WithStateHandler(e.stateChanged),
		stream.WithStartPaused(e.paused.Load),
		stream.WithMetrics(e.registry),
		stream.WithLogger(e.logger),
	)
	return e, nil
}

// applySnapshot is the fetcher sink.
func (e *Engine) applySnapshot(incidents []model.ThreatIncident, traffic []model.TrafficEvent) {
	snap := aggregator.Aggregate(incidents, traffic)
	snap.GeneratedAt = time.Now().UTC()

	e.metricsMu.Lock()
	e.current = snap
	e.metricsMu.Unlock()

	e.registry.ObserveSnapshot(snap)
	if e.onMetrics != nil {
		e.onMetrics(snap.Clone())
	}
}

func (e *Engine) acceptEvent(ev model.TrafficEvent) {
	e.buffer.Push(ev)
	e.registry.WindowLength.Set(float64(e.buffer.Len()))
	if e.onEvent != nil {
		e.onEvent(ev)
	}
}

func (e *Engine) stateChanged(s model.ConnectionState) {
	if e.onState != nil {
		e.onState(s)
	}
}

// Start launches the fetcher and the stream supervisor.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return errors.New("engine: already stopped")
	}
	if e.started {
		return nil
	}
	e.started = true

	ctx, e.cancel = context.WithCancel(ctx)
	e.fetcher.Start(ctx)

	e.wg.Add(1)
	go e.superviseStream(ctx)

	e.logger.Info("Engine started",
		"window", e.buffer.Cap(),
		"reconnect", e.reconnect.Enabled,
	)
	return nil
}

func (e *Engine) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.reconnect.InitialInterval.Std()
	b.MaxInterval = e.reconnect.MaxInterval.Std()
	b.Multiplier = e.reconnect.Multiplier
	b.RandomizationFactor = e.reconnect.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// superviseStream keeps the live feed connected according to the reconnect policy.
func (e *Engine) superviseStream(ctx context.Context) {
	defer e.wg.Done()
	b := e.newBackOff()

	for {
		err := e.client.Connect(ctx)
		switch {
		case err == nil:
			b.Reset()
			select {
			case <-e.client.Done():
			case <-ctx.Done():
				return
			}
		case errors.Is(err, stream.ErrClosed):
			return
		case errors.Is(err, stream.ErrAlreadyConnected):
			select {
			case <-e.client.Done():
			case <-ctx.Done():
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		if !e.reconnect.Enabled {
			e.logger.Info("Live feed disconnected and reconnect is disabled")
			return
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			e.logger.Warn("Giving up on live feed reconnects")
			return
		}
		e.logger.Info("Reconnecting live feed", "in", wait)

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// Stop tears everything down. No observer is called after it returns.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	cancel := e.cancel
	e.mu.Unlock()

	e.logger.Info("Engine stopping...")
	if cancel != nil {
		cancel()
	}
	if err := e.client.Close(); err != nil {
		e.logger.Debug("Stream close returned error", "error", err)
	}
	e.wg.Wait()
	e.fetcher.Stop()
	if err := e.source.Close(); err != nil {
		e.logger.Warn("Failed to close snapshot source", "error", err)
	}
	e.logger.Info("Engine stopped.")
}

// Metrics returns the latest aggregated snapshot. Before the first
// successful fetch it is all zeros with empty distributions.
func (e *Engine) Metrics() model.MetricsSnapshot {
	e.metricsMu.RLock()
	defer e.metricsMu.RUnlock()
	return e.current.Clone()
}

// LiveEvents returns the rolling window, newest first.
func (e *Engine) LiveEvents() []model.TrafficEvent {
	return e.buffer.Snapshot()
}

// LatestEvents returns at most n events of the window, newest first.
func (e *Engine) LatestEvents(n int) []model.TrafficEvent {
	return e.buffer.Latest(n)
}

// WindowCapacity returns the maximum length of the live window.
func (e *Engine) WindowCapacity() int {
	return e.buffer.Cap()
}

// ConnectionState returns the live feed state.
func (e *Engine) ConnectionState() model.ConnectionState {
	return e.client.State()
}

// Pause stops live updates without dropping the connection. The pause holds
// across automatic reconnects until Resume.
func (e *Engine) Pause() error {
	e.pauseMu.Lock()
	defer e.pauseMu.Unlock()

	was := e.paused.Swap(true)
	if err := e.client.Pause(); err != nil {
		// A session may have opened Paused on the intent in the meantime.
		if e.client.State() == model.Paused {
			return nil
		}
		e.paused.Store(was)
		return fmt.Errorf("pause: %w", err)
	}
	return nil
}

// Resume restarts live updates. The pause is lifted even when the feed is
// currently down, so the next session starts Connected.
func (e *Engine) Resume() error {
	e.pauseMu.Lock()
	defer e.pauseMu.Unlock()

	e.paused.Store(false)
	if err := e.client.Resume(); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	return nil
}

// Refresh requests an immediate snapshot fetch. It returns false when one is
// already in flight.
func (e *Engine) Refresh() bool {
	return e.fetcher.TriggerNow()
}
