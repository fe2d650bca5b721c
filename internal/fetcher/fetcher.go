// Package fetcher polls a snapshot source on a fixed cadence.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"Go2NetSentry/internal/logging"
	"Go2NetSentry/internal/metrics"
	"Go2NetSentry/internal/model"
)

// Sink receives every successfully fetched pair of collections.
type Sink func(incidents []model.ThreatIncident, traffic []model.TrafficEvent)

// Config controls the polling cadence.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Fetcher runs at most one fetch at a time: a fetch that would overlap a
// pending one is skipped, not queued.
type Fetcher struct {
	source   model.Source
	interval time.Duration
	timeout  time.Duration
	sink     Sink
	logger   *slog.Logger
	metrics  *metrics.Registry

	inFlight atomic.Bool

	lastMu        sync.RWMutex
	lastIncidents []model.ThreatIncident
	lastTraffic   []model.TrafficEvent
	lastAt        time.Time

	mu      sync.Mutex // guards started, stopped and wg.Add
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Fetcher. sink may be nil.
func New(source model.Source, cfg Config, sink Sink, logger *slog.Logger, reg *metrics.Registry) *Fetcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if sink == nil {
		sink = func([]model.ThreatIncident, []model.TrafficEvent) {}
	}
	return &Fetcher{
		source:   source,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		sink:     sink,
		logger:   logging.WithComponent(logger, "fetcher"),
		metrics:  reg,
	}
}

// Fetch pulls both collections concurrently. Either failure fails the fetch.
func (f *Fetcher) Fetch(ctx context.Context) ([]model.ThreatIncident, []model.TrafficEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var (
		incidents []model.ThreatIncident
		traffic   []model.TrafficEvent
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if incidents, err = f.source.FetchIncidents(gctx); err != nil {
			return fmt.Errorf("incidents: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if traffic, err = f.source.FetchTraffic(gctx); err != nil {
			return fmt.Errorf("traffic: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return incidents, traffic, nil
}

// Start performs one fetch immediately and then one per interval until Stop
// is called or ctx is cancelled.
func (f *Fetcher) Start(ctx context.Context) {
	f.mu.Lock()
	if f.started || f.stopped {
		f.mu.Unlock()
		return
	}
	f.started = true
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.wg.Add(1)
	f.mu.Unlock()

	f.logger.Info("Fetcher started", "interval", f.interval, "timeout", f.timeout)
	f.dispatch()
	go f.loop()
}

func (f *Fetcher) loop() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.dispatch()
		case <-f.ctx.Done():
			return
		}
	}
}

// TriggerNow starts a fetch outside the regular cadence. It returns false
// when a fetch is already pending or the fetcher is not running.
func (f *Fetcher) TriggerNow() bool {
	return f.dispatch()
}

// InFlight reports whether a fetch is pending.
func (f *Fetcher) InFlight() bool {
	return f.inFlight.Load()
}

func (f *Fetcher) dispatch() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started || f.stopped {
		return false
	}
	if !f.inFlight.CompareAndSwap(false, true) {
		f.logger.Debug("Fetch already in flight, skipping")
		if f.metrics != nil {
			f.metrics.RecordFetch(metrics.ResultSkipped, 0)
		}
		return false
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer f.inFlight.Store(false)
		f.runCycle()
	}()
	return true
}

func (f *Fetcher) runCycle() {
	start := time.Now()
	incidents, traffic, err := f.Fetch(f.ctx)
	elapsed := time.Since(start)

	if err != nil {
		if f.ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return
		}
		f.logger.Warn("Snapshot fetch failed, keeping previous metrics", "error", err, "duration", elapsed)
		if f.metrics != nil {
			f.metrics.RecordFetch(metrics.ResultFailure, elapsed)
		}
		return
	}
	if f.metrics != nil {
		f.metrics.RecordFetch(metrics.ResultSuccess, elapsed)
	}

	f.lastMu.Lock()
	f.lastIncidents, f.lastTraffic, f.lastAt = incidents, traffic, time.Now()
	f.lastMu.Unlock()

	f.logger.Debug("Snapshot fetched", "incidents", len(incidents), "traffic", len(traffic), "duration", elapsed)
	if f.ctx.Err() != nil {
		return
	}
	f.sink(incidents, traffic)
}

// Last returns the most recent successful fetch. ok is false until one
// succeeds. The returned slices must not be modified.
func (f *Fetcher) Last() (incidents []model.ThreatIncident, traffic []model.TrafficEvent, at time.Time, ok bool) {
	f.lastMu.RLock()
	defer f.lastMu.RUnlock()
	return f.lastIncidents, f.lastTraffic, f.lastAt, !f.lastAt.IsZero()
}

// Stop cancels the loop and waits for it and any pending fetch to finish.
// No sink call happens after Stop returns.
func (f *Fetcher) Stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	cancel := f.cancel
	f.mu.Unlock()

	if cancel != nil {
		f.logger.Info("Stopping fetcher...")
		cancel()
	}
	f.wg.Wait()
}
