// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"Go2NetSentry/internal/model"
)

// Outcome labels for stream messages.
const (
	OutcomeAccepted      = "accepted"
	OutcomeDroppedPaused = "dropped_paused"
	OutcomeMalformed     = "malformed"
)

// Result labels for fetches and connects.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
)

var (
	once       sync.Once
	defaultReg *Registry
)

// Registry holds all engine metrics.
type Registry struct {
	gatherer prometheus.Gatherer

	// Stream metrics
	StreamMessages  *prometheus.CounterVec
	ConnectAttempts *prometheus.CounterVec
	ConnectionState prometheus.Gauge
	WindowLength    prometheus.Gauge

	// Fetch metrics
	Fetches       *prometheus.CounterVec
	FetchDuration prometheus.Histogram
	Dashboard     *prometheus.GaugeVec

	// API metrics
	APIRequests *prometheus.CounterVec
	APILatency  *prometheus.HistogramVec
	WSClients   prometheus.Gauge
}

// Get returns the process-wide registry backed by the Prometheus default registerer.
func Get() *Registry {
	once.Do(func() {
		defaultReg = newRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	})
	return defaultReg
}

// New builds a registry on reg. Tests use it with prometheus.NewRegistry().
func New(reg *prometheus.Registry) *Registry {
	return newRegistry(reg, reg)
}

func newRegistry(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Registry {
	f := promauto.With(registerer)
	r := &Registry{gatherer: gatherer}

	r.StreamMessages = f.NewCounterVec(prometheus.CounterOpts{
		Name: "netsentry_stream_messages_total",
		Help: "Live feed messages by outcome",
	}, []string{"outcome"})

	r.ConnectAttempts = f.NewCounterVec(prometheus.CounterOpts{
		Name: "netsentry_stream_connect_attempts_total",
		Help: "Live feed connection attempts by result",
	}, []string{"result"})

	r.ConnectionState = f.NewGauge(prometheus.GaugeOpts{
		Name: "netsentry_stream_connection_state",
		Help: "Live feed state: 0 disconnected, 1 connecting, 2 connected, 3 paused",
	})

	r.WindowLength = f.NewGauge(prometheus.GaugeOpts{
		Name: "netsentry_window_length",
		Help: "Events currently held in the rolling window",
	})

	r.Fetches = f.NewCounterVec(prometheus.CounterOpts{
		Name: "netsentry_fetches_total",
		Help: "Snapshot fetch cycles by result",
	}, []string{"result"})

	r.FetchDuration = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "netsentry_fetch_duration_seconds",
		Help:    "Duration of completed snapshot fetches",
		Buckets: prometheus.DefBuckets,
	})

	r.Dashboard = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netsentry_dashboard_value",
		Help: "Latest aggregated dashboard counters",
	}, []string{"name"})

	r.APIRequests = f.NewCounterVec(prometheus.CounterOpts{
		Name: "netsentry_api_requests_total",
		Help: "HTTP API requests",
	}, []string{"method", "route", "status"})

	r.APILatency = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "netsentry_api_request_duration_seconds",
		Help:    "HTTP API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	r.WSClients = f.NewGauge(prometheus.GaugeOpts{
		Name: "netsentry_ws_clients",
		Help: "Connected dashboard websocket clients",
	})

	return r
}

// RecordMessage counts one live feed message.
func (r *Registry) RecordMessage(outcome string) {
	r.StreamMessages.WithLabelValues(outcome).Inc()
}

// RecordConnect counts a connection attempt.
func (r *Registry) RecordConnect(err error) {
	if err != nil {
		r.ConnectAttempts.WithLabelValues(ResultFailure).Inc()
		return
	}
	r.ConnectAttempts.WithLabelValues(ResultSuccess).Inc()
}

// SetState publishes the stream state.
func (r *Registry) SetState(s model.ConnectionState) {
	r.ConnectionState.Set(float64(s))
}

// RecordFetch counts a fetch cycle; the duration is observed for completed fetches only.
func (r *Registry) RecordFetch(result string, d time.Duration) {
	r.Fetches.WithLabelValues(result).Inc()
	if result != ResultSkipped {
		r.FetchDuration.Observe(d.Seconds())
	}
}

// ObserveSnapshot publishes the counters of a fresh metrics snapshot.
func (r *Registry) ObserveSnapshot(m model.MetricsSnapshot) {
	r.Dashboard.WithLabelValues("total_packets").Set(float64(m.TotalPackets))
	r.Dashboard.WithLabelValues("active_threats").Set(float64(m.ActiveThreats))
	r.Dashboard.WithLabelValues("blocked_ips").Set(float64(m.BlockedIPs))
	r.Dashboard.WithLabelValues("false_positives").Set(float64(m.FalsePositives))
}

// RecordAPIRequest records an HTTP API request.
func (r *Registry) RecordAPIRequest(method, route string, status int, d time.Duration) {
	r.APIRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.APILatency.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}
