// Package api serves the engine's read contract over HTTP, WebSocket and gRPC.
package api

import (
	"Go2NetSentry/internal/model"
)

// Dashboard is the read contract a presentation layer consumes.
// *engine.Engine implements it.
type Dashboard interface {
	Metrics() model.MetricsSnapshot
	LatestEvents(n int) []model.TrafficEvent
	WindowCapacity() int
	ConnectionState() model.ConnectionState
	Pause() error
	Resume() error
	Refresh() bool
}

// Topics published on the live websocket.
const (
	TopicTraffic = "traffic"
	TopicState   = "state"
	TopicMetrics = "metrics"
)

// LiveEventsResponse is the body of GET /api/v1/traffic/live.
type LiveEventsResponse struct {
	Events   []model.TrafficEvent `json:"events"`
	Count    int                  `json:"count"`
	Capacity int                  `json:"capacity"`
}

// StateResponse carries the connection state.
type StateResponse struct {
	State model.ConnectionState `json:"state"`
}
