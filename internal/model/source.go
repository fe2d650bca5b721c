package model

import "context"

// Source is a request/response backend serving point-in-time collections of
// incidents and traffic. Implementations must be safe for concurrent use.
type Source interface {
	FetchIncidents(ctx context.Context) ([]ThreatIncident, error)
	FetchTraffic(ctx context.Context) ([]TrafficEvent, error)
	Close() error
}
