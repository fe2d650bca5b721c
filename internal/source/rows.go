package source

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"Go2NetSentry/internal/model"
)

// trafficRow is a traffic record as scanned from a SQL table.
type trafficRow struct {
	ID            string
	Timestamp     time.Time
	SourceIP      string
	DestinationIP string
	Protocol      string
	Bytes         int64
	Status        string
	Severity      *string
}

// toEvent applies the same validation the JSON decoder does.
func (r trafficRow) toEvent() (model.TrafficEvent, error) {
	if strings.TrimSpace(r.ID) == "" {
		return model.TrafficEvent{}, fmt.Errorf("%w: missing id", model.ErrMalformedEvent)
	}
	if r.Timestamp.IsZero() {
		return model.TrafficEvent{}, fmt.Errorf("%w: missing timestamp", model.ErrMalformedEvent)
	}
	proto := model.NormalizeProtocol(r.Protocol)
	if proto == "" {
		return model.TrafficEvent{}, fmt.Errorf("%w: missing protocol", model.ErrMalformedEvent)
	}
	if r.Bytes < 0 {
		return model.TrafficEvent{}, fmt.Errorf("%w: bytes must be non-negative, got %d", model.ErrMalformedEvent, r.Bytes)
	}
	status, err := model.ParseTrafficStatus(r.Status)
	if err != nil {
		return model.TrafficEvent{}, fmt.Errorf("%w: %v", model.ErrMalformedEvent, err)
	}
	severity := model.SeverityNone
	if r.Severity != nil {
		if severity, err = model.ParseSeverity(*r.Severity); err != nil {
			return model.TrafficEvent{}, fmt.Errorf("%w: %v", model.ErrMalformedEvent, err)
		}
	}
	return model.TrafficEvent{
		ID:            strings.TrimSpace(r.ID),
		Timestamp:     r.Timestamp.UTC(),
		SourceIP:      r.SourceIP,
		DestinationIP: r.DestinationIP,
		Protocol:      proto,
		Bytes:         uint64(r.Bytes),
		Status:        status,
		Severity:      severity,
	}, nil
}

// collectTraffic validates rows and drops the ones that fail, logging each.
func collectTraffic(rows []trafficRow, logger *slog.Logger) []model.TrafficEvent {
	out := make([]model.TrafficEvent, 0, len(rows))
	for _, r := range rows {
		ev, err := r.toEvent()
		if err != nil {
			logger.Warn("Skipping invalid traffic record", "id", r.ID, "error", err)
			continue
		}
		out = append(out, ev)
	}
	return out
}

func incidentFromRow(id, threatType, status string) model.ThreatIncident {
	return model.ThreatIncident{
		ID:         strings.TrimSpace(id),
		ThreatType: strings.TrimSpace(threatType),
		Status:     model.ParseIncidentStatus(status),
	}
}

// checkTable rejects table names that are not plain (optionally schema-qualified) identifiers.
func checkTable(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty table name")
	}
	for _, r := range name {
		if !(r == '_' || r == '.' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return "", fmt.Errorf("invalid table name %q", name)
		}
	}
	return name, nil
}
