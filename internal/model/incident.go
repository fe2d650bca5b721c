package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// IncidentStatus is the lifecycle state of a threat incident.
type IncidentStatus string

const (
	IncidentActive        IncidentStatus = "Active"
	IncidentBlocked       IncidentStatus = "Blocked"
	IncidentFalsePositive IncidentStatus = "False Positive"
	// IncidentOther covers statuses the dashboard does not count, e.g. "Open".
	IncidentOther IncidentStatus = "Other"
)

// ParseIncidentStatus never fails; unrecognised values map to IncidentOther.
func ParseIncidentStatus(s string) IncidentStatus {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.NewReplacer(" ", "", "_", "", "-", "").Replace(key)
	switch key {
	case "active":
		return IncidentActive
	case "blocked":
		return IncidentBlocked
	case "falsepositive":
		return IncidentFalsePositive
	}
	return IncidentOther
}

// ThreatIncident is a read-only view of an incident record owned by the backend.
type ThreatIncident struct {
	ID         string         `json:"id"`
	ThreatType string         `json:"threat_type"`
	Status     IncidentStatus `json:"status"`
}

type incidentWire struct {
	ID         json.RawMessage `json:"id"`
	ThreatType string          `json:"threat_type"`
	Status     string          `json:"status"`
}

// DecodeThreatIncident parses one JSON-encoded incident record.
func DecodeThreatIncident(data []byte) (ThreatIncident, error) {
	var w incidentWire
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&w); err != nil {
		return ThreatIncident{}, fmt.Errorf("malformed incident: %w", err)
	}
	id, err := decodeID(w.ID)
	if err != nil {
		return ThreatIncident{}, fmt.Errorf("malformed incident: %w", err)
	}
	return ThreatIncident{
		ID:         id,
		ThreatType: strings.TrimSpace(w.ThreatType),
		Status:     ParseIncidentStatus(w.Status),
	}, nil
}

// UnmarshalJSON decodes via DecodeThreatIncident.
func (i *ThreatIncident) UnmarshalJSON(data []byte) error {
	inc, err := DecodeThreatIncident(data)
	if err != nil {
		return err
	}
	*i = inc
	return nil
}
