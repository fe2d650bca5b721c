package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/gopacket/layers"
)

// ErrMalformedEvent is returned when a traffic record cannot be decoded or fails validation.
var ErrMalformedEvent = errors.New("malformed traffic event")

// TrafficStatus is the classification the sensor attached to a traffic event.
type TrafficStatus string

const (
	StatusNormal    TrafficStatus = "Normal"
	StatusAnomalous TrafficStatus = "Anomalous"
	StatusBlocked   TrafficStatus = "Blocked"
)

// ParseTrafficStatus accepts any casing of the three known statuses.
func ParseTrafficStatus(s string) (TrafficStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "normal":
		return StatusNormal, nil
	case "anomalous":
		return StatusAnomalous, nil
	case "blocked":
		return StatusBlocked, nil
	}
	return "", fmt.Errorf("unknown traffic status %q", s)
}

// Severity is optional; the empty value means no severity was reported.
type Severity string

const (
	SeverityNone     Severity = ""
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// ParseSeverity accepts any casing; an empty string yields SeverityNone.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return SeverityNone, nil
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	}
	return SeverityNone, fmt.Errorf("unknown severity %q", s)
}

// TrafficEvent is a single observed network exchange as reported by the sensor.
// Values are immutable once decoded.
type TrafficEvent struct {
	ID            string        `json:"id"`
	Timestamp     time.Time     `json:"timestamp"`
	SourceIP      string        `json:"source_ip"`
	DestinationIP string        `json:"destination_ip"`
	Protocol      string        `json:"protocol"`
	Bytes         uint64        `json:"bytes"`
	Status        TrafficStatus `json:"status"`
	Severity      Severity      `json:"severity,omitempty"`
}

// trafficWire mirrors the JSON record sent by the backend before validation.
type trafficWire struct {
	ID            json.RawMessage `json:"id"`
	Timestamp     string          `json:"timestamp"`
	SourceIP      string          `json:"source_ip"`
	DestinationIP string          `json:"destination_ip"`
	Protocol      json.RawMessage `json:"protocol"`
	Bytes         json.Number     `json:"bytes"`
	Status        string          `json:"status"`
	Severity      *string         `json:"severity"`
}

// timestampLayouts are tried in order. Zone-less values are taken as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// DecodeTrafficEvent parses and validates one JSON-encoded traffic record.
// All failures wrap ErrMalformedEvent.
func DecodeTrafficEvent(data []byte) (TrafficEvent, error) {
	var w trafficWire
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&w); err != nil {
		return TrafficEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	// One message carries exactly one record.
	if _, err := dec.Token(); err != io.EOF {
		return TrafficEvent{}, fmt.Errorf("%w: trailing data after record", ErrMalformedEvent)
	}

	id, err := decodeID(w.ID)
	if err != nil {
		return TrafficEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	ts, err := ParseTimestamp(w.Timestamp)
	if err != nil {
		return TrafficEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	proto, err := decodeProtocol(w.Protocol)
	if err != nil {
		return TrafficEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	var size uint64
	if w.Bytes != "" {
		n, err := strconv.ParseInt(w.Bytes.String(), 10, 64)
		if err != nil {
			return TrafficEvent{}, fmt.Errorf("%w: bytes %q is not an integer", ErrMalformedEvent, w.Bytes)
		}
		if n < 0 {
			return TrafficEvent{}, fmt.Errorf("%w: bytes must be non-negative, got %d", ErrMalformedEvent, n)
		}
		size = uint64(n)
	}

	status, err := ParseTrafficStatus(w.Status)
	if err != nil {
		return TrafficEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	severity := SeverityNone
	if w.Severity != nil {
		if severity, err = ParseSeverity(*w.Severity); err != nil {
			return TrafficEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
	}

	return TrafficEvent{
		ID:            id,
		Timestamp:     ts,
		SourceIP:      strings.TrimSpace(w.SourceIP),
		DestinationIP: strings.TrimSpace(w.DestinationIP),
		Protocol:      proto,
		Bytes:         size,
		Status:        status,
		Severity:      severity,
	}, nil
}

// UnmarshalJSON applies the same validation as DecodeTrafficEvent.
func (e *TrafficEvent) UnmarshalJSON(data []byte) error {
	ev, err := DecodeTrafficEvent(data)
	if err != nil {
		return err
	}
	*e = ev
	return nil
}

// ParseTimestamp parses the ISO-8601 variants emitted by the backend and its databases.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("missing timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// NormalizeProtocol upper-cases a protocol label and resolves IANA protocol
// numbers ("6", "17") to their names.
func NormalizeProtocol(label string) string {
	label = strings.ToUpper(strings.TrimSpace(label))
	if label == "" {
		return ""
	}
	if n, err := strconv.ParseUint(label, 10, 8); err == nil {
		name := layers.IPProtocol(n).String()
		if name != "" && !strings.HasPrefix(name, "Unknown") {
			label = strings.ToUpper(name)
		}
	}
	if label == "ICMPV4" {
		return "ICMP"
	}
	return label
}

func decodeID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", errors.New("missing id")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s = strings.TrimSpace(s); s == "" {
			return "", errors.New("missing id")
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("id must be a string or number: %s", raw)
	}
	return n.String(), nil
}

func decodeProtocol(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", errors.New("missing protocol")
	}
	var label string
	if err := json.Unmarshal(raw, &label); err != nil {
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", fmt.Errorf("protocol must be a string or number: %s", raw)
		}
		label = n.String()
	}
	if label = NormalizeProtocol(label); label == "" {
		return "", errors.New("missing protocol")
	}
	return label, nil
}
