package model

import "time"

// LabelCount is one bar of a histogram.
type LabelCount struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// ProtocolSlice is one segment of the protocol distribution. Color is derived
// from Label and is identical across recomputations.
type ProtocolSlice struct {
	Label string `json:"label"`
	Count int    `json:"count"`
	Color string `json:"color"`
}

// MetricsSnapshot is recomputed wholesale on every fetch cycle.
type MetricsSnapshot struct {
	TotalPackets         int             `json:"total_packets"`
	ActiveThreats        int             `json:"active_threats"`
	BlockedIPs           int             `json:"blocked_ips"`
	FalsePositives       int             `json:"false_positives"`
	ProtocolDistribution []ProtocolSlice `json:"protocol_distribution"`
	ThreatHistogram      []LabelCount    `json:"threat_histogram"`
	// GeneratedAt is zero until the first successful fetch.
	GeneratedAt time.Time `json:"generated_at"`
}

// Clone returns a deep copy so readers cannot mutate shared slices.
func (m MetricsSnapshot) Clone() MetricsSnapshot {
	out := m
	out.ProtocolDistribution = append([]ProtocolSlice{}, m.ProtocolDistribution...)
	out.ThreatHistogram = append([]LabelCount{}, m.ThreatHistogram...)
	return out
}
