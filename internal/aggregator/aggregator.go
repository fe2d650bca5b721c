// Package aggregator derives dashboard metrics from incident and traffic snapshots.
package aggregator

import (
	"hash/fnv"

	"Go2NetSentry/internal/model"
)

// UnknownThreatType labels incidents that arrive without a threat type.
const UnknownThreatType = "Unknown"

// Palette is the fixed set of colours protocol slices are drawn from.
var Palette = []string{
	"#00F5FF", "#FF6B35", "#7CFC00", "#FFD700",
	"#FF1493", "#1E90FF", "#ADFF2F", "#FF4500",
	"#9370DB", "#20B2AA", "#F08080", "#DAA520",
}

// ColorFor maps a label to a palette entry using FNV-1a, so a protocol keeps
// its colour across refreshes and restarts.
func ColorFor(label string) string {
	h := fnv.New32a()
	h.Write([]byte(label))
	return Palette[h.Sum32()%uint32(len(Palette))]
}

// Aggregate turns one pair of snapshots into a MetricsSnapshot. It is pure:
// equal inputs always give equal outputs, including label order.
func Aggregate(incidents []model.ThreatIncident, traffic []model.TrafficEvent) model.MetricsSnapshot {
	m := model.MetricsSnapshot{
		TotalPackets:         len(traffic),
		ProtocolDistribution: []model.ProtocolSlice{},
		ThreatHistogram:      []model.LabelCount{},
	}

	threatIdx := make(map[string]int)
	for _, inc := range incidents {
		switch inc.Status {
		case model.IncidentActive:
			m.ActiveThreats++
		case model.IncidentBlocked:
			m.BlockedIPs++
		case model.IncidentFalsePositive:
			m.FalsePositives++
		}

		label := inc.ThreatType
		if label == "" {
			label = UnknownThreatType
		}
		if i, ok := threatIdx[label]; ok {
			m.ThreatHistogram[i].Count++
			continue
		}
		threatIdx[label] = len(m.ThreatHistogram)
		m.ThreatHistogram = append(m.ThreatHistogram, model.LabelCount{Label: label, Count: 1})
	}

	protoIdx := make(map[string]int)
	for _, ev := range traffic {
		if i, ok := protoIdx[ev.Protocol]; ok {
			m.ProtocolDistribution[i].Count++
			continue
		}
		protoIdx[ev.Protocol] = len(m.ProtocolDistribution)
		m.ProtocolDistribution = append(m.ProtocolDistribution, model.ProtocolSlice{
			Label: ev.Protocol,
			Count: 1,
			Color: ColorFor(ev.Protocol),
		})
	}

	return m
}
