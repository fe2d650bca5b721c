package source

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ClickHouse/clickhouse-go/v2"

	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/model"
)

const defaultRowLimit = 1000

func init() {
	Register("clickhouse", func(cfg config.SourceConfig, logger *slog.Logger) (model.Source, error) {
		src, err := NewClickHouse(cfg.ClickHouse, logger)
		if err != nil {
			return nil, err
		}
		return src, nil
	})
}

// ClickHouseSource reads the latest incidents and traffic rows from ClickHouse.
type ClickHouseSource struct {
	conn           clickhouse.Conn
	incidentsQuery string
	trafficQuery   string
	limit          int
	logger         *slog.Logger
}

// NewClickHouse connects and pings the server.
func NewClickHouse(cfg config.ClickHouseConfig, logger *slog.Logger) (*ClickHouseSource, error) {
	incidents, err := checkTable(cfg.IncidentsTable)
	if err != nil {
		return nil, err
	}
	traffic, err := checkTable(cfg.TrafficTable)
	if err != nil {
		return nil, err
	}

	conn, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	limit := cfg.Limit
	if limit <= 0 {
		limit = defaultRowLimit
	}
	return &ClickHouseSource{
		conn:           conn,
		incidentsQuery: fmt.Sprintf(`SELECT toString(id), threat_type, status FROM %s ORDER BY id DESC LIMIT ?`, incidents),
		trafficQuery: fmt.Sprintf(`
			SELECT toString(id), timestamp, source_ip, destination_ip, protocol, toInt64(bytes), status, severity
			FROM %s
			ORDER BY timestamp DESC
			LIMIT ?`, traffic),
		limit:  limit,
		logger: logger.With("source", "clickhouse"),
	}, nil
}

func connect(cfg config.ClickHouseConfig) (clickhouse.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	return conn, nil
}

// FetchIncidents implements model.Source.
func (s *ClickHouseSource) FetchIncidents(ctx context.Context) ([]model.ThreatIncident, error) {
	rows, err := s.conn.Query(ctx, s.incidentsQuery, s.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to execute incidents query: %w", err)
	}
	defer rows.Close()

	var out []model.ThreatIncident
	for rows.Next() {
		var id, threatType, status string
		if err := rows.Scan(&id, &threatType, &status); err != nil {
			return nil, fmt.Errorf("failed to scan incident row: %w", err)
		}
		out = append(out, incidentFromRow(id, threatType, status))
	}
	return out, rows.Err()
}

// FetchTraffic implements model.Source.
func (s *ClickHouseSource) FetchTraffic(ctx context.Context) ([]model.TrafficEvent, error) {
	rows, err := s.conn.Query(ctx, s.trafficQuery, s.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to execute traffic query: %w", err)
	}
	defer rows.Close()

	var scanned []trafficRow
	for rows.Next() {
		var r trafficRow
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.SourceIP, &r.DestinationIP, &r.Protocol, &r.Bytes, &r.Status, &r.Severity); err != nil {
			return nil, fmt.Errorf("failed to scan traffic row: %w", err)
		}
		scanned = append(scanned, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return collectTraffic(scanned, s.logger), nil
}

// Close closes the underlying connection.
func (s *ClickHouseSource) Close() error {
	return s.conn.Close()
}
