package source

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/model"
)

func init() {
	Register("postgres", func(cfg config.SourceConfig, logger *slog.Logger) (model.Source, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		src, err := NewPostgres(ctx, cfg.Postgres, logger)
		if err != nil {
			return nil, err
		}
		return src, nil
	})
}

// PostgresSource reads directly from the backend's relational tables.
type PostgresSource struct {
	pool           *pgxpool.Pool
	incidentsQuery string
	trafficQuery   string
	limit          int
	logger         *slog.Logger
}

// NewPostgres opens a pool and verifies connectivity.
func NewPostgres(ctx context.Context, cfg config.PostgresConfig, logger *slog.Logger) (*PostgresSource, error) {
	incidents, err := checkTable(cfg.IncidentsTable)
	if err != nil {
		return nil, err
	}
	traffic, err := checkTable(cfg.TrafficTable)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	limit := cfg.Limit
	if limit <= 0 {
		limit = defaultRowLimit
	}
	return &PostgresSource{
		pool:           pool,
		incidentsQuery: fmt.Sprintf(`SELECT id::text, COALESCE(threat_type, ''), COALESCE(status, '') FROM %s ORDER BY id DESC LIMIT $1`, incidents),
		trafficQuery: fmt.Sprintf(`SELECT id::text, timestamp, source_ip::text, destination_ip::text, protocol, bytes::bigint, status, severity
			FROM %s ORDER BY timestamp DESC LIMIT $1`, traffic),
		limit:  limit,
		logger: logger.With("source", "postgres"),
	}, nil
}

// FetchIncidents implements model.Source.
func (s *PostgresSource) FetchIncidents(ctx context.Context) ([]model.ThreatIncident, error) {
	rows, err := s.pool.Query(ctx, s.incidentsQuery, s.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
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
func (s *PostgresSource) FetchTraffic(ctx context.Context) ([]model.TrafficEvent, error) {
	rows, err := s.pool.Query(ctx, s.trafficQuery, s.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query traffic: %w", err)
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

// Close shuts the pool down.
func (s *PostgresSource) Close() error {
	s.pool.Close()
	return nil
}
