package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/model"
)

// maxBodySize caps a single collection response.
const maxBodySize = 32 << 20

func init() {
	Register("http", func(cfg config.SourceConfig, logger *slog.Logger) (model.Source, error) {
		src, err := NewHTTP(cfg.HTTP, logger)
		if err != nil {
			return nil, err
		}
		return src, nil
	})
}

// HTTPSource reads incidents and traffic from the backend's REST API.
type HTTPSource struct {
	client       *http.Client
	incidentsURL string
	trafficURL   string
	maxBody      int64
	logger       *slog.Logger
}

// NewHTTP validates the base URL and builds the source. It does not contact the backend.
func NewHTTP(cfg config.HTTPSourceConfig, logger *slog.Logger) (*HTTPSource, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base_url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base_url must be http or https, got %q", cfg.BaseURL)
	}

	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSource{
		client:       &http.Client{Timeout: timeout},
		incidentsURL: base.JoinPath(cfg.IncidentsPath).String(),
		trafficURL:   base.JoinPath(cfg.TrafficPath).String(),
		maxBody:      maxBodySize,
		logger:       logger.With("source", "http"),
	}, nil
}

// FetchIncidents implements model.Source.
func (s *HTTPSource) FetchIncidents(ctx context.Context) ([]model.ThreatIncident, error) {
	records, err := s.getRecords(ctx, s.incidentsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch incidents: %w", err)
	}
	out := make([]model.ThreatIncident, 0, len(records))
	for _, raw := range records {
		inc, err := model.DecodeThreatIncident(raw)
		if err != nil {
			s.logger.Warn("Skipping invalid incident record", "error", err)
			continue
		}
		out = append(out, inc)
	}
	return out, nil
}

// FetchTraffic implements model.Source.
func (s *HTTPSource) FetchTraffic(ctx context.Context) ([]model.TrafficEvent, error) {
	records, err := s.getRecords(ctx, s.trafficURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch traffic: %w", err)
	}
	out := make([]model.TrafficEvent, 0, len(records))
	for _, raw := range records {
		ev, err := model.DecodeTrafficEvent(raw)
		if err != nil {
			s.logger.Warn("Skipping invalid traffic record", "error", err)
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Close releases idle connections.
func (s *HTTPSource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *HTTPSource) getRecords(ctx context.Context, target string) ([]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > s.maxBody {
		return nil, fmt.Errorf("GET %s: response exceeds %d MiB (request %s)", target, s.maxBody>>20, requestID)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("GET %s returned %s (request %s)", target, resp.Status, requestID)
	}

	records, err := decodeRecords(body)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", target, err)
	}
	s.logger.Debug("Fetched collection", "url", target, "records", len(records), "request_id", requestID)
	return records, nil
}

// decodeRecords accepts either a bare JSON array or a paginated
// {"results": [...]} envelope.
func decodeRecords(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty response body")
	}

	switch body[0] {
	case '[':
		var records []json.RawMessage
		if err := json.Unmarshal(body, &records); err != nil {
			return nil, fmt.Errorf("failed to decode array: %w", err)
		}
		return records, nil
	case '{':
		var envelope struct {
			Results *[]json.RawMessage `json:"results"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, fmt.Errorf("failed to decode envelope: %w", err)
		}
		if envelope.Results == nil {
			return nil, errors.New("response object has no results field")
		}
		return *envelope.Results, nil
	}
	return nil, fmt.Errorf("unexpected response document starting with %q", body[0])
}
