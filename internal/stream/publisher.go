package stream

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"Go2NetSentry/internal/config"
)

// Publisher pushes raw traffic records onto a broker-backed feed. It is the
// producing side of the nats and redis transports.
type Publisher interface {
	Publish(ctx context.Context, data []byte) error
	Close() error
}

// NewPublisher connects a publisher for the configured transport. The
// websocket feed is served by the backend and has no publishing side.
func NewPublisher(ctx context.Context, cfg config.StreamConfig, logger *slog.Logger) (Publisher, error) {
	switch cfg.Transport {
	case "nats":
		return NewNATSPublisher(cfg.NATS, logger)
	case "redis":
		return NewRedisPublisher(ctx, cfg.Redis, logger)
	case "websocket":
		return nil, fmt.Errorf("transport %q cannot be published to", cfg.Transport)
	}
	return nil, fmt.Errorf("%w: '%s'", ErrUnknownTransport, cfg.Transport)
}

// NATSPublisher publishes records to a NATS subject.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
}

// NewNATSPublisher creates a new NATS publisher.
func NewNATSPublisher(cfg config.NATSConfig, logger *slog.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("netsentry-publisher"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	logger.Info("Connected to NATS server", "url", cfg.URL)
	return &NATSPublisher{nc: nc, subject: cfg.Subject, logger: logger}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, data []byte) error {
	return p.nc.Publish(p.subject, data)
}

// Close drains and closes the NATS connection.
func (p *NATSPublisher) Close() error {
	if err := p.nc.Drain(); err != nil {
		return err
	}
	p.logger.Info("NATS connection drained and closed.")
	return nil
}

// RedisPublisher publishes records to a Redis Pub/Sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher creates a Redis publisher and verifies the server.
func NewRedisPublisher(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Addr, err)
	}
	logger.Info("Connected to redis", "addr", cfg.Addr)
	return &RedisPublisher{client: client, channel: cfg.Channel}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, data []byte) error {
	return p.client.Publish(ctx, p.channel, data).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
