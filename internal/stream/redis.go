package stream

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"Go2NetSentry/internal/config"
)

func init() {
	RegisterTransport("redis", func(cfg config.StreamConfig, logger *slog.Logger) (Transport, error) {
		return NewRedis(cfg.Redis, logger), nil
	})
}

// RedisTransport listens on a Pub/Sub channel carrying JSON traffic records.
type RedisTransport struct {
	opts    *redis.Options
	channel string
	logger  *slog.Logger
}

// NewRedis creates a Redis transport. No connection is made until Dial.
func NewRedis(cfg config.RedisConfig, logger *slog.Logger) *RedisTransport {
	return &RedisTransport{
		opts: &redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		},
		channel: cfg.Channel,
		logger:  logger,
	}
}

// Dial verifies the server and subscribes to the channel.
func (t *RedisTransport) Dial(ctx context.Context) (Conn, error) {
	client := redis.NewClient(t.opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", t.opts.Addr, err)
	}

	ps := client.Subscribe(ctx, t.channel)
	// Wait for the subscription confirmation so no message is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		client.Close()
		return nil, fmt.Errorf("failed to subscribe to '%s': %w", t.channel, err)
	}
	t.logger.Info("Subscribed to redis channel", "addr", t.opts.Addr, "channel", t.channel)
	return &redisConn{client: client, ps: ps}, nil
}

type redisConn struct {
	client *redis.Client
	ps     *redis.PubSub
}

func (c *redisConn) Receive(ctx context.Context) ([]byte, error) {
	msg, err := c.ps.ReceiveMessage(ctx)
	if err != nil {
		return nil, err
	}
	return []byte(msg.Payload), nil
}

func (c *redisConn) Close() error {
	err := c.ps.Close()
	if cerr := c.client.Close(); err == nil {
		err = cerr
	}
	return err
}
