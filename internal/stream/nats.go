package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"Go2NetSentry/internal/config"
)

func init() {
	RegisterTransport("nats", func(cfg config.StreamConfig, logger *slog.Logger) (Transport, error) {
		return NewNATS(cfg.NATS, logger), nil
	})
}

// NATSTransport subscribes to a subject carrying JSON traffic records.
type NATSTransport struct {
	url     string
	subject string
	logger  *slog.Logger
}

// NewNATS creates a NATS transport. No connection is made until Dial.
func NewNATS(cfg config.NATSConfig, logger *slog.Logger) *NATSTransport {
	return &NATSTransport{url: cfg.URL, subject: cfg.Subject, logger: logger}
}

// Dial connects and subscribes. The NATS client's own reconnect logic is
// disabled; a lost connection ends the session.
func (t *NATSTransport) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	nc, err := nats.Connect(t.url,
		nats.Name("netsentry"),
		nats.Timeout(timeout),
		nats.NoReconnect(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", t.url, err)
	}
	sub, err := nc.SubscribeSync(t.subject)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe to '%s': %w", t.subject, err)
	}
	t.logger.Info("Subscribed to NATS subject", "url", t.url, "subject", t.subject)
	return &natsConn{nc: nc, sub: sub}, nil
}

type natsConn struct {
	nc  *nats.Conn
	sub *nats.Subscription
}

func (c *natsConn) Receive(ctx context.Context) ([]byte, error) {
	msg, err := c.sub.NextMsgWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

func (c *natsConn) Close() error {
	if c.sub != nil {
		c.sub.Unsubscribe()
	}
	c.nc.Close()
	return nil
}
