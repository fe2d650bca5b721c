package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"Go2NetSentry/internal/config"
)

// ErrUnknownTransport is returned by NewTransport for an unregistered stream.transport.
var ErrUnknownTransport = errors.New("unknown stream transport")

// Conn is one established session with a push source. Receive blocks until
// the next message arrives, the session fails or ctx is done. Close may be
// called concurrently with Receive and must unblock it.
type Conn interface {
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Transport opens sessions with a push source.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// TransportFactory builds a Transport from the stream configuration.
type TransportFactory func(cfg config.StreamConfig, logger *slog.Logger) (Transport, error)

var (
	transportsMu sync.RWMutex
	transports   = make(map[string]TransportFactory)
)

// RegisterTransport makes a transport available to NewTransport.
func RegisterTransport(name string, factory TransportFactory) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	if _, exists := transports[name]; exists {
		panic(fmt.Sprintf("stream transport '%s' already registered", name))
	}
	transports[name] = factory
}

// NewTransport creates the transport selected by cfg.Transport.
func NewTransport(cfg config.StreamConfig, logger *slog.Logger) (Transport, error) {
	transportsMu.RLock()
	factory, ok := transports[cfg.Transport]
	transportsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownTransport, cfg.Transport)
	}
	t, err := factory(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("error creating stream transport '%s': %w", cfg.Transport, err)
	}
	return t, nil
}

// Transports lists the registered transport names in sorted order.
func Transports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	names := make([]string, 0, len(transports))
	for name := range transports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
