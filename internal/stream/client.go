// Package stream maintains the live traffic feed.
//
// A Client moves through Disconnected -> Connecting -> Connected <-> Paused
// and back to Disconnected. Events that arrive while Paused are dropped.
// Reconnecting after a lost session is left to the caller.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"Go2NetSentry/internal/logging"
	"Go2NetSentry/internal/metrics"
	"Go2NetSentry/internal/model"
)

var (
	ErrAlreadyConnected = errors.New("stream already connected")
	ErrNotConnected     = errors.New("stream not connected")
	ErrClosed           = errors.New("stream client closed")
)

// EventHandler receives every accepted event, in arrival order.
type EventHandler func(model.TrafficEvent)

// StateHandler receives every state transition, in order.
type StateHandler func(model.ConnectionState)

// Option configures a Client.
type Option func(*Client)

// WithEventHandler sets the handler for accepted events.
func WithEventHandler(h EventHandler) Option {
	return func(c *Client) { c.onEvent = h }
}

// WithStateHandler sets the handler for state transitions.
func WithStateHandler(h StateHandler) Option {
	return func(c *Client) { c.onState = h }
}

// WithMetrics records message outcomes and connection attempts.
func WithMetrics(reg *metrics.Registry) Option {
	return func(c *Client) { c.metrics = reg }
}

// WithStartPaused makes every new session open Paused while paused reports
// true. It is consulted under the client lock and must not call back into the
// client.
func WithStartPaused(paused func() bool) Option {
	return func(c *Client) { c.startPaused = paused }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

type session struct {
	conn   Conn
	cancel context.CancelFunc
	done   chan struct{}
	ended  atomic.Bool
}

// Client owns at most one session at a time.
//
// Handlers run on the client's goroutines and must not call Pause, Resume,
// Disconnect or Close.
type Client struct {
	transport Transport
	logger    *slog.Logger
	metrics   *metrics.Registry
	onEvent   EventHandler
	onState   StateHandler

	startPaused func() bool

	// deliverMu serializes classification and delivery of a message with
	// every state change, so a state change never interleaves a delivery.
	// Lock order: deliverMu, then mu.
	deliverMu sync.Mutex

	mu         sync.Mutex
	state      atomic.Int32
	sess       *session
	dialCancel context.CancelFunc
	gen        uint64
	closed     bool

	wg sync.WaitGroup
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// NewClient creates a disconnected client on transport.
func NewClient(transport Transport, opts ...Option) *Client {
	c := &Client{transport: transport}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.WithComponent(c.logger, "stream")
	return c
}

// State returns the current connection state.
func (c *Client) State() model.ConnectionState {
	return model.ConnectionState(c.state.Load())
}

// setStateLocked must be called with mu held.
func (c *Client) setStateLocked(s model.ConnectionState) {
	if model.ConnectionState(c.state.Swap(int32(s))) == s {
		return
	}
	c.logger.Info("Stream state changed", "state", s)
	if c.metrics != nil {
		c.metrics.SetState(s)
	}
	if c.onState != nil {
		c.onState(s)
	}
}

// Connect dials the transport and starts receiving. It is only valid from
// Disconnected. A failed dial leaves the client Disconnected and is not retried.
// The new session starts Connected, or Paused when WithStartPaused says so.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.State() != model.Disconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.gen++
	gen := c.gen
	dialCtx, cancel := context.WithCancel(ctx)
	c.dialCancel = cancel
	c.setStateLocked(model.Connecting)
	c.mu.Unlock()

	conn, err := c.transport.Dial(dialCtx)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	aborted := c.closed || c.gen != gen
	if !aborted {
		c.dialCancel = nil
	}
	if c.metrics != nil {
		c.metrics.RecordConnect(err)
	}

	if err != nil {
		if !aborted {
			c.setStateLocked(model.Disconnected)
		}
		c.logger.Warn("Failed to connect live feed", "error", err)
		return fmt.Errorf("failed to connect live feed: %w", err)
	}
	if aborted {
		conn.Close()
		if c.closed {
			return ErrClosed
		}
		return fmt.Errorf("connect aborted: %w", ErrNotConnected)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &session{conn: conn, cancel: sessCancel, done: make(chan struct{})}
	c.sess = s
	if c.startPaused != nil && c.startPaused() {
		c.setStateLocked(model.Paused)
	} else {
		c.setStateLocked(model.Connected)
	}

	c.wg.Add(1)
	go c.receive(sessCtx, s)
	return nil
}

func (c *Client) receive(ctx context.Context, s *session) {
	defer c.wg.Done()
	defer close(s.done)

	for {
		data, err := s.conn.Receive(ctx)
		if err != nil {
			c.endSession(s, err)
			return
		}
		c.handle(s, data)
	}
}

func (c *Client) handle(s *session, data []byte) {
	ev, decodeErr := model.DecodeTrafficEvent(data)

	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	if s.ended.Load() {
		return
	}
	switch {
	case decodeErr != nil:
		c.logger.Warn("Dropping malformed live event", "error", decodeErr, "size", len(data))
		c.record(metrics.OutcomeMalformed)
	case c.State() == model.Paused:
		c.record(metrics.OutcomeDroppedPaused)
	default:
		c.record(metrics.OutcomeAccepted)
		if c.onEvent != nil {
			c.onEvent(ev)
		}
	}
}

func (c *Client) record(outcome string) {
	if c.metrics != nil {
		c.metrics.RecordMessage(outcome)
	}
}

// endSession handles a session that failed on its own: peer close, network
// error or read timeout.
func (c *Client) endSession(s *session, cause error) {
	c.deliverMu.Lock()
	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
		s.ended.Store(true)
		c.logger.Warn("Live feed lost", "error", cause)
		c.setStateLocked(model.Disconnected)
	}
	c.mu.Unlock()
	c.deliverMu.Unlock()

	s.cancel()
	s.conn.Close()
}

// Pause stops delivery without closing the connection. Once Pause returns no
// event is being delivered, and every event received until Resume is dropped.
func (c *Client) Pause() error {
	return c.transition(model.Connected, model.Paused)
}

// Resume restarts delivery with the next received event.
func (c *Client) Resume() error {
	return c.transition(model.Paused, model.Connected)
}

func (c *Client) transition(from, to model.ConnectionState) error {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	switch c.State() {
	case to:
		return nil
	case from:
		c.setStateLocked(to)
		return nil
	}
	return ErrNotConnected
}

// Done returns a channel closed when the current session ends. With no
// session the channel is already closed.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return closedChan
	}
	return c.sess.done
}

// Disconnect ends the current session, or aborts a pending dial, and waits
// for the receive goroutine. The client can Connect again afterwards.
func (c *Client) Disconnect() error {
	c.deliverMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.deliverMu.Unlock()
		return ErrClosed
	}
	s := c.detachLocked()
	c.mu.Unlock()
	c.deliverMu.Unlock()

	if s != nil {
		s.cancel()
		s.conn.Close()
		<-s.done
	}
	return nil
}

// Close tears the client down for good. After it returns no handler is
// invoked and Connect returns ErrClosed.
func (c *Client) Close() error {
	c.deliverMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.deliverMu.Unlock()
		return nil
	}
	s := c.detachLocked()
	c.closed = true
	c.mu.Unlock()
	c.deliverMu.Unlock()

	var err error
	if s != nil {
		s.cancel()
		err = s.conn.Close()
	}
	c.wg.Wait()
	return err
}

// detachLocked ends the current session or pending dial and returns the
// session to tear down, if any. Both locks must be held.
func (c *Client) detachLocked() *session {
	c.gen++
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	s := c.sess
	c.sess = nil
	if s != nil {
		s.ended.Store(true)
	}
	c.setStateLocked(model.Disconnected)
	return s
}
