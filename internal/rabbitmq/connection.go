package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionManager owns the broker connection. It does not run a
// reconnect loop: callers asking for a channel while disconnected
// trigger a fresh dial.
type ConnectionManager struct {
	url         string
	dial        Dialer
	dialTimeout time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	conn    Connection
	lastErr error
	closed  bool
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the amqp091-go dialer.
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithDialTimeout bounds a single connection attempt.
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:         url,
		dialTimeout: 30 * time.Second,
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}
	if cm.dial == nil {
		cm.dial = DefaultDialer(cm.dialTimeout)
	}

	return cm
}

// IsConnected reports whether a live connection is held.
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.connectedLocked()
}

func (cm *ConnectionManager) connectedLocked() bool {
	return !cm.closed && cm.conn != nil && !cm.conn.IsClosed()
}

// TryConnect dials the broker unless already connected. It never
// returns an error; the cause of a failed attempt is logged and kept for
// the next CreateChannel error.
func (cm *ConnectionManager) TryConnect(ctx context.Context) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return false
	}
	if cm.connectedLocked() {
		return true
	}

	connCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn Connection
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := cm.dial(cm.url)
		done <- result{conn: conn, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-connCtx.Done():
		res.err = connCtx.Err()
		// A late connection must not leak.
		go func() {
			if late := <-done; late.conn != nil {
				_ = late.conn.Close()
			}
		}()
	}

	if res.err != nil {
		cm.lastErr = res.err
		cm.logger.Warn("failed to connect to RabbitMQ",
			"url", SanitizeURL(cm.url),
			"error", res.err,
		)
		return false
	}

	cm.conn = res.conn
	cm.lastErr = nil
	go cm.watch(res.conn, res.conn.NotifyClose(make(chan *amqp.Error, 1)))

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	return true
}

// watch only logs; the next CreateChannel notices IsClosed and redials.
func (cm *ConnectionManager) watch(conn Connection, notify chan *amqp.Error) {
	err, ok := <-notify
	if !ok || err == nil {
		return
	}
	cm.mu.Lock()
	current := cm.conn == conn
	cm.mu.Unlock()
	if current {
		cm.logger.Warn("RabbitMQ connection closed", "error", err)
	}
}

// CreateChannel returns a new channel, connecting first when needed.
func (cm *ConnectionManager) CreateChannel(ctx context.Context) (Channel, error) {
	if !cm.TryConnect(ctx) {
		cm.mu.Lock()
		cause := cm.lastErr
		if cm.closed {
			cause = ErrConnectionClosed
		}
		cm.mu.Unlock()
		return nil, &ConnectionError{
			Op:        "create channel",
			URL:       SanitizeURL(cm.url),
			Err:       cause,
			Timestamp: time.Now(),
		}
	}

	cm.mu.Lock()
	conn := cm.conn
	cm.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open",
			Err:       fmt.Errorf("%w: %w", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}
	return ch, nil
}

// Close closes the connection. The manager cannot be reused afterwards.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true
	if cm.conn == nil || cm.conn.IsClosed() {
		return nil
	}
	return cm.conn.Close()
}
