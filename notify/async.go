package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrQueueFull is returned when a warning is dropped because the queue is full.
	ErrQueueFull = errors.New("notify: warning queue full")
	// ErrQueueClosed is returned for warnings raised after Close.
	ErrQueueClosed = errors.New("notify: warning queue closed")
)

type queued struct {
	ctx     context.Context
	warning Warning
}

// Async hands warnings to a background worker so that a slow notifier
// never holds up the caller. Each delivery is bounded by a timeout.
type Async struct {
	next    Notifier
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan queued
	done   chan struct{}
}

// AsyncOption configures the Async notifier
type AsyncOption func(*asyncOptions)

type asyncOptions struct {
	size    int
	timeout time.Duration
	logger  *slog.Logger
}

// WithQueueSize sets how many warnings may wait for delivery. Defaults to 64.
func WithQueueSize(n int) AsyncOption {
	return func(o *asyncOptions) {
		o.size = n
	}
}

// WithNotifyTimeout bounds one delivery to the wrapped notifier. Defaults to 10s.
func WithNotifyTimeout(d time.Duration) AsyncOption {
	return func(o *asyncOptions) {
		o.timeout = d
	}
}

// WithAsyncLogger sets the logger for failed deliveries.
func WithAsyncLogger(logger *slog.Logger) AsyncOption {
	return func(o *asyncOptions) {
		o.logger = logger
	}
}

// NewAsync starts the delivery worker for next.
func NewAsync(next Notifier, opts ...AsyncOption) *Async {
	o := asyncOptions{size: 64, timeout: 10 * time.Second, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.size <= 0 {
		o.size = 64
	}
	if o.timeout <= 0 {
		o.timeout = 10 * time.Second
	}

	a := &Async{
		next:    next,
		timeout: o.timeout,
		logger:  o.logger,
		queue:   make(chan queued, o.size),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Notify queues w and returns at once. The context's values travel with
// the warning; its cancellation does not.
func (a *Async) Notify(ctx context.Context, w Warning) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return ErrQueueClosed
	}
	select {
	case a.queue <- queued{ctx: context.WithoutCancel(ctx), warning: w}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (a *Async) run() {
	defer close(a.done)
	for q := range a.queue {
		a.deliver(q)
	}
}

func (a *Async) deliver(q queued) {
	ctx, cancel := context.WithTimeout(q.ctx, a.timeout)
	defer cancel()

	if err := a.next.Notify(ctx, q.warning); err != nil {
		a.logger.Warn("failed to deliver warning",
			"kind", string(q.warning.Kind),
			"eventName", q.warning.EventName,
			"error", err,
		)
	}
}

// Close stops accepting warnings and waits for the queued ones until ctx
// ends. It is safe to call more than once.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
