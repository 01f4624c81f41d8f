package interceptors

import (
	"context"
	"log/slog"
	"time"
)

// Delivery is the view of a consumed event an interceptor works with.
type Delivery struct {
	EventName       string
	Queue           string
	Payload         []byte
	RedeliveryCount int
}

// Handler processes a delivery.
type Handler interface {
	Handle(ctx context.Context, d Delivery) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, d Delivery) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, d Delivery) error {
	return f(ctx, d)
}

// Interceptor processes a delivery and calls the next handler in the chain.
type Interceptor interface {
	Intercept(ctx context.Context, d Delivery, next Handler) error

	// Name identifies the interceptor in logs.
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, d Delivery, next Handler) error
}

// NewInterceptorFunc creates a named function-based interceptor.
func NewInterceptorFunc(name string, fn func(ctx context.Context, d Delivery, next Handler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, d Delivery, next Handler) error {
	return i.fn(ctx, d, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain is an ordered list of interceptors. The zero value is an empty
// chain that calls the final handler directly.
type Chain struct {
	interceptors []Interceptor
}

// NewChain creates a chain running interceptors in the given order.
func NewChain(interceptors ...Interceptor) *Chain {
	return &Chain{interceptors: interceptors}
}

// Add appends an interceptor to the chain.
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.interceptors)
}

// Execute runs d through the chain and then final.
func (c *Chain) Execute(ctx context.Context, d Delivery, final Handler) error {
	if c.Len() == 0 {
		return final.Handle(ctx, d)
	}

	// Build the chain in reverse order
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = HandlerFunc(func(ctx context.Context, d Delivery) error {
			return interceptor.Intercept(ctx, d, next)
		})
	}
	return handler.Handle(ctx, d)
}

// LoggingInterceptor logs each delivery and how long its handlers took.
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, d Delivery, next Handler) error {
	start := time.Now()
	i.logger.DebugContext(ctx, "processing event",
		"eventName", d.EventName,
		"queue", d.Queue,
		"redeliveryCount", d.RedeliveryCount,
	)

	err := next.Handle(ctx, d)
	duration := time.Since(start)

	if err != nil {
		i.logger.InfoContext(ctx, "event handlers failed",
			"eventName", d.EventName,
			"queue", d.Queue,
			"duration", duration,
			"error", err,
		)
		return err
	}
	i.logger.DebugContext(ctx, "event handled",
		"eventName", d.EventName,
		"queue", d.Queue,
		"duration", duration,
	)
	return nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}
