package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-eventbus/internal/rabbitmq"
)

// Broker is the part of the connection manager a health check needs.
type Broker interface {
	IsConnected() bool
	TryConnect(ctx context.Context) bool
	CreateChannel(ctx context.Context) (rabbitmq.Channel, error)
}

// RabbitMQChecker checks RabbitMQ connection health
type RabbitMQChecker struct {
	broker Broker
	logger *slog.Logger
}

// NewRabbitMQChecker creates a new RabbitMQ health checker
func NewRabbitMQChecker(broker Broker, logger *slog.Logger) *RabbitMQChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RabbitMQChecker{broker: broker, logger: logger}
}

func (c *RabbitMQChecker) Name() string {
	return "rabbitmq"
}

// Check connects on demand and opens a throwaway channel. A connection
// that had dropped and came back reports degraded.
func (c *RabbitMQChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	wasConnected := c.broker.IsConnected()
	result.Details["was_connected"] = wasConnected

	if !c.broker.TryConnect(ctx) {
		result.Status = StatusUnhealthy
		result.Message = "Broker unreachable"
		result.Duration = time.Since(start)
		return result
	}

	ch, err := c.broker.CreateChannel(ctx)
	if err != nil {
		c.logger.Warn("health check could not open channel", "error", err)
		result.Status = StatusUnhealthy
		result.Message = "Failed to create channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	_ = ch.Close()

	if wasConnected {
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	} else {
		result.Status = StatusDegraded
		result.Message = "Connection re-established"
	}
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) error
}

// NewComponentChecker reports unhealthy whenever fn returns an error.
func NewComponentChecker(name string, fn func(ctx context.Context) error) *ComponentChecker {
	return &ComponentChecker{name: name, checker: fn}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.name, Timestamp: start, Status: StatusHealthy}
	if err := c.checker(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}
