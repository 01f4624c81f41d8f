package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Connection errors
	ErrBrokerUnavailable = errors.New("rabbitmq: broker unavailable")
	ErrConnectionClosed  = errors.New("rabbitmq: connection manager is closed")

	// Channel errors
	ErrChannelCreationFailed = errors.New("rabbitmq: failed to create channel")

	// Publisher errors
	ErrPublishNotConfirmed = errors.New("rabbitmq: publish not confirmed")
	ErrPublishTimeout      = fmt.Errorf("%w: confirm timeout", ErrPublishNotConfirmed)
	ErrPublishNacked       = fmt.Errorf("%w: broker nack", ErrPublishNotConfirmed)
	ErrMandatoryFailed     = fmt.Errorf("%w: message returned as unroutable", ErrPublishNotConfirmed)

	// Consumer errors
	ErrConsumerClosed = errors.New("rabbitmq: consumer is closed")

	// Topology errors
	ErrTopologyDeclarationFailed = errors.New("rabbitmq: topology declaration failed")
	ErrInvalidTopology           = errors.New("rabbitmq: invalid topology configuration")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("rabbitmq connection error: %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s on %s failed: %v", e.Op, e.URL, e.Err)
}

// Unwrap exposes both the broker-unavailable sentinel and the cause.
func (e *ConnectionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrBrokerUnavailable}
	}
	return []error{ErrBrokerUnavailable, e.Err}
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: %s/%s: %v", e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue       string    // Queue name
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// TopologyError represents a topology-related error
type TopologyError struct {
	Component string    // Component type (exchange, queue, binding)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() []error {
	return []error{ErrTopologyDeclarationFailed, e.Err}
}

// IsConnectivityError reports whether err stems from a lost or unreachable
// broker. Only these failures are worth retrying on publish.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBrokerUnavailable) || errors.Is(err, amqp.ErrClosed) {
		return true
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		// Server-initiated closes with Recover set are transient.
		return amqpErr.Recover || amqpErr.Code == amqp.ConnectionForced
	}

	var chanErr *ChannelError
	return errors.As(err, &chanErr) && errors.Is(err, ErrChannelCreationFailed)
}

// SanitizeURL removes the password from a connection URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
