package rabbitmq

import (
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange kinds supported by the bus.
const (
	ExchangeDirect = "direct"
	ExchangeTopic  = "topic"
)

// Queue arguments used by the retry loop.
const (
	ArgDeadLetterExchange = "x-dead-letter-exchange"
	ArgMessageTTL         = "x-message-ttl"
)

// TopologyConfig describes the exchanges and queues behind one bus.
type TopologyConfig struct {
	ExchangeName      string
	ExchangeKind      string
	QueueNames        []string
	RetryExchangeName string
	RetryQueueName    string
	RetryDelay        time.Duration
}

// Validate checks the config is complete enough to declare.
func (c TopologyConfig) Validate() error {
	switch {
	case c.ExchangeName == "":
		return fmt.Errorf("%w: exchange name is required", ErrInvalidTopology)
	case len(c.QueueNames) == 0:
		return fmt.Errorf("%w: at least one queue name is required", ErrInvalidTopology)
	case c.RetryExchangeName == "" || c.RetryQueueName == "":
		return fmt.Errorf("%w: retry exchange and retry queue are required", ErrInvalidTopology)
	case c.RetryDelay <= 0:
		return fmt.Errorf("%w: retry delay must be positive", ErrInvalidTopology)
	case c.ExchangeKind != "" && c.ExchangeKind != ExchangeDirect && c.ExchangeKind != ExchangeTopic:
		return fmt.Errorf("%w: unsupported exchange kind %q", ErrInvalidTopology, c.ExchangeKind)
	}
	for _, q := range c.QueueNames {
		if q == "" {
			return fmt.Errorf("%w: empty queue name", ErrInvalidTopology)
		}
	}
	return nil
}

func (c TopologyConfig) kind() string {
	if c.ExchangeKind == "" {
		return ExchangeDirect
	}
	return c.ExchangeKind
}

// retryKind is the kind of the retry and re-delivery exchanges. Dead-lettered
// messages keep their original routing key, so a topic bus needs topic
// exchanges all the way round the loop.
func (c TopologyConfig) retryKind() string {
	return c.kind()
}

// RedeliveryExchangeName is the exchange expired retry messages are
// dead-lettered to. It is named after the primary (first) queue.
func (c TopologyConfig) RedeliveryExchangeName() string {
	return fmt.Sprintf("%s_%s_dlx", c.ExchangeName, c.QueueNames[0])
}

// BindingKey is the key used to bind a queue for eventName. On a topic
// bus it also matches keys prefixed by a partition, e.g. "eu.OrderPlaced".
func (c TopologyConfig) BindingKey(eventName string) string {
	if c.kind() == ExchangeTopic {
		return "#." + eventName
	}
	return eventName
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name      string
	Type      string
	Arguments amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name      string
	Arguments amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// Topology represents the complete messaging topology
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
}

// Build returns the durable exchanges and queues for the config.
func (c TopologyConfig) Build() Topology {
	t := Topology{
		Exchanges: []ExchangeDeclaration{
			{Name: c.ExchangeName, Type: c.kind()},
			{Name: c.RetryExchangeName, Type: c.retryKind()},
			{Name: c.RedeliveryExchangeName(), Type: c.retryKind()},
		},
	}
	for _, q := range c.QueueNames {
		t.Queues = append(t.Queues, c.WorkQueue(q))
	}
	t.Queues = append(t.Queues, QueueDeclaration{
		Name: c.RetryQueueName,
		Arguments: amqp.Table{
			ArgMessageTTL:         c.RetryDelay.Milliseconds(),
			ArgDeadLetterExchange: c.RedeliveryExchangeName(),
		},
	})
	return t
}

// WorkQueue declares a work queue that dead-letters into the retry exchange.
func (c TopologyConfig) WorkQueue(name string) QueueDeclaration {
	return QueueDeclaration{
		Name:      name,
		Arguments: amqp.Table{ArgDeadLetterExchange: c.RetryExchangeName},
	}
}

// BindingsFor returns the three bindings that route eventName into queue
// and round the retry loop.
func (c TopologyConfig) BindingsFor(queue, eventName string) []Binding {
	key := c.BindingKey(eventName)
	return []Binding{
		{Queue: queue, Exchange: c.ExchangeName, RoutingKey: key},
		{Queue: c.RetryQueueName, Exchange: c.RetryExchangeName, RoutingKey: key},
		{Queue: queue, Exchange: c.RedeliveryExchangeName(), RoutingKey: key},
	}
}

// TopologyManager manages RabbitMQ topology (exchanges, queues, bindings)
type TopologyManager struct {
	config TopologyConfig
	logger *slog.Logger
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(config TopologyConfig, logger *slog.Logger) (*TopologyManager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TopologyManager{config: config, logger: logger}, nil
}

// Config returns the topology configuration.
func (tm *TopologyManager) Config() TopologyConfig {
	return tm.config
}

// Declare declares every exchange and queue. Safe to repeat.
func (tm *TopologyManager) Declare(ch Channel) error {
	topology := tm.config.Build()

	for _, exchange := range topology.Exchanges {
		if err := declareExchange(ch, exchange); err != nil {
			return err
		}
	}
	for _, queue := range topology.Queues {
		if err := declareQueue(ch, queue); err != nil {
			return err
		}
	}

	tm.logger.Debug("declared topology",
		"exchange", tm.config.ExchangeName,
		"queues", tm.config.QueueNames,
		"retryQueue", tm.config.RetryQueueName,
	)
	return nil
}

// DeclareWorkQueue declares a work queue outside the configured set.
func (tm *TopologyManager) DeclareWorkQueue(ch Channel, name string) error {
	return declareQueue(ch, tm.config.WorkQueue(name))
}

// Bind routes eventName into queue on the main, retry and re-delivery exchanges.
func (tm *TopologyManager) Bind(ch Channel, queue, eventName string) error {
	for _, b := range tm.config.BindingsFor(queue, eventName) {
		if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, nil); err != nil {
			return &TopologyError{
				Component: "binding",
				Name:      fmt.Sprintf("%s->%s[%s]", b.Exchange, b.Queue, b.RoutingKey),
				Op:        "bind",
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}
	tm.logger.Debug("bound event", "queue", queue, "eventName", eventName)
	return nil
}

// Unbind removes only the main exchange binding. The retry bindings stay so
// messages already in flight round the loop can still come home.
func (tm *TopologyManager) Unbind(ch Channel, queue, eventName string) error {
	key := tm.config.BindingKey(eventName)
	if err := ch.QueueUnbind(queue, key, tm.config.ExchangeName, nil); err != nil {
		return &TopologyError{
			Component: "binding",
			Name:      fmt.Sprintf("%s->%s[%s]", tm.config.ExchangeName, queue, key),
			Op:        "unbind",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	tm.logger.Debug("unbound event", "queue", queue, "eventName", eventName)
	return nil
}

func declareExchange(ch Channel, exchange ExchangeDeclaration) error {
	err := ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}

func declareQueue(ch Channel, queue QueueDeclaration) error {
	_, err := ch.QueueDeclare(
		queue.Name,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}
