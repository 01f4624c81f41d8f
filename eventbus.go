// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package eventbus publishes and consumes integration events over RabbitMQ
// with publisher confirms, delayed bounded redelivery and per-event tenant
// scoping.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/glimte/mmate-eventbus/health"
	"github.com/glimte/mmate-eventbus/interceptors"
	"github.com/glimte/mmate-eventbus/internal/rabbitmq"
	"github.com/glimte/mmate-eventbus/internal/reliability"
	"github.com/glimte/mmate-eventbus/messaging"
	"github.com/glimte/mmate-eventbus/notify"
)

// Exchange kinds.
const (
	ExchangeDirect = rabbitmq.ExchangeDirect
	ExchangeTopic  = rabbitmq.ExchangeTopic
)

var (
	ErrBrokerUnavailable         = rabbitmq.ErrBrokerUnavailable
	ErrPublishNotConfirmed       = rabbitmq.ErrPublishNotConfirmed
	ErrTopologyDeclarationFailed = rabbitmq.ErrTopologyDeclarationFailed
	ErrInvalidTopology           = rabbitmq.ErrInvalidTopology

	// ErrEventBoundToOtherQueue is returned when an event name already
	// routes to a different queue on this bus.
	ErrEventBoundToOtherQueue = errors.New("eventbus: event is bound to another queue")
	// ErrBusClosed is returned by operations on a closed bus.
	ErrBusClosed = errors.New("eventbus: closed")
	// ErrFaultInjected marks a delivery failed on purpose by the fault marker.
	ErrFaultInjected = errors.New("eventbus: fault injected")
)

// Config is the bus configuration.
type Config struct {
	URL          string
	ExchangeName string
	// ExchangeKind is ExchangeDirect (default) or ExchangeTopic.
	ExchangeKind      string
	QueueNames        []string
	RetryExchangeName string
	RetryQueueName    string
	RetryDelay        time.Duration
	// MaxRetries bounds redeliveries of a recoverable failure.
	MaxRetries int

	PublishRetryCount       int
	PublishRetryBase        time.Duration
	ConfirmTimeout          time.Duration
	DialTimeout             time.Duration
	PrefetchCount           int
	SlowProcessingThreshold time.Duration
	// FaultMarker, when set, fails any delivery whose payload contains it.
	FaultMarker string

	// NotifyTimeout bounds one warning delivery; NotifyQueueSize bounds
	// how many warnings wait for it. Warnings never block publish or
	// consume.
	NotifyTimeout   time.Duration
	NotifyQueueSize int
}

func (c Config) withDefaults() Config {
	if c.ExchangeKind == "" {
		c.ExchangeKind = ExchangeDirect
	}
	if c.PublishRetryCount == 0 {
		c.PublishRetryCount = 5
	}
	if c.PublishRetryBase <= 0 {
		c.PublishRetryBase = time.Second
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 5 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 30 * time.Second
	}
	if c.PrefetchCount <= 0 {
		c.PrefetchCount = 30
	}
	if c.SlowProcessingThreshold <= 0 {
		c.SlowProcessingThreshold = time.Second
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 10 * time.Second
	}
	if c.NotifyQueueSize <= 0 {
		c.NotifyQueueSize = 64
	}
	return c
}

func (c Config) topology() rabbitmq.TopologyConfig {
	return rabbitmq.TopologyConfig{
		ExchangeName:      c.ExchangeName,
		ExchangeKind:      c.ExchangeKind,
		QueueNames:        slices.Clone(c.QueueNames),
		RetryExchangeName: c.RetryExchangeName,
		RetryQueueName:    c.RetryQueueName,
		RetryDelay:        c.RetryDelay,
	}
}

// TenantScoper moves a handler context into a tenant's scope.
// *tenant.Switcher implements it.
type TenantScoper interface {
	Scope(ctx context.Context, tenantCode string) (context.Context, error)
}

type options struct {
	logger       *slog.Logger
	dialer       rabbitmq.Dialer
	notifier     notify.Notifier
	metrics      messaging.MetricsCollector
	tenants      TenantScoper
	resumePolicy *reliability.ExponentialBackoff
	interceptors []interceptors.Interceptor
}

// Option configures an EventBus
type Option func(*options)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithDialer replaces how broker connections are opened.
func WithDialer(dial rabbitmq.Dialer) Option {
	return func(o *options) {
		o.dialer = dial
	}
}

// WithNotifier sets where operator warnings go. Defaults to the logger.
func WithNotifier(n notify.Notifier) Option {
	return func(o *options) {
		o.notifier = n
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(m messaging.MetricsCollector) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithTenantScoper scopes typed handlers of tenant events. Without one,
// tenant codes are ignored.
func WithTenantScoper(s TenantScoper) Option {
	return func(o *options) {
		o.tenants = s
	}
}

// WithResumeBackoff sets the wait between attempts to resume a consumer
// whose channel was lost.
func WithResumeBackoff(initial, max time.Duration) Option {
	return func(o *options) {
		o.resumePolicy = reliability.NewExponentialBackoff(initial, max, 2, -1)
	}
}

// WithInterceptors wraps the dispatch of every consumed event. The first
// interceptor is the outermost.
func WithInterceptors(in ...interceptors.Interceptor) Option {
	return func(o *options) {
		o.interceptors = append(o.interceptors, in...)
	}
}

// EventBus publishes and consumes integration events.
type EventBus struct {
	cfg       Config
	logger    *slog.Logger
	conn      *rabbitmq.ConnectionManager
	topology  *rabbitmq.TopologyManager
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	registry  *messaging.SubscriptionRegistry
	warnings  *notify.Async
	metrics   messaging.MetricsCollector
	scope     messaging.ScopeFunc
	chain     *interceptors.Chain

	// subMu serializes Subscribe and Unsubscribe.
	subMu sync.Mutex

	mu       sync.Mutex
	queues   []string
	bindings map[string]string // event name to work queue
	closed   bool
}

// New creates a bus. It does not connect; the first publish, subscribe or
// consume does.
func New(cfg Config, opts ...Option) (*EventBus, error) {
	cfg = cfg.withDefaults()
	o := options{
		logger:  slog.Default(),
		metrics: messaging.NoOpMetricsCollector{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.notifier == nil {
		o.notifier = notify.NewLogNotifier(o.logger)
	}

	topology, err := rabbitmq.NewTopologyManager(cfg.topology(), o.logger)
	if err != nil {
		return nil, err
	}

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(o.logger),
		rabbitmq.WithDialTimeout(cfg.DialTimeout),
	}
	if o.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(o.dialer))
	}
	conn := rabbitmq.NewConnectionManager(cfg.URL, connOpts...)

	b := &EventBus{
		cfg:      cfg,
		logger:   o.logger,
		conn:     conn,
		topology: topology,
		registry: messaging.NewSubscriptionRegistry(),
		metrics:  o.metrics,
		chain:    interceptors.NewChain(o.interceptors...),
		queues:   slices.Clone(cfg.QueueNames),
		bindings: make(map[string]string),
	}
	if o.tenants != nil {
		b.scope = o.tenants.Scope
	}

	b.warnings = notify.NewAsync(o.notifier,
		notify.WithNotifyTimeout(cfg.NotifyTimeout),
		notify.WithQueueSize(cfg.NotifyQueueSize),
		notify.WithAsyncLogger(o.logger),
	)

	b.publisher = rabbitmq.NewPublisher(conn,
		rabbitmq.WithConfirmTimeout(cfg.ConfirmTimeout),
		rabbitmq.WithPublishRetry(cfg.PublishRetryCount, cfg.PublishRetryBase),
		rabbitmq.WithPublisherLogger(o.logger),
	)

	consumerOpts := []rabbitmq.ConsumerOption{
		rabbitmq.WithPrefetchCount(cfg.PrefetchCount),
		rabbitmq.WithChannelSetup(b.setupChannel),
		rabbitmq.WithConsumerLogger(o.logger),
	}
	if o.resumePolicy != nil {
		consumerOpts = append(consumerOpts, rabbitmq.WithResumePolicy(o.resumePolicy))
	}
	b.consumer = rabbitmq.NewConsumer(conn, consumerOpts...)

	b.registry.OnSubscriptionRemoved(b.onSubscriptionRemoved)
	return b, nil
}

// Registry returns the bus's subscription registry.
func (b *EventBus) Registry() *messaging.SubscriptionRegistry {
	return b.registry
}

// IsConnected reports whether the broker connection is open.
func (b *EventBus) IsConnected() bool {
	return b.conn.IsConnected()
}

// TryConnect connects if not already connected.
func (b *EventBus) TryConnect(ctx context.Context) bool {
	return b.conn.TryConnect(ctx)
}

// HealthChecker reports on the bus's broker connection.
func (b *EventBus) HealthChecker() health.Checker {
	return health.NewRabbitMQChecker(b.conn, b.logger)
}

// Queues returns the work queues StartBasicConsumeAllQueue consumes.
func (b *EventBus) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.queues)
}

// StartBasicConsume starts consuming queue. The topology is declared on
// the consumer's channel first, and again whenever consumption resumes.
func (b *EventBus) StartBasicConsume(ctx context.Context, queue string) error {
	if b.isClosed() {
		return ErrBusClosed
	}
	if err := b.consumer.Subscribe(ctx, queue, b.onDelivered); err != nil {
		return fmt.Errorf("failed to start consuming %s: %w", queue, err)
	}
	return nil
}

// StartBasicConsumeAllQueue starts consuming every work queue.
func (b *EventBus) StartBasicConsumeAllQueue(ctx context.Context) error {
	for _, queue := range b.Queues() {
		if err := b.StartBasicConsume(ctx, queue); err != nil {
			return err
		}
	}
	return nil
}

// ActiveConsumers returns the queues currently being consumed.
func (b *EventBus) ActiveConsumers() []string {
	return b.consumer.GetActiveConsumers()
}

// Close stops consumption and closes the broker connection. Deliveries
// being handled are left unsettled for the broker to redeliver.
func (b *EventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	err := b.consumer.UnsubscribeAll()
	b.consumer.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.NotifyTimeout)
	defer cancel()
	if werr := b.warnings.Close(ctx); werr != nil {
		b.logger.Warn("undelivered warnings dropped on close", "error", werr)
	}
	return errors.Join(err, b.conn.Close())
}

func (b *EventBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *EventBus) setupChannel(ch rabbitmq.Channel, queue string) error {
	if err := b.topology.Declare(ch); err != nil {
		return err
	}
	if !slices.Contains(b.cfg.QueueNames, queue) {
		if err := b.topology.DeclareWorkQueue(ch, queue); err != nil {
			return err
		}
	}
	return nil
}

// withChannel runs fn on a transient channel.
func (b *EventBus) withChannel(ctx context.Context, fn func(ch rabbitmq.Channel) error) error {
	ch, err := b.conn.CreateChannel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()
	return fn(ch)
}

// warn queues w for the notifier without waiting for it. Warnings that
// cannot be queued are logged and dropped.
func (b *EventBus) warn(ctx context.Context, w notify.Warning) {
	w.OccurredAt = time.Now().UTC()
	if err := b.warnings.Notify(ctx, w); err != nil {
		b.logger.Warn("failed to deliver warning",
			"kind", string(w.Kind),
			"eventName", w.EventName,
			"error", err,
		)
	}
}
