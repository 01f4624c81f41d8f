package rabbitmq

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-eventbus/internal/reliability"
)

// Outcome is how a delivery is settled with the broker.
type Outcome int

const (
	// OutcomeAck removes the message from the queue.
	OutcomeAck Outcome = iota
	// OutcomeReject dead-letters the message into the retry loop.
	OutcomeReject
)

func (o Outcome) String() string {
	if o == OutcomeReject {
		return "reject"
	}
	return "ack"
}

// DeliveryHandler decides the outcome of one delivery. It is called
// sequentially per queue.
type DeliveryHandler func(ctx context.Context, queue string, delivery amqp.Delivery) Outcome

// ChannelSetup runs on every channel before consumption starts, including
// after a resume.
type ChannelSetup func(ch Channel, queue string) error

// Consumer runs one long-lived channel per queue.
type Consumer struct {
	channels     ChannelFactory
	prefetch     int
	setup        ChannelSetup
	resumePolicy *reliability.ExponentialBackoff
	logger       *slog.Logger

	mu     sync.Mutex
	active map[string]*consumerInfo
	wg     sync.WaitGroup
}

type consumerInfo struct {
	queue   string
	tag     string
	channel Channel
	cancel  context.CancelFunc
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetch = count
	}
}

// WithChannelSetup sets a hook run on each consumer channel.
func WithChannelSetup(setup ChannelSetup) ConsumerOption {
	return func(c *Consumer) {
		c.setup = setup
	}
}

// WithResumePolicy sets the backoff used to re-open consumption.
func WithResumePolicy(policy *reliability.ExponentialBackoff) ConsumerOption {
	return func(c *Consumer) {
		c.resumePolicy = policy
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(channels ChannelFactory, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		channels:     channels,
		prefetch:     30,
		resumePolicy: reliability.NewExponentialBackoff(time.Second, 30*time.Second, 2, -1),
		logger:       slog.Default(),
		active:       make(map[string]*consumerInfo),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscribe starts consuming queue. Subscribing to a queue that is already
// being consumed is a no-op.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler DeliveryHandler) error {
	c.mu.Lock()
	if _, ok := c.active[queue]; ok {
		c.mu.Unlock()
		return nil
	}

	// Reserve the queue so opening, which may dial, runs without c.mu.
	tag := "eventbus-" + uuid.NewString()
	// Consumption outlives the caller's context; Unsubscribe ends it.
	consumerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	info := &consumerInfo{queue: queue, tag: tag, cancel: cancel}
	c.active[queue] = info
	c.wg.Add(1)
	c.mu.Unlock()

	ch, deliveries, err := c.open(ctx, queue, tag)

	c.mu.Lock()
	if err == nil && consumerCtx.Err() == nil {
		info.channel = ch
		c.mu.Unlock()

		go c.processMessages(consumerCtx, info, deliveries, handler)
		c.logger.Info("subscribed to queue",
			"queue", queue,
			"consumerTag", tag,
			"prefetch", c.prefetch,
		)
		return nil
	}
	if c.active[queue] == info {
		delete(c.active, queue)
	}
	c.mu.Unlock()

	cancel()
	c.wg.Done()
	if err != nil {
		return err
	}
	// Stopped while opening.
	_ = ch.Close()
	return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "subscribe", Err: ErrConsumerClosed, Timestamp: time.Now()}
}

func (c *Consumer) open(ctx context.Context, queue, tag string) (Channel, <-chan amqp.Delivery, error) {
	ch, err := c.channels.CreateChannel(ctx)
	if err != nil {
		return nil, nil, &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "open channel", Err: err, Timestamp: time.Now()}
	}

	if c.setup != nil {
		if err := c.setup(ch, queue); err != nil {
			_ = ch.Close()
			return nil, nil, &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "setup", Err: err, Timestamp: time.Now()}
		}
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "qos", Err: err, Timestamp: time.Now()}
	}

	deliveries, err := ch.Consume(
		queue,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, nil, &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}
	return ch, deliveries, nil
}

// processMessages handles one delivery at a time, so the next delivery is
// not pulled until the current one is settled.
func (c *Consumer) processMessages(ctx context.Context, info *consumerInfo, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("delivery channel closed, resuming consumption", "queue", info.queue)
				next, err := c.resume(ctx, info)
				if err != nil {
					c.logger.Error("gave up resuming consumption", "queue", info.queue, "error", err)
					return
				}
				deliveries = next
				continue
			}

			// Shutdown does not cancel a delivery mid-flight.
			outcome := handler(context.WithoutCancel(ctx), info.queue, delivery)
			c.settle(info.queue, delivery, outcome)
		}
	}
}

// resume re-opens consumption from scratch; unacked deliveries were
// returned to the queue by the broker when the old channel closed.
func (c *Consumer) resume(ctx context.Context, info *consumerInfo) (<-chan amqp.Delivery, error) {
	type opened struct {
		ch         Channel
		deliveries <-chan amqp.Delivery
	}

	res, err := reliability.Retry(ctx, c.resumePolicy, func() (opened, error) {
		ch, deliveries, err := c.open(ctx, info.queue, info.tag)
		return opened{ch: ch, deliveries: deliveries}, err
	}, func(attempt int, wait time.Duration, err error) {
		c.logger.Warn("failed to resume consumption, retrying",
			"queue", info.queue,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		_ = res.ch.Close()
		return nil, ctx.Err()
	}
	info.channel = res.ch
	c.logger.Info("resumed consumption", "queue", info.queue)
	return res.deliveries, nil
}

// settle issues exactly one ack or reject. Failures are logged only; the
// broker redelivers anything left unsettled.
func (c *Consumer) settle(queue string, delivery amqp.Delivery, outcome Outcome) {
	var err error
	switch outcome {
	case OutcomeReject:
		err = delivery.Reject(false)
	default:
		err = delivery.Ack(false)
	}
	if err != nil {
		c.logger.Error("failed to settle delivery",
			"queue", queue,
			"deliveryTag", delivery.DeliveryTag,
			"outcome", outcome.String(),
			"error", err,
		)
	}
}

// Unsubscribe stops consuming queue and closes its channel.
func (c *Consumer) Unsubscribe(queue string) error {
	c.mu.Lock()
	info, ok := c.active[queue]
	if ok {
		delete(c.active, queue)
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	return c.stop(info)
}

// UnsubscribeAll stops every consumer.
func (c *Consumer) UnsubscribeAll() error {
	c.mu.Lock()
	infos := make([]*consumerInfo, 0, len(c.active))
	for queue, info := range c.active {
		infos = append(infos, info)
		delete(c.active, queue)
	}
	c.mu.Unlock()

	var firstErr error
	for _, info := range infos {
		if err := c.stop(info); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Consumer) stop(info *consumerInfo) error {
	info.cancel()

	c.mu.Lock()
	ch := info.channel
	c.mu.Unlock()

	c.logger.Info("unsubscribed from queue", "queue", info.queue, "consumerTag", info.tag)
	if ch == nil || ch.IsClosed() {
		return nil
	}
	if err := ch.Close(); err != nil {
		return &ConsumerError{Queue: info.queue, ConsumerTag: info.tag, Op: "close", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// Wait blocks until every consumer loop has returned. It must not be
// called from a delivery handler.
func (c *Consumer) Wait() {
	c.wg.Wait()
}

// GetActiveConsumers returns the queues being consumed, sorted. Queues
// still being opened are left out.
func (c *Consumer) GetActiveConsumers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	queues := make([]string, 0, len(c.active))
	for queue, info := range c.active {
		if info.channel != nil {
			queues = append(queues, queue)
		}
	}
	sort.Strings(queues)
	return queues
}
