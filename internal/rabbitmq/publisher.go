package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-eventbus/internal/reliability"
)

// PublishRequest is one message bound for an exchange.
type PublishRequest struct {
	Exchange     string
	ExchangeKind string
	RoutingKey   string
	EventName    string
	MessageID    string
	Timestamp    time.Time
	Body         []byte
	Headers      amqp.Table
}

// Publisher publishes on a transient confirm-mode channel per attempt.
type Publisher struct {
	channels       ChannelFactory
	confirmTimeout time.Duration
	retryPolicy    *reliability.ExponentialBackoff
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishRetry sets how often and how patiently connectivity failures
// are retried. Waits are base*2^attempt.
func WithPublishRetry(retries int, base time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.retryPolicy = reliability.PowerOfTwo(base, retries)
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(channels ChannelFactory, options ...PublisherOption) *Publisher {
	p := &Publisher{
		channels:       channels,
		confirmTimeout: 5 * time.Second,
		retryPolicy:    reliability.PowerOfTwo(time.Second, 5),
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish publishes req and waits for the broker to confirm it. Only
// connectivity failures are retried; a nack, a return or a confirm
// timeout fails with ErrPublishNotConfirmed straight away.
func (p *Publisher) Publish(ctx context.Context, req PublishRequest) error {
	_, err := reliability.Retry(ctx, p.retryPolicy, func() (struct{}, error) {
		err := p.publishWithConfirm(ctx, req)
		if err != nil && !IsConnectivityError(err) {
			return struct{}{}, reliability.Permanent(err)
		}
		return struct{}{}, err
	}, func(attempt int, wait time.Duration, err error) {
		p.logger.Warn("publish failed, retrying",
			"eventName", req.EventName,
			"exchange", req.Exchange,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	})
	if err != nil && IsConnectivityError(err) && !errors.Is(err, ErrBrokerUnavailable) {
		return &PublishError{
			Exchange:   req.Exchange,
			RoutingKey: req.RoutingKey,
			Err:        &ConnectionError{Op: "publish", Err: err, Timestamp: time.Now()},
			Timestamp:  time.Now(),
		}
	}
	return err
}

// publishWithConfirm publishes a single message with confirmation
func (p *Publisher) publishWithConfirm(ctx context.Context, req PublishRequest) error {
	ch, err := p.channels.CreateChannel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Confirm(false); err != nil {
		return &ChannelError{Op: "confirm", Err: err, Timestamp: time.Now()}
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	returns := ch.NotifyReturn(make(chan amqp.Return, 1))

	kind := req.ExchangeKind
	if kind == "" {
		kind = ExchangeDirect
	}
	if err := declareExchange(ch, ExchangeDeclaration{Name: req.Exchange, Type: kind}); err != nil {
		return err
	}

	msg := amqp.Publishing{
		Headers:      req.Headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    req.MessageID,
		Timestamp:    req.Timestamp,
		Type:         req.EventName,
		Body:         req.Body,
	}
	if err := ch.PublishWithContext(ctx, req.Exchange, req.RoutingKey, true, false, msg); err != nil {
		return &PublishError{Exchange: req.Exchange, RoutingKey: req.RoutingKey, Err: err, Timestamp: time.Now()}
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	returned := false
	for {
		select {
		case ret := <-returns:
			// The broker acks a returned message afterwards; keep waiting
			// so the confirm is consumed.
			returned = true
			p.warnReturned(req, ret)

		case confirm, ok := <-confirms:
			if !ok {
				return &ChannelError{Op: "await confirm", Err: amqp.ErrClosed, Timestamp: time.Now()}
			}
			if !confirm.Ack {
				p.logger.Warn("publish nacked by broker",
					"eventName", req.EventName,
					"exchange", req.Exchange,
					"deliveryTag", confirm.DeliveryTag,
				)
				return p.notConfirmed(req, ErrPublishNacked)
			}
			if !returned {
				select {
				case ret := <-returns:
					returned = true
					p.warnReturned(req, ret)
				default:
				}
			}
			if returned {
				return p.notConfirmed(req, ErrMandatoryFailed)
			}
			return nil

		case <-timer.C:
			p.logger.Warn("timed out waiting for publish confirm",
				"eventName", req.EventName,
				"exchange", req.Exchange,
				"timeout", p.confirmTimeout,
			)
			return p.notConfirmed(req, ErrPublishTimeout)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Publisher) warnReturned(req PublishRequest, ret amqp.Return) {
	p.logger.Warn("publish returned by broker",
		"eventName", req.EventName,
		"exchange", ret.Exchange,
		"routingKey", ret.RoutingKey,
		"replyCode", ret.ReplyCode,
		"replyText", ret.ReplyText,
	)
}

func (p *Publisher) notConfirmed(req PublishRequest, err error) error {
	return &PublishError{Exchange: req.Exchange, RoutingKey: req.RoutingKey, Err: err, Timestamp: time.Now()}
}
