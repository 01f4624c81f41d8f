package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-eventbus/contracts"
	"github.com/glimte/mmate-eventbus/internal/rabbitmq"
	"github.com/glimte/mmate-eventbus/notify"
)

// Publish publishes evt to the bus exchange, routed by its event name.
//
// A nil error means the broker confirmed the message. An error wrapping
// ErrPublishNotConfirmed means the broker nacked it, returned it as
// unroutable or did not confirm in time; the caller owns any compensation.
// An error wrapping ErrBrokerUnavailable means the broker stayed
// unreachable through every retry.
func (b *EventBus) Publish(ctx context.Context, evt contracts.IntegrationEvent) error {
	name := contracts.EventName(evt)
	return b.publish(ctx, b.cfg.ExchangeName, b.cfg.ExchangeKind, name, evt)
}

// PublishToExchange publishes evt to a direct exchange, routed by its event name.
func (b *EventBus) PublishToExchange(ctx context.Context, exchange string, evt contracts.IntegrationEvent) error {
	name := contracts.EventName(evt)
	return b.publish(ctx, exchange, ExchangeDirect, name, evt)
}

// PublishToTopicExchange publishes evt to a topic exchange with routing key
// bindingKey.EventName.
func (b *EventBus) PublishToTopicExchange(ctx context.Context, evt contracts.IntegrationEvent, bindingKey, exchange string) error {
	name := contracts.EventName(evt)
	key := name
	if bindingKey != "" {
		key = bindingKey + "." + name
	}
	return b.publish(ctx, exchange, ExchangeTopic, key, evt)
}

func (b *EventBus) publish(ctx context.Context, exchange, kind, routingKey string, evt contracts.IntegrationEvent) error {
	if b.isClosed() {
		return ErrBusClosed
	}

	name := contracts.EventName(evt)
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("eventbus: marshal %s: %w", name, err)
	}

	start := time.Now()
	err = b.publisher.Publish(ctx, rabbitmq.PublishRequest{
		Exchange:     exchange,
		ExchangeKind: kind,
		RoutingKey:   routingKey,
		EventName:    name,
		MessageID:    evt.GetID(),
		Timestamp:    evt.GetCreatedAt(),
		Body:         body,
		Headers:      amqp.Table{rabbitmq.HeaderEventName: name},
	})
	b.metrics.RecordPublish(name, exchange, time.Since(start), err == nil)

	switch {
	case err == nil:
		b.logger.Debug("event published", "eventName", name, "exchange", exchange, "routingKey", routingKey)
	case errors.Is(err, ErrPublishNotConfirmed):
		b.warn(ctx, notify.Warning{
			Kind:      notify.KindPublishNotConfirmed,
			EventName: name,
			Exchange:  exchange,
			Payload:   string(body),
			Error:     err.Error(),
		})
	default:
		b.logger.Error("publish failed", "eventName", name, "exchange", exchange, "error", err)
	}
	return err
}
