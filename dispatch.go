package eventbus

import (
	"bytes"
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-eventbus/contracts"
	"github.com/glimte/mmate-eventbus/interceptors"
	"github.com/glimte/mmate-eventbus/internal/rabbitmq"
	"github.com/glimte/mmate-eventbus/messaging"
	"github.com/glimte/mmate-eventbus/notify"
)

// ProcessEvent runs every handler subscribed to eventName on payload, in
// registration order, stopping at the first failure. An event nobody
// subscribes to is logged and reported as handled.
func (b *EventBus) ProcessEvent(ctx context.Context, eventName string, payload []byte) error {
	if !b.registry.HasSubscriptionsForEvent(eventName) {
		b.logger.Error("no subscription for event", "eventName", eventName)
		return nil
	}

	for _, sub := range b.registry.GetHandlersForEvent(eventName) {
		if err := sub.Invoke(ctx, payload, b.scope); err != nil {
			return err
		}
	}
	return nil
}

func (b *EventBus) handleDelivery(ctx context.Context, d interceptors.Delivery) error {
	return b.ProcessEvent(ctx, d.EventName, d.Payload)
}

// onDelivered dispatches one delivery and decides how it is settled.
func (b *EventBus) onDelivered(ctx context.Context, queue string, d amqp.Delivery) rabbitmq.Outcome {
	start := time.Now()
	eventName := rabbitmq.EventNameOf(d)
	redeliveries := rabbitmq.RedeliveryCount(d.Headers, queue)
	if redeliveries > 0 {
		b.metrics.RecordRedelivery(eventName, queue)
	}

	var err error
	if b.cfg.FaultMarker != "" && bytes.Contains(d.Body, []byte(b.cfg.FaultMarker)) {
		err = contracts.Recoverable(ErrFaultInjected)
	} else {
		err = b.chain.Execute(ctx, interceptors.Delivery{
			EventName:       eventName,
			Queue:           queue,
			Payload:         d.Body,
			RedeliveryCount: redeliveries,
		}, interceptors.HandlerFunc(b.handleDelivery))
	}

	outcome, label := b.settleOutcome(ctx, queue, eventName, d.Body, redeliveries, err)

	elapsed := time.Since(start)
	if elapsed > b.cfg.SlowProcessingThreshold {
		b.logger.Warn("slow event processing",
			"eventName", eventName,
			"queue", queue,
			"duration", elapsed,
			"payload", string(d.Body),
		)
	}
	b.metrics.RecordMessage(eventName, queue, elapsed, label)
	return outcome
}

func (b *EventBus) settleOutcome(ctx context.Context, queue, eventName string, body []byte, redeliveries int, err error) (rabbitmq.Outcome, string) {
	if err == nil {
		b.logger.Debug("event processed", "eventName", eventName, "queue", queue, "redeliveryCount", redeliveries)
		return rabbitmq.OutcomeAck, messaging.OutcomeAcked
	}

	if contracts.KindOf(err) == contracts.KindFatal {
		b.logger.Error("dropping event that cannot be processed",
			"eventName", eventName,
			"queue", queue,
			"redeliveryCount", redeliveries,
			"error", err,
		)
		return rabbitmq.OutcomeAck, messaging.OutcomeDropped
	}

	if redeliveries < b.cfg.MaxRetries {
		b.logger.Warn("event processing failed, scheduling redelivery",
			"eventName", eventName,
			"queue", queue,
			"redeliveryCount", redeliveries,
			"maxRetries", b.cfg.MaxRetries,
			"error", err,
		)
		return rabbitmq.OutcomeReject, messaging.OutcomeRetried
	}

	b.logger.Error("event retries exhausted",
		"eventName", eventName,
		"queue", queue,
		"redeliveryCount", redeliveries,
		"error", err,
	)
	b.warn(ctx, notify.Warning{
		Kind:        notify.KindRetriesExhausted,
		EventName:   eventName,
		Queue:       queue,
		Payload:     string(body),
		RetryCount:  int64(redeliveries),
		LastAttempt: true,
		Error:       err.Error(),
	})
	return rabbitmq.OutcomeAck, messaging.OutcomeExhausted
}
