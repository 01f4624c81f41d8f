package eventbus

import (
	"context"
	"fmt"
	"slices"

	"github.com/glimte/mmate-eventbus/contracts"
	"github.com/glimte/mmate-eventbus/internal/rabbitmq"
	"github.com/glimte/mmate-eventbus/messaging"
)

type subscribeOptions struct {
	queue string
}

// SubscribeOption configures a subscription
type SubscribeOption func(*subscribeOptions)

// WithQueue routes the subscribed event into queue instead of the first
// configured queue.
func WithQueue(name string) SubscribeOption {
	return func(o *subscribeOptions) {
		o.queue = name
	}
}

// Subscribe registers handler for events of type E. Registering the same
// handler type twice is a no-op.
func Subscribe[E contracts.IntegrationEvent](ctx context.Context, bus *EventBus, handler messaging.IntegrationEventHandler[E], opts ...SubscribeOption) error {
	return bus.subscribe(ctx, messaging.NewTypedSubscription[E](handler), opts)
}

// SubscribeDynamic registers handler for eventName, decoded as an untyped
// document.
func SubscribeDynamic(ctx context.Context, bus *EventBus, eventName string, handler messaging.DynamicIntegrationEventHandler, opts ...SubscribeOption) error {
	return bus.subscribe(ctx, messaging.NewDynamicSubscription(eventName, handler), opts)
}

// Unsubscribe removes handler's subscription to E and reports whether it
// was registered.
func Unsubscribe[E contracts.IntegrationEvent](bus *EventBus, handler messaging.IntegrationEventHandler[E]) bool {
	return bus.unsubscribe(contracts.EventNameOf[E](), messaging.HandlerTypeOf(handler), false)
}

// UnsubscribeDynamic removes handler's dynamic subscription to eventName.
func UnsubscribeDynamic(bus *EventBus, eventName string, handler messaging.DynamicIntegrationEventHandler) bool {
	return bus.unsubscribe(eventName, messaging.HandlerTypeOf(handler), true)
}

func (b *EventBus) subscribe(ctx context.Context, sub messaging.Subscription, opts []SubscribeOption) error {
	if b.isClosed() {
		return ErrBusClosed
	}
	o := subscribeOptions{queue: b.cfg.QueueNames[0]}
	for _, opt := range opts {
		opt(&o)
	}

	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.mu.Lock()
	bound, isBound := b.bindings[sub.EventName]
	b.mu.Unlock()

	if isBound && bound != o.queue {
		return fmt.Errorf("%w: %s routes to %s, not %s", ErrEventBoundToOtherQueue, sub.EventName, bound, o.queue)
	}
	if !isBound {
		if err := b.bind(ctx, o.queue, sub.EventName); err != nil {
			return err
		}
	}

	added, err := b.registry.AddSubscription(sub)
	if err != nil {
		if !isBound {
			b.unbind(ctx, sub.EventName)
		}
		return err
	}
	if added {
		b.logger.Info("subscribed",
			"eventName", sub.EventName,
			"handler", sub.HandlerType,
			"dynamic", sub.IsDynamic,
			"queue", o.queue,
		)
	}
	return nil
}

func (b *EventBus) unsubscribe(eventName, handlerType string, dynamic bool) bool {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	removed := b.registry.RemoveSubscription(eventName, handlerType, dynamic)
	if removed {
		b.logger.Info("unsubscribed", "eventName", eventName, "handler", handlerType, "dynamic", dynamic)
	}
	return removed
}

// bind declares the topology and routes eventName into queue.
func (b *EventBus) bind(ctx context.Context, queue, eventName string) error {
	err := b.withChannel(ctx, func(ch rabbitmq.Channel) error {
		if err := b.setupChannel(ch, queue); err != nil {
			return err
		}
		return b.topology.Bind(ch, queue, eventName)
	})
	if err != nil {
		return fmt.Errorf("eventbus: bind %s to %s: %w", eventName, queue, err)
	}

	b.mu.Lock()
	b.bindings[eventName] = queue
	if !slices.Contains(b.queues, queue) {
		b.queues = append(b.queues, queue)
	}
	b.mu.Unlock()
	return nil
}

// unbind removes eventName's main exchange route. Failures are logged; the
// event is forgotten either way.
func (b *EventBus) unbind(ctx context.Context, eventName string) {
	b.mu.Lock()
	queue, ok := b.bindings[eventName]
	delete(b.bindings, eventName)
	b.mu.Unlock()
	if !ok {
		return
	}

	err := b.withChannel(ctx, func(ch rabbitmq.Channel) error {
		return b.topology.Unbind(ch, queue, eventName)
	})
	if err != nil {
		b.logger.Warn("failed to unbind event", "eventName", eventName, "queue", queue, "error", err)
	}
}

// onSubscriptionRemoved runs once an event has no handlers left. An empty
// registry also releases the consumer channels; the topology stays.
func (b *EventBus) onSubscriptionRemoved(eventName string) {
	ctx := context.Background()
	b.unbind(ctx, eventName)

	if !b.registry.IsEmpty() {
		return
	}
	if err := b.consumer.UnsubscribeAll(); err != nil {
		b.logger.Warn("failed to close consumers", "error", err)
	}
	b.mu.Lock()
	b.queues = nil
	b.mu.Unlock()
	b.logger.Info("no subscriptions left, consumers stopped")
}
