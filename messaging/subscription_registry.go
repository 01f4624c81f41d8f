package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/glimte/mmate-eventbus/contracts"
)

var (
	ErrInvalidSubscription = errors.New("messaging: invalid subscription")
	ErrEventTypeConflict   = errors.New("messaging: event name already registered with another type")
	ErrDeserialize         = errors.New("messaging: cannot deserialize event")
	ErrHandlerPanic        = errors.New("messaging: handler panicked")
)

// ScopeFunc derives the context a tenant-scoped event is handled in.
type ScopeFunc func(ctx context.Context, tenantCode string) (context.Context, error)

// Invoker decodes a payload and calls a handler with it.
type Invoker func(ctx context.Context, payload []byte, scope ScopeFunc) error

// Subscription is one handler registered for an event name.
type Subscription struct {
	EventName   string
	HandlerType string
	IsDynamic   bool
	EventType   reflect.Type // nil for dynamic subscriptions

	invoke Invoker
}

// NewTypedSubscription subscribes handler to events decoded into E. Before
// the handler runs, events carrying a tenant code are moved into that
// tenant's scope.
func NewTypedSubscription[E contracts.IntegrationEvent](handler IntegrationEventHandler[E]) Subscription {
	eventName := contracts.EventNameOf[E]()
	return Subscription{
		EventName:   eventName,
		HandlerType: HandlerTypeOf(handler),
		EventType:   structType(reflect.TypeFor[E]()),
		invoke: func(ctx context.Context, payload []byte, scope ScopeFunc) error {
			var evt E
			if err := json.Unmarshal(payload, &evt); err != nil {
				return contracts.Fatal(fmt.Errorf("%w %s: %v", ErrDeserialize, eventName, err))
			}

			if scoped, ok := any(evt).(contracts.TenantScoped); ok && scope != nil {
				if code := scoped.GetTenantCode(); code != "" {
					var err error
					if ctx, err = scope(ctx, code); err != nil {
						return err
					}
				}
			}
			return handler.Handle(ctx, evt)
		},
	}
}

// NewDynamicSubscription subscribes handler to eventName without a Go type.
func NewDynamicSubscription(eventName string, handler DynamicIntegrationEventHandler) Subscription {
	return Subscription{
		EventName:   eventName,
		HandlerType: HandlerTypeOf(handler),
		IsDynamic:   true,
		invoke: func(ctx context.Context, payload []byte, _ ScopeFunc) error {
			var doc contracts.DynamicEvent
			if err := json.Unmarshal(payload, &doc); err != nil {
				return contracts.Fatal(fmt.Errorf("%w %s: %v", ErrDeserialize, eventName, err))
			}
			if doc == nil {
				doc = contracts.DynamicEvent{}
			}
			return handler.Handle(ctx, doc)
		},
	}
}

// Invoke runs the subscription's handler on payload. A panicking handler
// fails fatally.
func (s Subscription) Invoke(ctx context.Context, payload []byte, scope ScopeFunc) (err error) {
	if s.invoke == nil {
		return contracts.Fatal(fmt.Errorf("%w: %s has no invoker", ErrInvalidSubscription, s.HandlerType))
	}
	defer func() {
		if r := recover(); r != nil {
			err = contracts.Fatal(fmt.Errorf("%w: %s: %v", ErrHandlerPanic, s.HandlerType, r))
		}
	}()
	return s.invoke(ctx, payload, scope)
}

// SubscriptionRegistry maps event names to their subscriptions. It is safe
// for concurrent use.
type SubscriptionRegistry struct {
	mu         sync.RWMutex
	handlers   map[string][]Subscription
	eventTypes map[string]reflect.Type
	listeners  []func(eventName string)
}

// NewSubscriptionRegistry creates an empty registry
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{
		handlers:   make(map[string][]Subscription),
		eventTypes: make(map[string]reflect.Type),
	}
}

// AddSubscription registers sub. It reports false, without error, when
// the same handler is already registered for the event. Typed and dynamic
// handlers never collide, even under one name.
func (r *SubscriptionRegistry) AddSubscription(sub Subscription) (bool, error) {
	if sub.EventName == "" || sub.HandlerType == "" || sub.invoke == nil {
		return false, fmt.Errorf("%w: event %q handler %q", ErrInvalidSubscription, sub.EventName, sub.HandlerType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.handlers[sub.EventName] {
		if existing.HandlerType == sub.HandlerType && existing.IsDynamic == sub.IsDynamic {
			return false, nil
		}
	}

	if !sub.IsDynamic {
		if t, ok := r.eventTypes[sub.EventName]; ok && t != sub.EventType {
			return false, fmt.Errorf("%w: %s is %v, not %v", ErrEventTypeConflict, sub.EventName, t, sub.EventType)
		}
		r.eventTypes[sub.EventName] = sub.EventType
	}

	r.handlers[sub.EventName] = append(r.handlers[sub.EventName], sub)
	return true, nil
}

// RemoveSubscription unregisters a typed or dynamic handler. When it was the last one for
// the event the removal listeners are called, outside the registry lock.
func (r *SubscriptionRegistry) RemoveSubscription(eventName, handlerType string, dynamic bool) bool {
	r.mu.Lock()

	subs := r.handlers[eventName]
	idx := -1
	for i, s := range subs {
		if s.HandlerType == handlerType && s.IsDynamic == dynamic {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return false
	}

	remaining := append(append([]Subscription(nil), subs[:idx]...), subs[idx+1:]...)
	last := len(remaining) == 0
	if last {
		delete(r.handlers, eventName)
		delete(r.eventTypes, eventName)
	} else {
		r.handlers[eventName] = remaining
		typed := false
		for _, s := range remaining {
			typed = typed || !s.IsDynamic
		}
		if !typed {
			delete(r.eventTypes, eventName)
		}
	}
	listeners := append(([]func(string))(nil), r.listeners...)
	r.mu.Unlock()

	if last {
		for _, fn := range listeners {
			fn(eventName)
		}
	}
	return true
}

// OnSubscriptionRemoved registers fn to be called with an event name once
// its last subscription is removed.
func (r *SubscriptionRegistry) OnSubscriptionRemoved(fn func(eventName string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// HasSubscriptionsForEvent reports whether eventName has any handler.
func (r *SubscriptionRegistry) HasSubscriptionsForEvent(eventName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[eventName]) > 0
}

// GetHandlersForEvent returns the subscriptions for eventName in
// registration order.
func (r *SubscriptionRegistry) GetHandlersForEvent(eventName string) []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Subscription(nil), r.handlers[eventName]...)
}

// GetEventTypeByName returns the struct type registered for eventName.
func (r *SubscriptionRegistry) GetEventTypeByName(eventName string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.eventTypes[eventName]
	return t, ok
}

// EventNames returns the subscribed event names, sorted.
func (r *SubscriptionRegistry) EventNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsEmpty reports whether no subscriptions remain.
func (r *SubscriptionRegistry) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers) == 0
}

// Clear drops every subscription without notifying listeners.
func (r *SubscriptionRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[string][]Subscription)
	r.eventTypes = make(map[string]reflect.Type)
}

func structType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}
