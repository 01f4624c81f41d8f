package messaging

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-eventbus/contracts"
)

type OrderPlaced struct {
	contracts.BaseIntegrationEvent
	OrderID string `json:"orderId"`
}

type countingHandler struct {
	calls []OrderPlaced
	err   error
}

func (h *countingHandler) Handle(_ context.Context, evt OrderPlaced) error {
	h.calls = append(h.calls, evt)
	return h.err
}

type otherHandler struct{ countingHandler }

type dynamicRecorder struct {
	docs []contracts.DynamicEvent
}

func (h *dynamicRecorder) Handle(_ context.Context, evt contracts.DynamicEvent) error {
	h.docs = append(h.docs, evt)
	return nil
}

func TestSubscriptionRegistry(t *testing.T) {
	t.Run("duplicate registration is a no-op", func(t *testing.T) {
		r := NewSubscriptionRegistry()
		h := &countingHandler{}

		added, err := r.AddSubscription(NewTypedSubscription[OrderPlaced](h))
		require.NoError(t, err)
		assert.True(t, added)

		added, err = r.AddSubscription(NewTypedSubscription[OrderPlaced](h))
		require.NoError(t, err)
		assert.False(t, added)

		subs := r.GetHandlersForEvent("OrderPlaced")
		require.Len(t, subs, 1)
		assert.Equal(t, "*messaging.countingHandler", subs[0].HandlerType)
	})

	t.Run("typed and dynamic handlers with one name are distinct", func(t *testing.T) {
		r := NewSubscriptionRegistry()
		typed := HandlerFunc("audit", func(context.Context, OrderPlaced) error { return nil })
		dynamic := DynamicHandlerFunc("audit", func(context.Context, contracts.DynamicEvent) error { return nil })

		added, err := r.AddSubscription(NewTypedSubscription[OrderPlaced](typed))
		require.NoError(t, err)
		assert.True(t, added)
		added, err = r.AddSubscription(NewDynamicSubscription("OrderPlaced", dynamic))
		require.NoError(t, err)
		assert.True(t, added)
		require.Len(t, r.GetHandlersForEvent("OrderPlaced"), 2)

		assert.True(t, r.RemoveSubscription("OrderPlaced", "audit", true))
		subs := r.GetHandlersForEvent("OrderPlaced")
		require.Len(t, subs, 1)
		assert.False(t, subs[0].IsDynamic)
		assert.False(t, r.RemoveSubscription("OrderPlaced", "audit", true))
	})

	t.Run("fans out in registration order", func(t *testing.T) {
		r := NewSubscriptionRegistry()
		_, err := r.AddSubscription(NewTypedSubscription[OrderPlaced](&countingHandler{}))
		require.NoError(t, err)
		_, err = r.AddSubscription(NewDynamicSubscription("OrderPlaced", &dynamicRecorder{}))
		require.NoError(t, err)

		subs := r.GetHandlersForEvent("OrderPlaced")
		require.Len(t, subs, 2)
		assert.False(t, subs[0].IsDynamic)
		assert.True(t, subs[1].IsDynamic)

		typ, ok := r.GetEventTypeByName("OrderPlaced")
		require.True(t, ok)
		assert.Equal(t, reflect.TypeOf(OrderPlaced{}), typ)
	})

	t.Run("rejects a second type under the same name", func(t *testing.T) {
		r := NewSubscriptionRegistry()
		_, err := r.AddSubscription(NewTypedSubscription[OrderPlaced](&countingHandler{}))
		require.NoError(t, err)

		sub := NewDynamicSubscription("x", &dynamicRecorder{})
		sub.EventName, sub.IsDynamic, sub.EventType, sub.HandlerType = "OrderPlaced", false, reflect.TypeOf(0), "intHandler"
		_, err = r.AddSubscription(sub)
		assert.ErrorIs(t, err, ErrEventTypeConflict)
	})

	t.Run("rejects incomplete subscriptions", func(t *testing.T) {
		r := NewSubscriptionRegistry()
		_, err := r.AddSubscription(Subscription{EventName: "OrderPlaced", HandlerType: "h"})
		assert.ErrorIs(t, err, ErrInvalidSubscription)
	})

	t.Run("signals only when the last handler is removed", func(t *testing.T) {
		r := NewSubscriptionRegistry()
		var removed []string
		r.OnSubscriptionRemoved(func(eventName string) {
			removed = append(removed, eventName)
			assert.False(t, r.HasSubscriptionsForEvent(eventName), "listener runs after removal")
		})

		first, second := &countingHandler{}, &otherHandler{}
		_, _ = r.AddSubscription(NewTypedSubscription[OrderPlaced](first))
		_, _ = r.AddSubscription(NewTypedSubscription[OrderPlaced](second))

		assert.True(t, r.RemoveSubscription("OrderPlaced", HandlerTypeOf(first), false))
		assert.Empty(t, removed)
		assert.True(t, r.HasSubscriptionsForEvent("OrderPlaced"))

		assert.False(t, r.RemoveSubscription("OrderPlaced", HandlerTypeOf(first), false))
		assert.True(t, r.RemoveSubscription("OrderPlaced", HandlerTypeOf(second), false))
		assert.Equal(t, []string{"OrderPlaced"}, removed)
		assert.True(t, r.IsEmpty())

		_, ok := r.GetEventTypeByName("OrderPlaced")
		assert.False(t, ok)
	})

	t.Run("Clear empties the registry", func(t *testing.T) {
		r := NewSubscriptionRegistry()
		_, _ = r.AddSubscription(NewDynamicSubscription("A", &dynamicRecorder{}))
		_, _ = r.AddSubscription(NewDynamicSubscription("B", &dynamicRecorder{}))
		assert.Equal(t, []string{"A", "B"}, r.EventNames())

		r.Clear()
		assert.True(t, r.IsEmpty())
		assert.Empty(t, r.EventNames())
	})
}

func TestSubscriptionInvoke(t *testing.T) {
	ctx := context.Background()

	t.Run("typed subscription decodes the payload", func(t *testing.T) {
		h := &countingHandler{}
		sub := NewTypedSubscription[OrderPlaced](h)

		require.NoError(t, sub.Invoke(ctx, []byte(`{"id":"1","orderId":"42"}`), nil))
		require.Len(t, h.calls, 1)
		assert.Equal(t, "42", h.calls[0].OrderID)
		assert.Equal(t, "1", h.calls[0].GetID())
	})

	t.Run("malformed payload is fatal", func(t *testing.T) {
		h := &countingHandler{}
		err := NewTypedSubscription[OrderPlaced](h).Invoke(ctx, []byte(`{"orderId":`), nil)

		assert.ErrorIs(t, err, ErrDeserialize)
		assert.Equal(t, contracts.KindFatal, contracts.KindOf(err))
		assert.Empty(t, h.calls)
	})

	t.Run("tenant events run in the derived scope", func(t *testing.T) {
		type key struct{}
		var seen any
		h := HandlerFunc[OrderPlaced]("tenant-probe", func(ctx context.Context, _ OrderPlaced) error {
			seen = ctx.Value(key{})
			return nil
		})
		scope := func(ctx context.Context, code string) (context.Context, error) {
			return context.WithValue(ctx, key{}, "scope:"+code), nil
		}

		require.NoError(t, NewTypedSubscription(h).Invoke(ctx, []byte(`{"tenantCode":"acme"}`), scope))
		assert.Equal(t, "scope:acme", seen)
	})

	t.Run("scope failures skip the handler", func(t *testing.T) {
		h := &countingHandler{}
		errScope := contracts.Recoverable(errors.New("tenant store down"))
		scope := func(ctx context.Context, _ string) (context.Context, error) { return ctx, errScope }

		err := NewTypedSubscription[OrderPlaced](h).Invoke(ctx, []byte(`{"tenantCode":"acme"}`), scope)
		assert.ErrorIs(t, err, errScope)
		assert.Empty(t, h.calls)
	})

	t.Run("tenant-less events are not scoped", func(t *testing.T) {
		h := &countingHandler{}
		scope := func(context.Context, string) (context.Context, error) {
			t.Fatal("scope must not be called")
			return nil, nil
		}
		require.NoError(t, NewTypedSubscription[OrderPlaced](h).Invoke(ctx, []byte(`{}`), scope))
	})

	t.Run("dynamic subscription exposes a document", func(t *testing.T) {
		h := &dynamicRecorder{}
		require.NoError(t, NewDynamicSubscription("OrderPlaced", h).Invoke(ctx, []byte(`{"orderId":"42"}`), nil))
		require.Len(t, h.docs, 1)
		assert.Equal(t, "42", h.docs[0].String("orderId"))

		err := NewDynamicSubscription("OrderPlaced", h).Invoke(ctx, []byte(`[1,2]`), nil)
		assert.ErrorIs(t, err, ErrDeserialize)
	})

	t.Run("panics become fatal errors", func(t *testing.T) {
		h := HandlerFunc[OrderPlaced]("panicky", func(context.Context, OrderPlaced) error { panic("boom") })

		err := NewTypedSubscription(h).Invoke(ctx, []byte(`{}`), nil)
		assert.ErrorIs(t, err, ErrHandlerPanic)
		assert.Equal(t, contracts.KindFatal, contracts.KindOf(err))
	})

	t.Run("handler errors keep their kind", func(t *testing.T) {
		h := &countingHandler{err: contracts.Recoverable(errors.New("busy"))}
		err := NewTypedSubscription[OrderPlaced](h).Invoke(ctx, []byte(`{}`), nil)
		assert.True(t, contracts.IsRecoverable(err))
	})
}

func TestHandlerTypeOf(t *testing.T) {
	assert.Equal(t, "*messaging.countingHandler", HandlerTypeOf(&countingHandler{}))
	assert.Equal(t, "audit", HandlerTypeOf(DynamicHandlerFunc("audit", func(context.Context, contracts.DynamicEvent) error { return nil })))
}
