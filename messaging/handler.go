package messaging

import (
	"context"
	"fmt"

	"github.com/glimte/mmate-eventbus/contracts"
)

// IntegrationEventHandler handles events decoded into E.
type IntegrationEventHandler[E contracts.IntegrationEvent] interface {
	Handle(ctx context.Context, evt E) error
}

// DynamicIntegrationEventHandler handles events without a Go type.
type DynamicIntegrationEventHandler interface {
	Handle(ctx context.Context, evt contracts.DynamicEvent) error
}

// HandlerNamer lets a handler choose its own identity in the registry.
type HandlerNamer interface {
	HandlerName() string
}

// HandlerFunc adapts a function to IntegrationEventHandler. Functions are
// not comparable, so each adapter carries an explicit name.
func HandlerFunc[E contracts.IntegrationEvent](name string, fn func(ctx context.Context, evt E) error) IntegrationEventHandler[E] {
	return &funcHandler[E]{name: name, fn: fn}
}

type funcHandler[E contracts.IntegrationEvent] struct {
	name string
	fn   func(ctx context.Context, evt E) error
}

func (h *funcHandler[E]) Handle(ctx context.Context, evt E) error { return h.fn(ctx, evt) }
func (h *funcHandler[E]) HandlerName() string                     { return h.name }

// DynamicHandlerFunc adapts a function to DynamicIntegrationEventHandler.
func DynamicHandlerFunc(name string, fn func(ctx context.Context, evt contracts.DynamicEvent) error) DynamicIntegrationEventHandler {
	return &dynamicFuncHandler{name: name, fn: fn}
}

type dynamicFuncHandler struct {
	name string
	fn   func(ctx context.Context, evt contracts.DynamicEvent) error
}

func (h *dynamicFuncHandler) Handle(ctx context.Context, evt contracts.DynamicEvent) error {
	return h.fn(ctx, evt)
}
func (h *dynamicFuncHandler) HandlerName() string { return h.name }

// HandlerTypeOf returns the registry identity of a handler: its
// HandlerName when it has one, otherwise its Go type.
func HandlerTypeOf(handler any) string {
	if n, ok := handler.(HandlerNamer); ok {
		return n.HandlerName()
	}
	return fmt.Sprintf("%T", handler)
}
