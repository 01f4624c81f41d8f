package interceptors

import (
	"context"
	"fmt"

	"github.com/glimte/mmate-eventbus/contracts"
)

// Filter decides whether a delivery reaches its handlers.
type Filter interface {
	ShouldProcess(ctx context.Context, d Delivery) (bool, error)
}

// FilterFunc is a function adapter for Filter
type FilterFunc func(ctx context.Context, d Delivery) (bool, error)

// ShouldProcess implements Filter
func (f FilterFunc) ShouldProcess(ctx context.Context, d Delivery) (bool, error) {
	return f(ctx, d)
}

// SkipBehavior defines what happens to a filtered-out delivery.
type SkipBehavior int

const (
	// SkipSilently reports the delivery as handled, so it is acked.
	SkipSilently SkipBehavior = iota
	// SkipWithError fails the delivery with a fatal error, so it is
	// dropped and logged.
	SkipWithError
)

// FilteringInterceptor stops deliveries a Filter rejects.
type FilteringInterceptor struct {
	filter   Filter
	behavior SkipBehavior
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter Filter, behavior SkipBehavior) *FilteringInterceptor {
	return &FilteringInterceptor{filter: filter, behavior: behavior}
}

// Intercept implements Interceptor. A filter error is recoverable: the
// delivery is retried.
func (i *FilteringInterceptor) Intercept(ctx context.Context, d Delivery, next Handler) error {
	ok, err := i.filter.ShouldProcess(ctx, d)
	if err != nil {
		return contracts.Recoverable(fmt.Errorf("filter error: %w", err))
	}
	if ok {
		return next.Handle(ctx, d)
	}
	if i.behavior == SkipWithError {
		return contracts.Fatal(fmt.Errorf("event %s filtered out", d.EventName))
	}
	return nil
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// EventNameFilter passes only the listed events.
type EventNameFilter struct {
	allowed map[string]struct{}
}

// NewEventNameFilter creates a filter allowing the given event names.
func NewEventNameFilter(names ...string) *EventNameFilter {
	allowed := make(map[string]struct{}, len(names))
	for _, n := range names {
		allowed[n] = struct{}{}
	}
	return &EventNameFilter{allowed: allowed}
}

// ShouldProcess implements Filter
func (f *EventNameFilter) ShouldProcess(_ context.Context, d Delivery) (bool, error) {
	_, ok := f.allowed[d.EventName]
	return ok, nil
}

// AllFilters passes a delivery only when every filter does.
type AllFilters []Filter

// ShouldProcess implements Filter
func (fs AllFilters) ShouldProcess(ctx context.Context, d Delivery) (bool, error) {
	for _, f := range fs {
		ok, err := f.ShouldProcess(ctx, d)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// ConditionalInterceptor applies an interceptor only to deliveries a
// condition accepts; the rest go straight to the next handler.
type ConditionalInterceptor struct {
	condition   Filter
	interceptor Interceptor
}

// NewConditionalInterceptor creates a new conditional interceptor
func NewConditionalInterceptor(condition Filter, interceptor Interceptor) *ConditionalInterceptor {
	return &ConditionalInterceptor{condition: condition, interceptor: interceptor}
}

// Intercept implements Interceptor
func (i *ConditionalInterceptor) Intercept(ctx context.Context, d Delivery, next Handler) error {
	ok, err := i.condition.ShouldProcess(ctx, d)
	if err != nil {
		return contracts.Recoverable(fmt.Errorf("condition error: %w", err))
	}
	if !ok {
		return next.Handle(ctx, d)
	}
	return i.interceptor.Intercept(ctx, d, next)
}

// Name implements Interceptor
func (i *ConditionalInterceptor) Name() string {
	return fmt.Sprintf("Conditional(%s)", i.interceptor.Name())
}
