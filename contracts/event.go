package contracts

import (
	"reflect"
	"time"

	"github.com/google/uuid"
)

// IntegrationEvent is implemented by every event published on the bus.
type IntegrationEvent interface {
	GetID() string
	GetCreatedAt() time.Time
}

// TenantScoped events are dispatched inside the tenant's scope.
type TenantScoped interface {
	GetTenantCode() string
}

// Named overrides the default event name.
type Named interface {
	EventName() string
}

// BaseIntegrationEvent provides common fields for all events
type BaseIntegrationEvent struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"createdAt"`
	TenantCode string    `json:"tenantCode,omitempty"`
}

// NewBaseIntegrationEvent creates a base event with a generated ID and the current time
func NewBaseIntegrationEvent() BaseIntegrationEvent {
	return BaseIntegrationEvent{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
	}
}

// NewTenantIntegrationEvent creates a base event scoped to tenantCode
func NewTenantIntegrationEvent(tenantCode string) BaseIntegrationEvent {
	e := NewBaseIntegrationEvent()
	e.TenantCode = tenantCode
	return e
}

// GetID returns the event ID
func (e BaseIntegrationEvent) GetID() string {
	return e.ID
}

// GetCreatedAt returns when the event was created
func (e BaseIntegrationEvent) GetCreatedAt() time.Time {
	return e.CreatedAt
}

// GetTenantCode returns the tenant code, empty for tenant-less events
func (e BaseIntegrationEvent) GetTenantCode() string {
	return e.TenantCode
}

// DynamicEvent is an event decoded without a Go type.
type DynamicEvent map[string]any

// String returns the string field key, or "" when absent.
func (d DynamicEvent) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// EventName returns the name evt is published and routed under.
func EventName(evt IntegrationEvent) string {
	if n, ok := evt.(Named); ok {
		return n.EventName()
	}
	return typeName(reflect.TypeOf(evt))
}

// EventNameOf returns the event name of type E. Pointer and value types
// share a name.
func EventNameOf[E IntegrationEvent]() string {
	t := reflect.TypeFor[E]()
	if t.Kind() == reflect.Pointer {
		if n, ok := reflect.New(t.Elem()).Interface().(Named); ok {
			return n.EventName()
		}
		return typeName(t)
	}

	var zero E
	if n, ok := any(zero).(Named); ok {
		return n.EventName()
	}
	return typeName(t)
}

func typeName(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}
