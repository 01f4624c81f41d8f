package tenant

import "context"

// Scope is the tenant an event is being handled for.
type Scope struct {
	TenantCode       string
	ConnectionString string
}

type scopeKey struct{}

// NewContext returns a copy of ctx carrying scope.
func NewContext(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// FromContext returns the scope stored in ctx, if any.
func FromContext(ctx context.Context) (Scope, bool) {
	scope, ok := ctx.Value(scopeKey{}).(Scope)
	return scope, ok
}
