package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrTenantNotFound is returned when a tenant code does not resolve.
	ErrTenantNotFound = errors.New("tenant: not found")
	// ErrDecryptFailed is returned when a stored connection string cannot be decrypted.
	ErrDecryptFailed = errors.New("tenant: cannot decrypt connection string")
)

// Tenant is a tenant record as stored; ConnectionString is encrypted at rest.
type Tenant struct {
	Code             string
	ConnectionString string
}

// Resolver looks tenants up by code.
type Resolver interface {
	GetTenant(ctx context.Context, code string) (*Tenant, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, code string) (*Tenant, error)

// GetTenant implements Resolver.
func (f ResolverFunc) GetTenant(ctx context.Context, code string) (*Tenant, error) {
	return f(ctx, code)
}

// StaticResolver serves tenants from memory.
type StaticResolver struct {
	mu      sync.RWMutex
	tenants map[string]string
}

// NewStaticResolver creates a resolver from code to stored connection string.
func NewStaticResolver(tenants map[string]string) *StaticResolver {
	r := &StaticResolver{tenants: make(map[string]string, len(tenants))}
	for code, conn := range tenants {
		r.tenants[code] = conn
	}
	return r
}

// Set adds or replaces a tenant.
func (r *StaticResolver) Set(code, connectionString string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants[code] = connectionString
}

// GetTenant implements Resolver.
func (r *StaticResolver) GetTenant(_ context.Context, code string) (*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.tenants[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, code)
	}
	return &Tenant{Code: code, ConnectionString: conn}, nil
}
