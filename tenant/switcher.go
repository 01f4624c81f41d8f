package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glimte/mmate-eventbus/contracts"
)

// NotFoundPolicy decides what an unknown tenant code does to a delivery.
type NotFoundPolicy string

const (
	// RetryNotFound counts an unknown tenant as recoverable, so a tenant
	// created shortly after its first event is still picked up.
	RetryNotFound NotFoundPolicy = "retry"
	// DropNotFound treats an unknown tenant as poison.
	DropNotFound NotFoundPolicy = "drop"
)

// ParseNotFoundPolicy parses "retry" or "drop".
func ParseNotFoundPolicy(s string) (NotFoundPolicy, error) {
	switch p := NotFoundPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case RetryNotFound, DropNotFound:
		return p, nil
	case "":
		return RetryNotFound, nil
	default:
		return "", fmt.Errorf("tenant: unknown not-found policy %q", s)
	}
}

// Switcher resolves tenant codes into scopes.
type Switcher struct {
	resolver  Resolver
	cache     ConnectionCache
	decrypter Decrypter
	policy    NotFoundPolicy
	timeout   time.Duration
	logger    *slog.Logger
}

// SwitcherOption configures the Switcher
type SwitcherOption func(*Switcher)

// WithCache replaces the default five minute MemoryCache.
func WithCache(cache ConnectionCache) SwitcherOption {
	return func(s *Switcher) {
		s.cache = cache
	}
}

// WithDecrypter sets how stored connection strings are decrypted.
func WithDecrypter(d Decrypter) SwitcherOption {
	return func(s *Switcher) {
		s.decrypter = d
	}
}

// WithNotFoundPolicy sets the unknown tenant policy.
func WithNotFoundPolicy(p NotFoundPolicy) SwitcherOption {
	return func(s *Switcher) {
		s.policy = p
	}
}

// WithLoadTimeout bounds one resolver lookup. Defaults to 10 seconds.
func WithLoadTimeout(d time.Duration) SwitcherOption {
	return func(s *Switcher) {
		s.timeout = d
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) SwitcherOption {
	return func(s *Switcher) {
		s.logger = logger
	}
}

// NewSwitcher creates a Switcher over resolver.
func NewSwitcher(resolver Resolver, opts ...SwitcherOption) *Switcher {
	s := &Switcher{
		resolver:  resolver,
		cache:     NewMemoryCache(5 * time.Minute),
		decrypter: Plaintext{},
		policy:    RetryNotFound,
		timeout:   10 * time.Second,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scope returns ctx scoped to the tenant. Errors are classified for the
// consumer: resolver outages are recoverable, undecryptable connection
// strings are fatal, and unknown tenants follow the NotFoundPolicy.
func (s *Switcher) Scope(ctx context.Context, code string) (context.Context, error) {
	stored, err := s.cache.GetOrLoad(ctx, code, func(ctx context.Context) (string, error) {
		// The cache detaches the load from the caller; the store gets no
		// deadline of its own.
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		t, err := s.resolver.GetTenant(ctx, code)
		if err != nil {
			return "", err
		}
		if t == nil {
			return "", fmt.Errorf("%w: %s", ErrTenantNotFound, code)
		}
		return t.ConnectionString, nil
	})
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			s.logger.Warn("tenant not found", "tenantCode", code, "policy", string(s.policy))
			if s.policy == DropNotFound {
				return ctx, contracts.Fatal(err)
			}
			return ctx, contracts.Recoverable(err)
		}
		return ctx, contracts.Recoverable(fmt.Errorf("tenant %s: %w", code, err))
	}

	conn, err := s.decrypter.Decrypt(stored)
	if err != nil {
		return ctx, contracts.Fatal(fmt.Errorf("tenant %s: %w", code, err))
	}
	return NewContext(ctx, Scope{TenantCode: code, ConnectionString: conn}), nil
}
