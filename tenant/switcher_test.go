package tenant

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-eventbus/contracts"
)

type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) GetTenant(ctx context.Context, code string) (*Tenant, error) {
	args := m.Called(ctx, code)
	if t, ok := args.Get(0).(*Tenant); ok {
		return t, args.Error(1)
	}
	return nil, args.Error(1)
}

func TestSwitcher(t *testing.T) {
	ctx := context.Background()

	t.Run("scopes ctx with the decrypted connection", func(t *testing.T) {
		box, err := NewSecretBox(bytes.Repeat([]byte{1}, 32))
		require.NoError(t, err)
		stored, err := box.Encrypt("postgres://acme")
		require.NoError(t, err)

		resolver := &mockResolver{}
		resolver.On("GetTenant", mock.Anything, "acme").Return(&Tenant{Code: "acme", ConnectionString: stored}, nil).Once()
		s := NewSwitcher(resolver, WithDecrypter(box))

		for i := 0; i < 3; i++ {
			scoped, err := s.Scope(ctx, "acme")
			require.NoError(t, err)
			scope, ok := FromContext(scoped)
			require.True(t, ok)
			assert.Equal(t, Scope{TenantCode: "acme", ConnectionString: "postgres://acme"}, scope)
		}
		resolver.AssertExpectations(t)

		_, ok := FromContext(ctx)
		assert.False(t, ok, "the parent context is never mutated")
	})

	t.Run("unknown tenant follows the policy", func(t *testing.T) {
		resolver := NewStaticResolver(nil)

		_, err := NewSwitcher(resolver).Scope(ctx, "ghost")
		assert.ErrorIs(t, err, ErrTenantNotFound)
		assert.Equal(t, contracts.KindRecoverable, contracts.KindOf(err))

		_, err = NewSwitcher(resolver, WithNotFoundPolicy(DropNotFound)).Scope(ctx, "ghost")
		assert.ErrorIs(t, err, ErrTenantNotFound)
		assert.Equal(t, contracts.KindFatal, contracts.KindOf(err))
	})

	t.Run("resolver outages are recoverable", func(t *testing.T) {
		resolver := &mockResolver{}
		resolver.On("GetTenant", mock.Anything, "acme").Return(nil, errors.New("connection refused"))

		_, err := NewSwitcher(resolver, WithNotFoundPolicy(DropNotFound)).Scope(ctx, "acme")
		assert.Equal(t, contracts.KindRecoverable, contracts.KindOf(err))
	})

	t.Run("a stalled resolver is cut off and retried", func(t *testing.T) {
		resolver := &mockResolver{}
		resolver.On("GetTenant", mock.Anything, "acme").
			Run(func(args mock.Arguments) {
				<-args.Get(0).(context.Context).Done()
			}).
			Return(nil, context.DeadlineExceeded)
		s := NewSwitcher(resolver, WithLoadTimeout(20*time.Millisecond))

		start := time.Now()
		_, err := s.Scope(ctx, "acme")
		assert.Less(t, time.Since(start), time.Second)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, contracts.KindRecoverable, contracts.KindOf(err))
	})

	t.Run("undecryptable connections are fatal", func(t *testing.T) {
		box, err := NewSecretBox(bytes.Repeat([]byte{1}, 32))
		require.NoError(t, err)
		resolver := NewStaticResolver(map[string]string{"acme": "plain-text"})

		_, err = NewSwitcher(resolver, WithDecrypter(box)).Scope(ctx, "acme")
		assert.ErrorIs(t, err, ErrDecryptFailed)
		assert.Equal(t, contracts.KindFatal, contracts.KindOf(err))
	})

	t.Run("concurrent scopes stay isolated", func(t *testing.T) {
		resolver := NewStaticResolver(map[string]string{})
		for i := 0; i < 8; i++ {
			resolver.Set(fmt.Sprintf("t%d", i), fmt.Sprintf("conn-%d", i))
		}
		s := NewSwitcher(resolver, WithCache(NewMemoryCache(time.Minute)))

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				for j := 0; j < 50; j++ {
					scoped, err := s.Scope(ctx, fmt.Sprintf("t%d", i))
					if !assert.NoError(t, err) {
						return
					}
					scope, _ := FromContext(scoped)
					assert.Equal(t, fmt.Sprintf("conn-%d", i), scope.ConnectionString)
				}
			}(i)
		}
		wg.Wait()
	})
}

func TestParseNotFoundPolicy(t *testing.T) {
	for in, want := range map[string]NotFoundPolicy{"": RetryNotFound, "retry": RetryNotFound, " DROP ": DropNotFound} {
		got, err := ParseNotFoundPolicy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseNotFoundPolicy("sometimes")
	assert.Error(t, err)
}
