package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWarning() Warning {
	return Warning{
		Kind:        KindRetriesExhausted,
		EventName:   "OrderPlaced",
		Queue:       "orders",
		Payload:     `{"id":"1"}`,
		RetryCount:  3,
		LastAttempt: true,
		OccurredAt:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestWebhookNotifier(t *testing.T) {
	t.Run("posts signed json", func(t *testing.T) {
		var got Warning
		var signature, contentType string
		var raw []byte
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, _ = io.ReadAll(r.Body)
			signature = r.Header.Get(SignatureHeader)
			contentType = r.Header.Get("Content-Type")
			_ = json.Unmarshal(raw, &got)
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		n := NewWebhookNotifier(srv.URL, WithSecret("s3cret"))
		require.NoError(t, n.Notify(context.Background(), testWarning()))

		assert.Equal(t, testWarning(), got)
		assert.Equal(t, "application/json", contentType)
		assert.Equal(t, "sha256="+Sign("s3cret", raw), signature)
	})

	t.Run("retries server errors", func(t *testing.T) {
		var calls atomic.Int32
		var signed atomic.Bool
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get(SignatureHeader) != "" {
				signed.Store(true)
			}
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		n := NewWebhookNotifier(srv.URL, WithBackoff(time.Millisecond, time.Millisecond))
		require.NoError(t, n.Notify(context.Background(), testWarning()))
		assert.Equal(t, int32(3), calls.Load())
		assert.False(t, signed.Load(), "no signature without a secret")
	})

	t.Run("gives up after the last retry", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		n := NewWebhookNotifier(srv.URL,
			WithRetries(2),
			WithBackoff(time.Millisecond, time.Millisecond),
		)
		err := n.Notify(context.Background(), testWarning())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "after 3 attempts")
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		n := NewWebhookNotifier(srv.URL, WithBackoff(time.Millisecond, time.Millisecond))
		err := n.Notify(context.Background(), testWarning())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "after 1 attempts")
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("stops retrying when ctx ends", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		n := NewWebhookNotifier(srv.URL, WithRetries(10), WithBackoff(time.Second, time.Second))

		start := time.Now()
		assert.Error(t, n.Notify(ctx, testWarning()))
		assert.Less(t, time.Since(start), 500*time.Millisecond)
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(slog.New(slog.NewTextHandler(&buf, nil)))

	require.NoError(t, n.Notify(context.Background(), testWarning()))
	assert.Contains(t, buf.String(), "kind=retries_exhausted")
	assert.Contains(t, buf.String(), "eventName=OrderPlaced")
	assert.Contains(t, buf.String(), "retryCount=3")
}

func TestMulti(t *testing.T) {
	errA := errors.New("a down")
	var seen []string
	m := Multi{
		NotifierFunc(func(context.Context, Warning) error { seen = append(seen, "a"); return errA }),
		NotifierFunc(func(context.Context, Warning) error { seen = append(seen, "b"); return nil }),
	}

	err := m.Notify(context.Background(), testWarning())
	assert.ErrorIs(t, err, errA)
	assert.Equal(t, []string{"a", "b"}, seen)
	assert.NoError(t, Multi{}.Notify(context.Background(), testWarning()))
}
