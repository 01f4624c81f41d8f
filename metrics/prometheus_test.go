package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-eventbus/messaging"
)

func TestPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg, "eventbus")

	p.RecordPublish("OrderPlaced", "orders", 10*time.Millisecond, true)
	p.RecordPublish("OrderPlaced", "orders", 5*time.Second, false)
	p.RecordMessage("OrderPlaced", "orders-q", time.Millisecond, messaging.OutcomeAcked)
	p.RecordMessage("OrderPlaced", "orders-q", time.Millisecond, messaging.OutcomeRetried)
	p.RecordMessage("OrderPlaced", "orders-q", time.Millisecond, messaging.OutcomeRetried)
	p.RecordRedelivery("OrderPlaced", "orders-q")

	t.Run("publish counter splits on confirm", func(t *testing.T) {
		assert.Equal(t, 1.0, testutil.ToFloat64(p.published.WithLabelValues("OrderPlaced", "orders", "true")))
		assert.Equal(t, 1.0, testutil.ToFloat64(p.published.WithLabelValues("OrderPlaced", "orders", "false")))
	})

	t.Run("processed counter splits on outcome", func(t *testing.T) {
		assert.Equal(t, 2.0, testutil.ToFloat64(p.processed.WithLabelValues("OrderPlaced", "orders-q", "retried")))
		assert.Equal(t, 1.0, testutil.ToFloat64(p.redeliveries.WithLabelValues("OrderPlaced", "orders-q")))
	})

	t.Run("all families are registered", func(t *testing.T) {
		families, err := reg.Gather()
		require.NoError(t, err)
		names := make([]string, 0, len(families))
		for _, f := range families {
			names = append(names, f.GetName())
		}
		assert.ElementsMatch(t, []string{
			"eventbus_events_published_total",
			"eventbus_publish_duration_seconds",
			"eventbus_messages_processed_total",
			"eventbus_processing_duration_seconds",
			"eventbus_redeliveries_total",
		}, names)
	})
}
