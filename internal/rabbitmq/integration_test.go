//go:build integration
// +build integration

package rabbitmq_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/glimte/mmate-eventbus/internal/rabbitmq"
)

// brokerURL starts a RabbitMQ container unless RABBITMQ_URL points at one.
func brokerURL(t *testing.T) string {
	t.Helper()
	if url := os.Getenv("RABBITMQ_URL"); url != "" {
		return url
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:3.13-alpine",
			ExposedPorts: []string{"5672/tcp"},
			WaitingFor:   wait.ForLog("Server startup complete").WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5672")
	require.NoError(t, err)
	return fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
}

func TestRetryLoopIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	suffix := time.Now().Format("150405.000")
	cfg := rabbitmq.TopologyConfig{
		ExchangeName:      "it.orders." + suffix,
		ExchangeKind:      rabbitmq.ExchangeDirect,
		QueueNames:        []string{"it.billing." + suffix},
		RetryExchangeName: "it.retry." + suffix,
		RetryQueueName:    "it.retry.queue." + suffix,
		RetryDelay:        200 * time.Millisecond,
	}

	cm := rabbitmq.NewConnectionManager(brokerURL(t))
	defer cm.Close()
	require.True(t, cm.TryConnect(ctx))

	tm, err := rabbitmq.NewTopologyManager(cfg, nil)
	require.NoError(t, err)
	ch, err := cm.CreateChannel(ctx)
	require.NoError(t, err)
	defer ch.Close()
	require.NoError(t, tm.Declare(ch))
	require.NoError(t, tm.Bind(ch, cfg.QueueNames[0], "OrderPlaced"))

	publisher := rabbitmq.NewPublisher(cm, rabbitmq.WithPublishRetry(1, 10*time.Millisecond))
	require.NoError(t, publisher.Publish(ctx, rabbitmq.PublishRequest{
		Exchange:   cfg.ExchangeName,
		RoutingKey: "OrderPlaced",
		EventName:  "OrderPlaced",
		MessageID:  "it-1",
		Body:       []byte(`{}`),
	}))

	t.Run("unroutable publish is not confirmed", func(t *testing.T) {
		err := publisher.Publish(ctx, rabbitmq.PublishRequest{
			Exchange:   cfg.ExchangeName,
			RoutingKey: "NobodyListens",
			EventName:  "NobodyListens",
			Body:       []byte(`{}`),
		})
		assert.ErrorIs(t, err, rabbitmq.ErrPublishNotConfirmed)
	})

	counts := make(chan int, 4)
	consumer := rabbitmq.NewConsumer(cm)
	defer consumer.UnsubscribeAll()
	require.NoError(t, consumer.Subscribe(ctx, cfg.QueueNames[0], func(_ context.Context, queue string, d amqp.Delivery) rabbitmq.Outcome {
		n := rabbitmq.RedeliveryCount(d.Headers, queue)
		counts <- n
		if n < 2 {
			return rabbitmq.OutcomeReject
		}
		return rabbitmq.OutcomeAck
	}))

	for want := 0; want <= 2; want++ {
		select {
		case got := <-counts:
			assert.Equal(t, want, got)
		case <-time.After(10 * time.Second):
			t.Fatalf("timed out waiting for delivery %d", want)
		}
	}
}
