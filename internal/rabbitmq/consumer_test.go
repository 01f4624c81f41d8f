package rabbitmq_test

import (
	"context"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-eventbus/internal/rabbitmq"
	"github.com/glimte/mmate-eventbus/internal/rabbitmq/rabbitmqtest"
	"github.com/glimte/mmate-eventbus/internal/reliability"
)

type recordingHandler struct {
	mu       sync.Mutex
	received []string
	outcome  rabbitmq.Outcome
}

func (h *recordingHandler) handle(_ context.Context, _ string, d amqp.Delivery) rabbitmq.Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received = append(h.received, string(d.Body))
	return h.outcome
}

func (h *recordingHandler) bodies() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.received...)
}

func newConsumerFixture(t *testing.T, opts ...rabbitmq.ConsumerOption) (*rabbitmqtest.Broker, *rabbitmq.ConnectionManager, *rabbitmq.Consumer) {
	t.Helper()
	broker := rabbitmqtest.NewBroker()
	conn := rabbitmq.NewConnectionManager("amqp://localhost:5672/", rabbitmq.WithDialer(broker.Dial))
	t.Cleanup(func() { _ = conn.Close() })

	ch, err := conn.CreateChannel(context.Background())
	require.NoError(t, err)
	_, err = ch.QueueDeclare("billing", true, false, false, false, nil)
	require.NoError(t, err)
	require.NoError(t, ch.Close())

	consumer := rabbitmq.NewConsumer(conn, opts...)
	t.Cleanup(func() { _ = consumer.UnsubscribeAll() })
	return broker, conn, consumer
}

func TestConsumer(t *testing.T) {
	t.Run("acks in arrival order", func(t *testing.T) {
		broker, _, consumer := newConsumerFixture(t)
		handler := &recordingHandler{outcome: rabbitmq.OutcomeAck}

		require.NoError(t, consumer.Subscribe(context.Background(), "billing", handler.handle))
		for _, body := range []string{"A", "B", "C"} {
			require.NoError(t, broker.Inject("billing", "OrderPlaced", amqp.Publishing{Body: []byte(body)}))
		}

		require.Eventually(t, func() bool { return len(broker.Settlements()) == 3 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{"A", "B", "C"}, handler.bodies())
		for _, s := range broker.Settlements() {
			assert.Equal(t, "ack", s.Outcome)
		}
	})

	t.Run("reject settles exactly once", func(t *testing.T) {
		broker, _, consumer := newConsumerFixture(t)
		handler := &recordingHandler{outcome: rabbitmq.OutcomeReject}

		require.NoError(t, consumer.Subscribe(context.Background(), "billing", handler.handle))
		require.NoError(t, broker.Inject("billing", "OrderPlaced", amqp.Publishing{Body: []byte("A")}))

		require.Eventually(t, func() bool { return len(broker.Settlements()) == 1 }, time.Second, 5*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		settlements := broker.Settlements()
		require.Len(t, settlements, 1)
		assert.Equal(t, "reject", settlements[0].Outcome)
	})

	t.Run("uses prefetch and manual ack on a dedicated channel", func(t *testing.T) {
		broker, _, consumer := newConsumerFixture(t)
		handler := &recordingHandler{}

		require.NoError(t, consumer.Subscribe(context.Background(), "billing", handler.handle))
		require.NoError(t, consumer.Subscribe(context.Background(), "billing", handler.handle), "second subscribe is a no-op")

		assert.True(t, broker.HasConsumer("billing"))
		assert.Equal(t, []string{"billing"}, consumer.GetActiveConsumers())
		assert.Equal(t, 1, broker.OpenChannels())
	})

	t.Run("Subscribe fails for an unknown queue", func(t *testing.T) {
		_, _, consumer := newConsumerFixture(t)

		err := consumer.Subscribe(context.Background(), "missing", (&recordingHandler{}).handle)
		var consumerErr *rabbitmq.ConsumerError
		require.ErrorAs(t, err, &consumerErr)
		assert.Equal(t, "consume", consumerErr.Op)
		assert.Empty(t, consumer.GetActiveConsumers())
	})

	t.Run("opening one queue does not block the others", func(t *testing.T) {
		entered := make(chan struct{})
		release := make(chan struct{})
		_, _, consumer := newConsumerFixture(t,
			rabbitmq.WithChannelSetup(func(ch rabbitmq.Channel, queue string) error {
				if queue == "billing" {
					close(entered)
					<-release
				}
				_, err := ch.QueueDeclare(queue, true, false, false, false, nil)
				return err
			}),
		)
		handler := &recordingHandler{outcome: rabbitmq.OutcomeAck}

		done := make(chan error, 1)
		go func() { done <- consumer.Subscribe(context.Background(), "billing", handler.handle) }()
		<-entered

		require.NoError(t, consumer.Subscribe(context.Background(), "shipping", handler.handle))
		assert.Equal(t, []string{"shipping"}, consumer.GetActiveConsumers())

		close(release)
		require.NoError(t, <-done)
		assert.Equal(t, []string{"billing", "shipping"}, consumer.GetActiveConsumers())
	})

	t.Run("unsubscribing while opening abandons the consumer", func(t *testing.T) {
		entered := make(chan struct{})
		release := make(chan struct{})
		broker, _, consumer := newConsumerFixture(t,
			rabbitmq.WithChannelSetup(func(rabbitmq.Channel, string) error {
				close(entered)
				<-release
				return nil
			}),
		)

		done := make(chan error, 1)
		go func() { done <- consumer.Subscribe(context.Background(), "billing", (&recordingHandler{}).handle) }()
		<-entered
		require.NoError(t, consumer.Unsubscribe("billing"))
		close(release)

		assert.ErrorIs(t, <-done, rabbitmq.ErrConsumerClosed)
		consumer.Wait()
		assert.False(t, broker.HasConsumer("billing"))
		assert.Empty(t, consumer.GetActiveConsumers())
	})

	t.Run("Unsubscribe closes the channel", func(t *testing.T) {
		broker, _, consumer := newConsumerFixture(t)

		require.NoError(t, consumer.Subscribe(context.Background(), "billing", (&recordingHandler{}).handle))
		require.NoError(t, consumer.Unsubscribe("billing"))
		consumer.Wait()

		assert.False(t, broker.HasConsumer("billing"))
		assert.Zero(t, broker.OpenChannels())
		assert.Empty(t, consumer.GetActiveConsumers())
	})

	t.Run("resumes consumption after the connection drops", func(t *testing.T) {
		setups := 0
		var mu sync.Mutex
		broker, _, consumer := newConsumerFixture(t,
			rabbitmq.WithResumePolicy(reliability.PowerOfTwo(time.Millisecond, -1)),
			rabbitmq.WithChannelSetup(func(ch rabbitmq.Channel, queue string) error {
				mu.Lock()
				defer mu.Unlock()
				setups++
				return nil
			}),
		)
		handler := &recordingHandler{outcome: rabbitmq.OutcomeAck}
		require.NoError(t, consumer.Subscribe(context.Background(), "billing", handler.handle))

		broker.FailDials(2)
		broker.DropConnections()
		require.Eventually(t, func() bool { return broker.HasConsumer("billing") }, 2*time.Second, 5*time.Millisecond)

		require.NoError(t, broker.Inject("billing", "OrderPlaced", amqp.Publishing{Body: []byte("after")}))
		require.Eventually(t, func() bool { return len(handler.bodies()) == 1 }, time.Second, 5*time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 2, setups)
	})
}
