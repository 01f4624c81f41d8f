package rabbitmq

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestRedeliveryCount(t *testing.T) {
	deaths := amqp.Table{"x-death": []interface{}{
		amqp.Table{"queue": "orders_retry_queue", "reason": "expired", "count": int64(3)},
		amqp.Table{"queue": "billing", "reason": "rejected", "count": int64(2)},
	}}

	tests := []struct {
		name    string
		headers amqp.Table
		queue   string
		want    int
	}{
		{"no headers", nil, "billing", 0},
		{"no x-death", amqp.Table{"other": "x"}, "billing", 0},
		{"entry for the consumed queue", deaths, "billing", 2},
		{"falls back to the first entry", deaths, "shipping", 3},
		{"int32 count", amqp.Table{"x-death": []interface{}{amqp.Table{"queue": "billing", "count": int32(4)}}}, "billing", 4},
		{"malformed entry", amqp.Table{"x-death": []interface{}{"nope"}}, "billing", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RedeliveryCount(tt.headers, tt.queue))
		})
	}
}

func TestEventNameOf(t *testing.T) {
	assert.Equal(t, "OrderPlaced", EventNameOf(amqp.Delivery{Type: "OrderPlaced", RoutingKey: "x"}))
	assert.Equal(t, "OrderPlaced", EventNameOf(amqp.Delivery{Headers: amqp.Table{HeaderEventName: "OrderPlaced"}}))
	assert.Equal(t, "OrderPlaced", EventNameOf(amqp.Delivery{RoutingKey: "eu.OrderPlaced"}))
	assert.Equal(t, "OrderPlaced", EventNameOf(amqp.Delivery{RoutingKey: "OrderPlaced"}))
}

func TestIsConnectivityError(t *testing.T) {
	assert.False(t, IsConnectivityError(nil))
	assert.True(t, IsConnectivityError(&ConnectionError{Op: "dial"}))
	assert.True(t, IsConnectivityError(amqp.ErrClosed))
	assert.True(t, IsConnectivityError(&amqp.Error{Code: amqp.ConnectionForced}))
	assert.False(t, IsConnectivityError(&amqp.Error{Code: amqp.PreconditionFailed}))
	assert.False(t, IsConnectivityError(ErrPublishTimeout))
}
