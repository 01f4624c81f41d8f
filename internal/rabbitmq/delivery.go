package rabbitmq

import (
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// HeaderEventName carries the event name alongside the AMQP type property.
const HeaderEventName = "x-event-name"

const headerDeath = "x-death"

// EventNameOf returns the event name of a delivery: the type property,
// then the event name header, then the last segment of the routing key.
func EventNameOf(d amqp.Delivery) string {
	if d.Type != "" {
		return d.Type
	}
	if name, ok := d.Headers[HeaderEventName].(string); ok && name != "" {
		return name
	}
	key := d.RoutingKey
	if i := strings.LastIndexByte(key, '.'); i >= 0 {
		return key[i+1:]
	}
	return key
}

// RedeliveryCount reads how many times the broker dead-lettered the
// message out of queue. Without an entry for queue the first entry is
// used; no x-death header means a first delivery.
func RedeliveryCount(headers amqp.Table, queue string) int {
	deaths, ok := headers[headerDeath].([]interface{})
	if !ok || len(deaths) == 0 {
		return 0
	}

	var first amqp.Table
	for _, raw := range deaths {
		death, ok := raw.(amqp.Table)
		if !ok {
			continue
		}
		if first == nil {
			first = death
		}
		if q, _ := death["queue"].(string); q == queue {
			return deathCount(death)
		}
	}
	if first == nil {
		return 0
	}
	return deathCount(first)
}

func deathCount(death amqp.Table) int {
	switch n := death["count"].(type) {
	case int64:
		return int(n)
	case int32:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
