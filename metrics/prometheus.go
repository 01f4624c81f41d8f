// Package metrics exports event bus metrics to Prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/glimte/mmate-eventbus/messaging"
)

var _ messaging.MetricsCollector = (*Prometheus)(nil)

// Prometheus is a messaging.MetricsCollector backed by Prometheus collectors.
type Prometheus struct {
	published    *prometheus.CounterVec
	publishTime  *prometheus.HistogramVec
	processed    *prometheus.CounterVec
	processTime  *prometheus.HistogramVec
	redeliveries *prometheus.CounterVec
}

// NewPrometheus registers the collectors on reg under namespace. A nil reg
// uses prometheus.DefaultRegisterer.
func NewPrometheus(reg prometheus.Registerer, namespace string) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Prometheus{
		published: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events published, by whether the broker confirmed them",
		}, []string{"event", "exchange", "confirmed"}),
		publishTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Time from publish to broker confirm",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"event", "exchange"}),
		processed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_processed_total",
			Help:      "Deliveries processed, by outcome",
		}, []string{"event", "queue", "outcome"}),
		processTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_duration_seconds",
			Help:      "Time spent dispatching a delivery to its handlers",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}, []string{"event", "queue"}),
		redeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redeliveries_total",
			Help:      "Deliveries that came back through the retry queue",
		}, []string{"event", "queue"}),
	}
}

// RecordPublish implements messaging.MetricsCollector.
func (p *Prometheus) RecordPublish(eventName, exchange string, duration time.Duration, confirmed bool) {
	p.published.WithLabelValues(eventName, exchange, strconv.FormatBool(confirmed)).Inc()
	p.publishTime.WithLabelValues(eventName, exchange).Observe(duration.Seconds())
}

// RecordMessage implements messaging.MetricsCollector.
func (p *Prometheus) RecordMessage(eventName, queue string, duration time.Duration, outcome string) {
	p.processed.WithLabelValues(eventName, queue, outcome).Inc()
	p.processTime.WithLabelValues(eventName, queue).Observe(duration.Seconds())
}

// RecordRedelivery implements messaging.MetricsCollector.
func (p *Prometheus) RecordRedelivery(eventName, queue string) {
	p.redeliveries.WithLabelValues(eventName, queue).Inc()
}
