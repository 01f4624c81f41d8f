package messaging

import "time"

// Processing outcomes reported to MetricsCollector.RecordMessage.
const (
	OutcomeAcked     = "acked"
	OutcomeRetried   = "retried"
	OutcomeExhausted = "exhausted"
	OutcomeDropped   = "dropped"
)

// MetricsCollector collects messaging metrics
type MetricsCollector interface {
	// RecordPublish records a publish attempt and whether the broker confirmed it
	RecordPublish(eventName, exchange string, duration time.Duration, confirmed bool)

	// RecordMessage records one processed delivery
	RecordMessage(eventName, queue string, duration time.Duration, outcome string)

	// RecordRedelivery records a delivery that arrived through the retry loop
	RecordRedelivery(eventName, queue string)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordPublish does nothing
func (NoOpMetricsCollector) RecordPublish(string, string, time.Duration, bool) {}

// RecordMessage does nothing
func (NoOpMetricsCollector) RecordMessage(string, string, time.Duration, string) {}

// RecordRedelivery does nothing
func (NoOpMetricsCollector) RecordRedelivery(string, string) {}
