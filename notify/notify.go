// Package notify delivers operator warnings raised by the event bus:
// retries exhausted for a message, or a publish the broker did not confirm.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Kind identifies the condition a Warning reports.
type Kind string

const (
	KindRetriesExhausted    Kind = "retries_exhausted"
	KindPublishNotConfirmed Kind = "publish_not_confirmed"
)

// Warning is a single operator-facing event.
type Warning struct {
	Kind        Kind      `json:"kind"`
	EventName   string    `json:"eventName"`
	Queue       string    `json:"queue,omitempty"`
	Exchange    string    `json:"exchange,omitempty"`
	Payload     string    `json:"payload,omitempty"`
	RetryCount  int64     `json:"retryCount"`
	LastAttempt bool      `json:"lastAttempt"`
	Error       string    `json:"error,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// Notifier sends warnings somewhere an operator will see them.
type Notifier interface {
	Notify(ctx context.Context, w Warning) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, w Warning) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, w Warning) error {
	return f(ctx, w)
}

// LogNotifier writes warnings to a logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier; a nil logger uses slog.Default.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, w Warning) error {
	n.logger.WarnContext(ctx, "event bus warning",
		"kind", string(w.Kind),
		"eventName", w.EventName,
		"queue", w.Queue,
		"exchange", w.Exchange,
		"retryCount", w.RetryCount,
		"lastAttempt", w.LastAttempt,
		"payload", w.Payload,
		"error", w.Error,
	)
	return nil
}

// Multi fans a warning out to every notifier, joining their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, w Warning) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, w); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
