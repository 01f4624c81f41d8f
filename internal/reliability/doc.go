// Package reliability holds the retry policies shared by publishing and
// consumption resume. Waits are computed and slept by cenkalti/backoff.
//
// Example usage:
//
//	policy := reliability.PowerOfTwo(time.Second, 5) // 2s, 4s, 8s, ...
//	conn, err := reliability.Retry(ctx, policy, dial, func(attempt int, wait time.Duration, err error) {
//	    logger.Warn("retrying", "attempt", attempt, "wait", wait, "error", err)
//	})
package reliability
