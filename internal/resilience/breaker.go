// Package resilience wraps the third-party circuit-breaker and backoff
// libraries used to protect broker operations and command dispatch, in
// place of the hand-rolled breaker the teacher carried alongside an unused
// sony/gobreaker dependency (see DESIGN.md).
package resilience

import (
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
)

// NewCommandBreaker builds a gobreaker.CircuitBreaker tuned for
// request/response command dispatch (C7 send_command, C11 SendDeviceCommand):
// it opens after a run of consecutive failures and probes again after
// timeout.
func NewCommandBreaker(name string, failureThreshold uint32, timeout time.Duration) *gobreaker.CircuitBreaker {
	settings := gobreaker.Settings{
		Name:    name,
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
	}
	return gobreaker.NewCircuitBreaker(settings)
}

// ReconnectBackoff returns an exponential backoff policy bounded at ceiling,
// used by the broker facade (C1) when reconnecting after a transient
// transport failure (spec.md §4.1).
func ReconnectBackoff(ceiling time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = ceiling
	return b
}

// NextDelay returns the next backoff delay, substituting ceiling when the
// policy reports backoff.Stop (cenkalti/backoff's signal to give up, which
// the bounded reconnect loop here never honors).
func NextDelay(b *backoff.ExponentialBackOff, ceiling time.Duration) time.Duration {
	d := b.NextBackOff()
	if d == backoff.Stop {
		return ceiling
	}
	return d
}
