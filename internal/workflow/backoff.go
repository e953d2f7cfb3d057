package workflow

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffPolicy creates a fresh backoff for each phase. Returning backoff.Stop from
// NextBackOff ends retries early and fails the workflow.
type BackoffPolicy func() backoff.BackOff

// FixedBackoff waits the same interval before every retry.
func FixedBackoff(interval time.Duration) BackoffPolicy {
	return func() backoff.BackOff {
		if interval <= 0 {
			return &backoff.ZeroBackOff{}
		}
		return backoff.NewConstantBackOff(interval)
	}
}

// ExponentialBackoff doubles the wait up to maxInterval. jitter is the randomization factor
// (0 disables it). Retries are bounded by max_retries, not elapsed time.
func ExponentialBackoff(initial, maxInterval time.Duration, jitter float64) BackoffPolicy {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxInterval = maxInterval
		b.Multiplier = 2
		b.RandomizationFactor = jitter
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	}
}

func DefaultBackoff() BackoffPolicy {
	return FixedBackoff(5 * time.Second)
}
