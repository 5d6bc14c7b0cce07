package relayclient

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// resetThreshold is the duration after which a healthy connection
	// resets the backoff interval.
	resetThreshold = 30 * time.Second

	// dialTimeout bounds one connection attempt.
	dialTimeout = 10 * time.Second
)

// newDefaultBackoff creates an exponential backoff: 1s → 5s, multiplier 2x,
// ±20% jitter. The relay reconnect cadence stays close to a fixed five
// seconds once the first retries fail.
func newDefaultBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 5 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}
