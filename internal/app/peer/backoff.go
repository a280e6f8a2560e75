package peer

import (
	"time"

	"github.com/cenkalti/backoff"
)

const (
	baseDelay = time.Second
	maxDelay  = 10 * baseDelay
)

// retryPolicy yields base, 2*base, 4*base ... capped at maxDelay, without
// jitter and without an elapsed-time limit.
type retryPolicy struct {
	b *backoff.ExponentialBackOff
}

func newRetryPolicy(base, max time.Duration) *retryPolicy {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         max,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return &retryPolicy{b: b}
}

func (p *retryPolicy) Next() time.Duration {
	return p.b.NextBackOff()
}

func (p *retryPolicy) Reset() {
	p.b.Reset()
}
