package queue

import (
	"github.com/cenkalti/backoff/v4"
	"time"
)

// Policy is the exponential retry delay: Base * Factor^(attempt-1), capped at Max.
type Policy struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

// Delay returns the wait after the given failed attempt, counting from 1.
func (p Policy) Delay(attempt int) (d time.Duration) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = p.Factor
	b.MaxInterval = p.Max
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return
}
