package bridge

import (
	"math/rand"
	"time"
)

// backoff implements the exponential-with-jitter reconnect policy from
// spec.md §4.6: start at 1s, double to a 60s cap, jitter ±20%, pause
// after 10 consecutive failures.
type backoff struct {
	attempt int
}

const (
	initialDelay = time.Second
	maxDelay     = 60 * time.Second
	maxAttempts  = 10
	jitterFrac   = 0.2
)

// next returns the delay before the next attempt and whether the
// caller has exhausted its attempt budget and should pause.
func (b *backoff) next() (delay time.Duration, exhausted bool) {
	b.attempt++
	if b.attempt > maxAttempts {
		return 0, true
	}

	d := initialDelay << uint(b.attempt-1)
	if d > maxDelay || d <= 0 {
		d = maxDelay
	}

	jitter := time.Duration(float64(d) * jitterFrac * (2*rand.Float64() - 1))
	d += jitter
	if d < 0 {
		d = initialDelay
	}
	return d, false
}

// reset clears the attempt counter, used after a successful connect.
func (b *backoff) reset() {
	b.attempt = 0
}
