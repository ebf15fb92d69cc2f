package pipeerr

import (
	"math"
	"math/rand"
	"time"
)

// Backoff produces jittered exponential delays for message redelivery.
// The throttle curve uses a larger base so a rate-limited call always waits
// longer than a plain transient fault at the same attempt number.
type Backoff struct {
	// Base is the first-attempt delay for transient errors.
	Base time.Duration
	// ThrottleBase is the first-attempt delay for throttle errors.
	// Must be larger than Base.
	ThrottleBase time.Duration
	// Cap bounds both curves.
	Cap time.Duration

	// rnd is overridable for tests; nil uses the global source.
	rnd func() float64
}

// DefaultBackoff matches the pipeline defaults: 1s base, 5s throttle base,
// 300s cap.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:         1 * time.Second,
		ThrottleBase: 5 * time.Second,
		Cap:          300 * time.Second,
	}
}

// Delay returns the redelivery delay for the given 1-based attempt on the
// normal curve: min(cap, base * 2^(attempt-1)) * jitter(0.8..1.2).
func (b Backoff) Delay(attempt int) time.Duration {
	return b.delay(b.Base, attempt)
}

// ThrottleDelay is Delay on the throttle curve.
func (b Backoff) ThrottleDelay(attempt int) time.Duration {
	return b.delay(b.ThrottleBase, attempt)
}

// DelayFor picks the curve matching the error's kind.
func (b Backoff) DelayFor(err error, attempt int) time.Duration {
	if IsThrottle(err) {
		return b.ThrottleDelay(attempt)
	}
	return b.Delay(attempt)
}

func (b Backoff) delay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if cap := float64(b.Cap); d > cap {
		d = cap
	}
	return time.Duration(d * b.jitter())
}

// jitter returns a multiplier in [0.8, 1.2).
func (b Backoff) jitter() float64 {
	r := b.rnd
	if r == nil {
		r = rand.Float64
	}
	return 0.8 + 0.4*r()
}
