package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// DefaultJitter is the fraction of the base delay added or subtracted at
// random when jitter is enabled.
const DefaultJitter = 0.1

// Strategy computes the delay before the next attempt. Attempt is the number
// of the attempt which has just failed (1-indexed).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Constant always returns the same delay.
type Constant struct {
	Interval time.Duration
}

func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Exponential doubles the delay on every attempt.
// Delay = min(Initial * 2^(attempt-1), Max), Max of zero means no cap.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	f := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	d := time.Duration(math.MaxInt64)
	if f < float64(math.MaxInt64) {
		d = time.Duration(f)
	}
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// Jittered adds a uniform random offset in [-Fraction*Base, +Fraction*Base]
// to the delay of the wrapped strategy. The offset is relative to the base
// delay, not to the backed off one.
type Jittered struct {
	Strategy Strategy
	Base     time.Duration
	Fraction float64
	rand     func() float64
}

func NewJittered(s Strategy, base time.Duration, fraction float64) *Jittered {
	return &Jittered{Strategy: s, Base: base, Fraction: fraction, rand: rand.Float64}
}

func (j *Jittered) Delay(attempt int) time.Duration {
	d := j.Strategy.Delay(attempt)
	rnd := j.rand
	if rnd == nil {
		rnd = rand.Float64
	}
	maxJitter := float64(j.Base) * j.Fraction
	offset := time.Duration((rnd()*2 - 1) * maxJitter) //nolint:gosec // jitter does not need crypto rand
	if offset > 0 && d > math.MaxInt64-offset {
		// saturated delay of an uncapped backoff
		return math.MaxInt64
	}
	d += offset
	if d < 0 {
		return 0
	}
	return d
}
