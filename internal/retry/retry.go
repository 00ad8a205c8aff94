// Package retry decides whether a job runs again after an attempt and how
// long it waits before doing so.
package retry

import (
	"slices"
	"time"

	"github.com/CZERTAINLY/Jobman/internal/model"
)

type Decision int

const (
	StopSuccess Decision = iota
	Retry
	StopFailure
)

func (d Decision) String() string {
	switch d {
	case StopSuccess:
		return "stop-success"
	case Retry:
		return "retry"
	case StopFailure:
		return "stop-failure"
	default:
		return "unknown"
	}
}

// Decide applies the retry rules to a finished attempt (1-indexed).
// A success code ends the loop regardless of the remaining budget.
func Decide(attempt, exitCode, maxAttempts int, successCodes []int) Decision {
	if len(successCodes) == 0 {
		successCodes = []int{0}
	}
	if slices.Contains(successCodes, exitCode) {
		return StopSuccess
	}
	if attempt < maxAttempts {
		return Retry
	}
	return StopFailure
}

// Policy binds the retry rules of a single job together with its delay
// strategy.
type Policy struct {
	MaxAttempts  int
	SuccessCodes []int
	Strategy     Strategy
}

// NewPolicy builds a policy from the job retry spec.
func NewPolicy(spec model.RetrySpec) Policy {
	spec = spec.Normalized()
	var s Strategy = NewConstant(spec.Delay)
	if spec.ExpoBackoff {
		s = NewExponential(spec.Delay, 0)
	}
	if spec.Jitter && spec.Delay > 0 {
		s = NewJittered(s, spec.Delay, DefaultJitter)
	}
	return Policy{
		MaxAttempts:  spec.MaxAttempts,
		SuccessCodes: spec.SuccessCodes,
		Strategy:     s,
	}
}

func (p Policy) Decide(attempt, exitCode int) Decision {
	return Decide(attempt, exitCode, p.MaxAttempts, p.SuccessCodes)
}

// Delay returns how long to wait after attempt before starting the next one.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Strategy == nil {
		return 0
	}
	d := p.Strategy.Delay(attempt)
	if d < 0 {
		return 0
	}
	return d
}
