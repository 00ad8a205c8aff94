package condition

import (
	"context"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/Jobman/internal/model"
)

type Outcome int

const (
	Ready Outcome = iota
	Aborted
	Interrupted
)

func (o Outcome) String() string {
	switch o {
	case Ready:
		return "ready"
	case Aborted:
		return "aborted"
	case Interrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Poller drives an Evaluator on a fixed interval until the wait spec is
// satisfied or the abort spec expires. Abort is evaluated first on every
// tick, so when both hold at the same tick abort wins.
type Poller struct {
	Evaluator Evaluator
	Interval  time.Duration
	Now       func() time.Time
}

// Await blocks until an outcome is reached. interrupt is consulted on every
// tick after the conditions; returning true ends the wait with Interrupted.
// Context cancellation ends the wait with Interrupted and ctx.Err().
func (p Poller) Await(ctx context.Context, wait model.WaitSpec, abort model.AbortSpec, ref time.Time, interrupt func(context.Context) bool) (Outcome, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = model.DefaultPollInterval
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr string
	for {
		t := now()
		res, err := p.Evaluator.Abort(abort, ref, t)
		if err != nil && err.Error() != lastErr {
			lastErr = err.Error()
			slog.WarnContext(ctx, "abort condition can't be evaluated", "error", err)
		}
		if res == Expired {
			return Aborted, nil
		}

		res, err = p.Evaluator.Wait(wait, ref, t)
		if err != nil && err.Error() != lastErr {
			lastErr = err.Error()
			slog.WarnContext(ctx, "wait condition can't be evaluated: keep waiting", "error", err)
		}
		if res == Satisfied {
			return Ready, nil
		}

		if interrupt != nil && interrupt(ctx) {
			return Interrupted, nil
		}

		select {
		case <-ctx.Done():
			return Interrupted, ctx.Err()
		case <-ticker.C:
		}
	}
}
