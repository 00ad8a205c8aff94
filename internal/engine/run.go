package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"syscall"
	"time"

	"github.com/CZERTAINLY/Jobman/internal/model"
	"github.com/CZERTAINLY/Jobman/internal/retry"
	"github.com/CZERTAINLY/Jobman/internal/runner"
)

// attempt is the outcome of one run.
type attempt struct {
	job *model.Job
	// code is what the retry policy sees
	code int
	// killed is the request which ended the job, nil otherwise
	killed *model.KillRequest
	// interrupted is set when the supervisor itself was told to stop
	interrupted bool
	spawnErr    error
	timedOut    bool
	abandoned   bool
}

func (e *Engine) runLoop(ctx context.Context, job *model.Job) (*model.Job, error) {
	policy := retry.NewPolicy(job.Retry)

	var done bool
	var err error
	if job.ActiveRun() != nil {
		// the previous supervisor died with a run in progress, the run
		// can't be waited for
		job, err = e.abandonRun(ctx, job)
		if err != nil {
			return nil, err
		}
		job, done, err = e.afterRun(ctx, job, policy, attempt{job: job, code: -1, abandoned: true})
		if done || err != nil {
			return job, err
		}
	}

	for {
		if kill := e.pendingKill(ctx, job.ID); kill != nil {
			return e.killWithoutRun(ctx, job.ID, kill, "killed between attempts")
		}
		if ctx.Err() != nil {
			return e.killWithoutRun(ctx, job.ID, nil, interruptedReason(ctx))
		}

		res, err := e.runAttempt(ctx, job, len(job.Runs)+1)
		if err != nil {
			return nil, err
		}
		job, done, err = e.afterRun(ctx, res.job, policy, res)
		if done || err != nil {
			return job, err
		}
	}
}

// afterRun decides what follows a finished run. It returns done when the
// job reached a terminal state.
func (e *Engine) afterRun(ctx context.Context, job *model.Job, policy retry.Policy, res attempt) (*model.Job, bool, error) {
	n := len(job.Runs)

	switch {
	case res.interrupted:
		job, err := e.killWithoutRun(ctx, job.ID, nil, interruptedReason(ctx))
		return job, true, err
	case res.killed != nil:
		reason := "killed"
		if r := job.LastRun(); r != nil && r.Signal != "" {
			reason = "killed by " + r.Signal
		}
		job, err := e.killWithoutRun(ctx, job.ID, res.killed, reason)
		return job, true, err
	}

	decision := policy.Decide(n, res.code)
	slog.InfoContext(ctx, "run finished", "attempt", n, "exit_code", res.code, "decision", decision.String())

	switch decision {
	case retry.StopSuccess:
		job, err := e.transition(ctx, job.ID, model.StateSucceeded, "")
		if err != nil {
			return nil, true, err
		}
		e.notify(ctx, model.EventRunSuccess, job)
		e.notify(ctx, model.EventJobSuccess, job)
		return job, true, nil
	case retry.StopFailure:
		job, err := e.transition(ctx, job.ID, model.StateFailed, failureReason(res, n))
		if err != nil {
			return nil, true, err
		}
		e.notify(ctx, model.EventRunFailure, job)
		e.notify(ctx, model.EventJobFailure, job)
		return job, true, nil
	}

	e.notify(ctx, model.EventRunFailure, job)
	delay := policy.Delay(n)
	slog.InfoContext(ctx, "retrying", "attempt", n+1, "delay", delay.String())
	if kill, interrupted := e.sleep(ctx, job.ID, delay); kill != nil || interrupted {
		reason := "killed between attempts"
		if interrupted {
			reason = interruptedReason(ctx)
		}
		job, err := e.killWithoutRun(ctx, job.ID, kill, reason)
		return job, true, err
	}
	return job, false, nil
}

func failureReason(res attempt, attempts int) string {
	var what string
	switch {
	case res.spawnErr != nil:
		what = res.spawnErr.Error()
	case res.abandoned:
		what = "supervisor lost"
	case res.timedOut:
		what = "timed out"
	default:
		what = "exit code " + strconv.Itoa(res.code)
	}
	if attempts == 1 {
		return what
	}
	return fmt.Sprintf("%s after %d attempts", what, attempts)
}

// sleep waits between attempts. It wakes up early on a kill request or
// cancellation of ctx.
func (e *Engine) sleep(ctx context.Context, jobID string, d time.Duration) (*model.KillRequest, bool) {
	if d <= 0 {
		return nil, false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()
	for {
		select {
		case <-timer.C:
			return nil, false
		case <-ctx.Done():
			return nil, true
		case <-ticker.C:
			if kill := e.pendingKill(ctx, jobID); kill != nil {
				return kill, false
			}
		}
	}
}

func (e *Engine) runAttempt(ctx context.Context, job *model.Job, n int) (attempt, error) {
	ctx = logAttempt(ctx, n)

	var sink runner.Sink
	var closeLog func()
	if e.logs != nil {
		w, err := e.logs.Writer(job.ID, n)
		if err != nil {
			slog.ErrorContext(ctx, "opening run log: output is discarded", "error", err)
		} else {
			sink = w
			closeLog = func() {
				if err := w.Close(); err != nil {
					slog.ErrorContext(ctx, "closing run log", "error", err)
				}
			}
		}
	}

	cmd := runner.Command{
		Argv: job.Command,
		Env: []string{
			"JOBMAN_JOB_ID=" + job.ID,
			"JOBMAN_ATTEMPT_NUM=" + strconv.Itoa(n),
		},
		Dir:     job.Dir,
		Timeout: job.Retry.Timeout,
	}
	started := e.now()
	h, err := runner.Spawn(ctx, cmd, sink)
	if err != nil {
		if closeLog != nil {
			closeLog()
		}
		var spawnErr *runner.SpawnError
		if !errors.As(err, &spawnErr) {
			return attempt{}, err
		}
		slog.ErrorContext(ctx, "run failed to start", "error", err, "status", spawnErr.ExitCode())
		job, uerr := e.update(ctx, job.ID, "run "+strconv.Itoa(n), func(j *model.Job) error {
			if len(j.Runs) >= n {
				return nil
			}
			end := started
			j.Runs = append(j.Runs, model.Run{
				Attempt:   n,
				StartedAt: started,
				EndedAt:   &end,
				Error:     spawnErr.Error(),
			})
			return nil
		})
		if uerr != nil {
			return attempt{}, uerr
		}
		return attempt{job: job, code: -1, spawnErr: spawnErr}, nil
	}
	if closeLog != nil {
		defer closeLog()
	}
	slog.InfoContext(ctx, "run started", "pid", h.PID())

	job, err = e.update(ctx, job.ID, "run "+strconv.Itoa(n), func(j *model.Job) error {
		if len(j.Runs) >= n {
			return nil
		}
		j.Runs = append(j.Runs, model.Run{
			Attempt:   n,
			PID:       h.PID(),
			StartedAt: h.Started(),
		})
		return nil
	})
	if err != nil {
		// the run can't be tracked, don't leave it behind
		_ = h.Kill(syscall.SIGKILL)
		<-h.Done()
		return attempt{}, err
	}

	kill, interrupted := e.watch(ctx, job.ID, h)

	res := h.Result()
	if kill == nil && !interrupted {
		// a kill which raced with the exit of the run, or was delivered
		// only by a signal from the front end
		if req := e.pendingKill(ctx, job.ID); req != nil {
			if req.AllowRetries {
				e.markHandled(ctx, job.ID)
			} else {
				kill = req
			}
		}
	}
	code := res.Code()

	job, err = e.update(ctx, job.ID, "end of run "+strconv.Itoa(n), func(j *model.Job) error {
		r := j.LastRun()
		if r == nil || r.Attempt != n {
			return fmt.Errorf("run %d is missing", n)
		}
		stopped := res.Stopped
		r.EndedAt = &stopped
		r.Signal = res.Signal
		r.TimedOut = res.TimedOut
		if !res.Signaled() {
			exit := res.ExitCode
			r.ExitCode = &exit
		}
		if res.Err != nil {
			r.Error = res.Err.Error()
		}
		return nil
	})
	if err != nil {
		return attempt{}, err
	}
	return attempt{
		job:         job,
		code:        code,
		killed:      kill,
		interrupted: interrupted,
		timedOut:    res.TimedOut,
	}, nil
}

// watch waits for the run to exit. Meanwhile it checks the store for kill
// requests on every tick. A request allowing retries ends this run only and
// is marked handled, so it does not kill the next attempt.
func (e *Engine) watch(ctx context.Context, jobID string, h *runner.Handle) (*model.KillRequest, bool) {
	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()

	var kill *model.KillRequest
	var interrupted bool
	done := ctx.Done()
	for {
		select {
		case <-h.Done():
			return kill, interrupted
		case <-done:
			interrupted = true
			done = nil
			slog.WarnContext(ctx, "supervisor interrupted: terminating run", "pid", h.PID())
			if err := h.Kill(syscall.SIGTERM); err != nil {
				slog.ErrorContext(ctx, "terminating run", "pid", h.PID(), "error", err)
			}
		case <-ticker.C:
			if kill != nil || interrupted {
				continue
			}
			req := e.pendingKill(ctx, jobID)
			if req == nil {
				continue
			}
			sig, err := runner.ParseSignal(req.Signal)
			if err != nil {
				slog.WarnContext(ctx, "invalid kill signal: using SIGTERM", "signal", req.Signal, "error", err)
				sig = syscall.SIGTERM
			}
			slog.InfoContext(ctx, "kill requested", "signal", runner.SignalName(sig), "allow_retries", req.AllowRetries)
			if err := h.Kill(sig); err != nil {
				slog.ErrorContext(ctx, "killing run", "pid", h.PID(), "error", err)
			}
			if req.AllowRetries {
				e.markHandled(ctx, jobID)
				// wait for the exit, the policy decides what's next
				continue
			}
			kill = req
		}
	}
}

func (e *Engine) markHandled(ctx context.Context, jobID string) {
	_, err := e.update(ctx, jobID, "kill request", func(j *model.Job) error {
		if j.Kill != nil {
			j.Kill.Handled = true
		}
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "marking kill request handled", "error", err)
	}
}

// abandonRun closes a run left open by a supervisor which is gone.
func (e *Engine) abandonRun(ctx context.Context, job *model.Job) (*model.Job, error) {
	now := e.now()
	slog.WarnContext(ctx, "run of a previous supervisor is abandoned", "attempt", job.ActiveRun().Attempt)
	return e.update(ctx, job.ID, "abandoned run", func(j *model.Job) error {
		if r := j.ActiveRun(); r != nil {
			r.EndedAt = &now
			r.Error = "supervisor lost"
		}
		return nil
	})
}
