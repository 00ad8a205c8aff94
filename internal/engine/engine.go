// Package engine drives a single job through its life: waiting for the
// start conditions, running attempts, retrying and finishing in a terminal
// state. Every transition is persisted before the engine goes on and
// before anybody is notified about it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/CZERTAINLY/Jobman/internal/condition"
	"github.com/CZERTAINLY/Jobman/internal/log"
	"github.com/CZERTAINLY/Jobman/internal/logstore"
	"github.com/CZERTAINLY/Jobman/internal/model"
	"github.com/CZERTAINLY/Jobman/internal/store"

	"github.com/cenkalti/backoff/v4"
)

// Notifier receives job events once they are persisted.
type Notifier interface {
	Dispatch(ctx context.Context, kind model.EventKind, job *model.Job)
}

// StoreRetry bounds retries of a failed store write.
type StoreRetry struct {
	Initial  time.Duration
	Max      time.Duration
	Attempts uint64
}

var DefaultStoreRetry = StoreRetry{
	Initial:  50 * time.Millisecond,
	Max:      2 * time.Second,
	Attempts: 8,
}

type Config struct {
	Store store.Store
	// Logs keeps output of the runs, output is discarded when nil.
	Logs         *logstore.Store
	Notifier     Notifier
	Evaluator    condition.Evaluator
	PollInterval time.Duration
	StoreRetry   StoreRetry
	Now          func() time.Time
	// PID is recorded as the supervisor of the job, defaults to os.Getpid.
	PID int
}

type Engine struct {
	store      store.Store
	logs       *logstore.Store
	notifier   Notifier
	evaluator  condition.Evaluator
	poll       time.Duration
	storeRetry StoreRetry
	now        func() time.Time
	pid        int
}

func New(cfg Config) *Engine {
	e := &Engine{
		store:      cfg.Store,
		logs:       cfg.Logs,
		notifier:   cfg.Notifier,
		evaluator:  cfg.Evaluator,
		poll:       cfg.PollInterval,
		storeRetry: cfg.StoreRetry,
		now:        cfg.Now,
		pid:        cfg.PID,
	}
	if e.evaluator.FS == nil {
		e.evaluator = condition.New()
	}
	if e.poll <= 0 {
		e.poll = model.DefaultPollInterval
	}
	if e.storeRetry.Attempts == 0 {
		e.storeRetry = DefaultStoreRetry
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.pid == 0 {
		e.pid = os.Getpid()
	}
	return e
}

// Run owns the job until it reaches a terminal state and returns its final
// snapshot. A job already terminal is returned as is. Cancellation of ctx
// is handled as a kill of the job: the live run gets SIGTERM and the job
// ends as killed. When a step can't be persisted the job is finished as
// failed, or killed if it never ran, and the *StoreWriteError is returned.
func (e *Engine) Run(ctx context.Context, jobID string) (*model.Job, error) {
	ctx = log.ContextAttrs(ctx, slog.String("job_id", jobID))

	job, err := e.run(ctx, jobID)
	var werr *StoreWriteError
	if errors.As(err, &werr) {
		return e.giveUp(ctx, werr), err
	}
	return job, err
}

func (e *Engine) run(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := e.store.Get(context.WithoutCancel(ctx), jobID)
	if err != nil {
		return nil, err
	}
	if job.State.Terminal() {
		slog.InfoContext(ctx, "job already finished", "state", job.State.String())
		return job, nil
	}

	job, err = e.update(ctx, jobID, "supervisor", func(j *model.Job) error {
		j.SupervisorPID = e.pid
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "supervising job", "state", job.State.String(), "command", job.Command)

	if job.State == model.StatePending {
		if job, err = e.start(ctx, job); err != nil || job.State.Terminal() {
			return job, err
		}
	}

	if job.State == model.StateWaiting {
		if job, err = e.wait(ctx, job); err != nil || job.State.Terminal() {
			return job, err
		}
	}

	return e.runLoop(ctx, job)
}

// start leaves pending. A job with any condition waits, even one with an
// abort condition only, so an abort expired already at the start is honored.
func (e *Engine) start(ctx context.Context, job *model.Job) (*model.Job, error) {
	if killRequested(job) {
		return e.killWithoutRun(ctx, job.ID, job.Kill, "killed before start")
	}
	to := model.StateRunning
	if !job.Wait.IsZero() || !job.Abort.IsZero() {
		to = model.StateWaiting
	}
	return e.transition(ctx, job.ID, to, "")
}

func (e *Engine) wait(ctx context.Context, job *model.Job) (*model.Job, error) {
	poller := condition.Poller{
		Evaluator: e.evaluator,
		Interval:  e.poll,
		Now:       e.now,
	}
	var kill *model.KillRequest
	interrupt := func(ctx context.Context) bool {
		kill = e.pendingKill(ctx, job.ID)
		return kill != nil
	}

	slog.DebugContext(ctx, "waiting for conditions",
		"earliest", condition.Earliest(job.Wait, job.CreatedAt),
		"deadline", condition.Deadline(job.Abort, job.CreatedAt),
		"files", job.Wait.Files,
	)
	outcome, err := poller.Await(ctx, job.Wait, job.Abort, job.CreatedAt, interrupt)
	switch outcome {
	case condition.Ready:
		return e.transition(ctx, job.ID, model.StateRunning, "")
	case condition.Aborted:
		job, err := e.transition(ctx, job.ID, model.StateAborted, "abort condition expired before the wait condition was satisfied")
		if err != nil {
			return nil, err
		}
		e.notify(ctx, model.EventJobFailure, job)
		return job, nil
	default:
		if err != nil {
			return e.killWithoutRun(ctx, job.ID, nil, interruptedReason(ctx))
		}
		return e.killWithoutRun(ctx, job.ID, kill, "killed while waiting")
	}
}

// killWithoutRun finishes a job which has no live process.
func (e *Engine) killWithoutRun(ctx context.Context, jobID string, kill *model.KillRequest, reason string) (*model.Job, error) {
	job, err := e.transition(ctx, jobID, model.StateKilled, reason)
	if err != nil {
		return nil, err
	}
	if kill == nil || !kill.NoNotify {
		e.notify(ctx, model.EventJobFailure, job)
	}
	return job, nil
}

func (e *Engine) transition(ctx context.Context, jobID string, to model.State, reason string) (*model.Job, error) {
	now := e.now()
	job, err := e.update(ctx, jobID, string(to), func(j *model.Job) error {
		if j.State == to {
			return nil
		}
		return j.Transition(to, now, reason)
	})
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "job state changed", "state", to.String(), "reason", reason)
	return job, nil
}

// giveUp is the last write after a step failed to persist. The job must
// not stay in a state no supervisor works on, so it ends as failed, or as
// killed when it never ran, and the open run is closed. The live process
// is gone by now. The write backs off longer than a regular step.
func (e *Engine) giveUp(ctx context.Context, werr *StoreWriteError) *model.Job {
	reason := "store write failed: " + werr.Err.Error()
	retry := StoreRetry{
		Initial:  e.storeRetry.Max,
		Max:      giveUpFactor * e.storeRetry.Max,
		Attempts: e.storeRetry.Attempts,
	}
	now := e.now()
	var finished bool
	job, err := e.updateWith(ctx, retry, werr.JobID, "failed store write", func(j *model.Job) error {
		finished = false
		if j.State.Terminal() {
			return nil
		}
		if r := j.ActiveRun(); r != nil {
			r.EndedAt = &now
			r.Error = "store write failed"
		}
		to := model.StateFailed
		if j.State != model.StateRunning {
			to = model.StateKilled
		}
		finished = true
		return j.Transition(to, now, reason)
	})
	if err != nil {
		slog.ErrorContext(ctx, "job is left unfinished in the store", "step", werr.Step, "error", err)
		return nil
	}
	if finished {
		slog.WarnContext(ctx, "job state changed", "state", job.State.String(), "reason", reason)
		e.notify(ctx, model.EventJobFailure, job)
	}
	return job
}

// giveUpFactor stretches the longest backoff of the last write.
const giveUpFactor = 4

// update persists a change of the job. Failed writes are retried with
// exponential backoff, an invalid transition or a missing job are not.
// Writes are not canceled with ctx, so a killed job is still recorded.
func (e *Engine) update(ctx context.Context, jobID, step string, fn func(*model.Job) error) (*model.Job, error) {
	return e.updateWith(ctx, e.storeRetry, jobID, step, fn)
}

func (e *Engine) updateWith(ctx context.Context, retry StoreRetry, jobID, step string, fn func(*model.Job) error) (*model.Job, error) {
	wctx := context.WithoutCancel(ctx)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retry.Initial
	b.MaxInterval = retry.Max
	b.MaxElapsedTime = 0

	var job *model.Job
	op := func() error {
		j, err := e.store.Update(wctx, jobID, fn)
		if err != nil {
			if errors.Is(err, model.ErrInvalidState) || errors.Is(err, store.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		job = j
		return nil
	}
	notify := func(err error, d time.Duration) {
		slog.WarnContext(ctx, "store write failed: retrying", "step", step, "retry_in", d.String(), "error", err)
	}
	if err := backoff.RetryNotify(op, backoff.WithMaxRetries(b, retry.Attempts), notify); err != nil {
		slog.ErrorContext(ctx, "store write failed", "step", step, "error", err)
		return nil, &StoreWriteError{JobID: jobID, Step: step, Err: err}
	}
	return job, nil
}

// pendingKill returns the kill request not yet applied to the job.
func (e *Engine) pendingKill(ctx context.Context, jobID string) *model.KillRequest {
	job, err := e.store.Get(context.WithoutCancel(ctx), jobID)
	if err != nil {
		slog.WarnContext(ctx, "reading kill request", "error", err)
		return nil
	}
	if !killRequested(job) {
		return nil
	}
	return job.Kill
}

func killRequested(job *model.Job) bool {
	return job.Kill != nil && !job.Kill.Handled
}

func (e *Engine) notify(ctx context.Context, kind model.EventKind, job *model.Job) {
	if e.notifier == nil {
		return
	}
	e.notifier.Dispatch(ctx, kind, job)
}

func interruptedReason(ctx context.Context) string {
	if cause := context.Cause(ctx); cause != nil {
		return fmt.Sprintf("supervisor interrupted: %v", cause)
	}
	return "supervisor interrupted"
}
