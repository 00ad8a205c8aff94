package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/CZERTAINLY/Jobman/internal/model"
	"github.com/CZERTAINLY/Jobman/internal/runner"

	"golang.org/x/sys/unix"
)

// ErrKillSignal is returned when the signal could not be delivered to a run
// which is still alive.
var ErrKillSignal = errors.New("sending signal")

type KillOptions struct {
	// Signal defaults to TERM, Force implies KILL
	Signal string
	// Force finalizes the job as killed when its supervisor is gone.
	Force bool
	// AllowRetries ends the current run only, the retry policy decides
	// what follows.
	AllowRetries bool
	NoNotify     bool
}

type KillResult struct {
	Killed          bool
	AlreadyTerminal bool
	// Finalized is set when the job was marked killed by the caller because
	// no supervisor was there to do it.
	Finalized bool
}

// Kill asks the supervisor of the job to kill it. The request is written to
// the store and, on the same host, the live run is signalled right away.
// Killing a terminal job is a no-op reported by AlreadyTerminal.
func (s *Service) Kill(ctx context.Context, id string, opts KillOptions) (KillResult, error) {
	sig := syscall.SIGTERM
	if opts.Force {
		sig = syscall.SIGKILL
	} else if opts.Signal != "" {
		var err error
		if sig, err = runner.ParseSignal(opts.Signal); err != nil {
			return KillResult{}, err
		}
	}

	var terminal bool
	job, err := s.store.Update(ctx, id, func(j *model.Job) error {
		if j.State.Terminal() {
			terminal = true
			return nil
		}
		j.Kill = &model.KillRequest{
			Signal:       runner.SignalName(sig),
			AllowRetries: opts.AllowRetries,
			NoNotify:     opts.NoNotify,
			RequestedAt:  s.now(),
		}
		return nil
	})
	if err != nil {
		return KillResult{}, err
	}
	if terminal {
		return KillResult{AlreadyTerminal: true}, nil
	}
	ctx = withJob(ctx, id)
	slog.InfoContext(ctx, "kill requested", "signal", runner.SignalName(sig), "allow_retries", opts.AllowRetries)

	if job.HostID != s.hostID {
		slog.WarnContext(ctx, "job belongs to another host: its supervisor applies the request", "host_id", job.HostID)
		return KillResult{Killed: true}, nil
	}

	if r := job.ActiveRun(); r != nil {
		if err := signalRun(ctx, r, sig); err != nil {
			return KillResult{}, err
		}
	}

	if ProcessAlive(ctx, job.SupervisorPID) {
		return KillResult{Killed: true}, nil
	}
	if !opts.Force {
		slog.WarnContext(ctx, "supervisor is not running: the request waits for it, use force to finish the job", "supervisor_pid", job.SupervisorPID)
		return KillResult{Killed: true}, nil
	}
	return s.finalizeKilled(ctx, id, sig)
}

func signalRun(ctx context.Context, r *model.Run, sig syscall.Signal) error {
	if !runner.ProcessAlive(ctx, r.PID, r.StartedAt) {
		return nil
	}
	err := runner.SignalGroup(r.PID, sig)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.ESRCH) && !runner.ProcessAlive(ctx, r.PID, r.StartedAt) {
		return nil
	}
	return fmt.Errorf("%w %s to pid %d: %w", ErrKillSignal, runner.SignalName(sig), r.PID, err)
}

// ProcessAlive reports whether the supervising process pid is running.
func ProcessAlive(ctx context.Context, pid int) bool {
	return runner.ProcessAlive(ctx, pid, time.Time{})
}

// finalizeKilled marks the job killed on behalf of a supervisor which is
// gone. An open run is closed with the signal.
func (s *Service) finalizeKilled(ctx context.Context, id string, sig syscall.Signal) (KillResult, error) {
	now := s.now()
	var terminal bool
	_, err := s.store.Update(ctx, id, func(j *model.Job) error {
		if j.State.Terminal() {
			terminal = true
			return nil
		}
		if r := j.ActiveRun(); r != nil {
			r.EndedAt = &now
			r.Signal = runner.SignalName(sig)
		}
		if j.Kill != nil {
			j.Kill.Handled = true
		}
		return j.Transition(model.StateKilled, now, "force killed: supervisor not running")
	})
	if err != nil {
		return KillResult{}, err
	}
	if terminal {
		// the supervisor finished the job meanwhile
		return KillResult{Killed: true}, nil
	}
	slog.InfoContext(ctx, "job finalized as killed")
	return KillResult{Killed: true, Finalized: true}, nil
}
