package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"syscall"

	"github.com/CZERTAINLY/Jobman/internal/model"
)

// SuperviseCommand is the hidden command the supervising process runs.
const SuperviseCommand = "_supervise"

// SupervisorArgv returns the default argv of a supervising process: this
// executable with the given config file.
func SupervisorArgv(configPath string) ([]string, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating executable: %w", err)
	}
	argv := []string{exe}
	if configPath != "" {
		argv = append(argv, "--config", configPath)
	}
	return append(argv, SuperviseCommand), nil
}

// Detach starts the supervising process of the job. The process runs in its
// own session with stdio on /dev/null, so it outlives the terminal the job
// was submitted from. Its pid is recorded in the job.
func (s *Service) Detach(ctx context.Context, job *model.Job) (*model.Job, error) {
	if len(s.supervisor) == 0 {
		return nil, errors.New("supervisor command is not configured")
	}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = devnull.Close()
	}()

	argv := append(slices.Clone(s.supervisor), job.ID)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting supervisor: %w", err)
	}
	pid := cmd.Process.Pid
	// nobody waits for the supervisor, init reaps it once this process exits
	if err := cmd.Process.Release(); err != nil {
		slog.WarnContext(ctx, "releasing supervisor", "pid", pid, "error", err)
	}
	slog.DebugContext(ctx, "supervisor started", "job_id", job.ID, "pid", pid)

	// the supervisor records itself as well, keep the first writer
	updated, err := s.store.Update(ctx, job.ID, func(j *model.Job) error {
		if j.SupervisorPID == 0 {
			j.SupervisorPID = pid
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recording supervisor: %w", err)
	}
	return updated, nil
}
