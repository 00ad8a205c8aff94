package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"

	"github.com/CZERTAINLY/Jobman/internal/model"
	"github.com/CZERTAINLY/Jobman/internal/store"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const idAttempts = 5

type SubmitRequest struct {
	Command []string
	// Dir is the working directory of the runs, defaults to the current one
	Dir    string
	Wait   model.WaitSpec
	Abort  model.AbortSpec
	Retry  model.RetrySpec
	Notify model.NotifySpec
}

// Submit validates the request and persists a new pending job. The job does
// not run until a supervising process picks it up, see Detach.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*model.Job, error) {
	if len(req.Command) == 0 || strings.TrimSpace(req.Command[0]) == "" {
		return nil, model.ErrNoCommand
	}
	if err := s.checkSinks(req.Notify); err != nil {
		return nil, err
	}

	now := s.now()
	wait := req.Wait
	if wait.Cron != "" {
		next, err := NextCron(wait.Cron, now)
		if err != nil {
			return nil, err
		}
		if wait.Time == nil || next.After(*wait.Time) {
			wait.Time = &next
		}
	}
	wait.Files = absPaths(req.Dir, wait.Files)
	abort := req.Abort
	abort.Files = absPaths(req.Dir, abort.Files)

	dir := req.Dir
	if dir != "" {
		d, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("working directory: %w", err)
		}
		dir = d
	}

	job := &model.Job{
		HostID:    s.hostID,
		Command:   slices.Clone(req.Command),
		Dir:       dir,
		Wait:      wait,
		Abort:     abort,
		Retry:     req.Retry.Normalized(),
		Notify:    req.Notify,
		State:     model.StatePending,
		CreatedAt: now,
	}

	var err error
	for range idAttempts {
		job.ID = NewID()
		err = s.store.Create(ctx, job)
		if !errors.Is(err, store.ErrJobExists) {
			break
		}
		slog.DebugContext(ctx, "job id collision", "id", job.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	slog.InfoContext(ctx, "job submitted", "id", job.ID, "command", job.Command)
	return job.Clone(), nil
}

func (s *Service) checkSinks(n model.NotifySpec) error {
	known := make(map[string]struct{}, len(s.cfg.NotificationSinks))
	for _, sink := range s.cfg.NotificationSinks {
		known[sink.Name] = struct{}{}
	}
	var errs []error
	for _, name := range n.All() {
		if _, ok := known[name]; !ok {
			errs = append(errs, fmt.Errorf("unknown notification sink %q", name))
		}
	}
	return errors.Join(errs...)
}

// absPaths resolves relative condition files against dir, the supervising
// process does not share the working directory of the submitter.
func absPaths(dir string, paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	ret := make([]string, 0, len(paths))
	for _, p := range paths {
		if !filepath.IsAbs(p) {
			base := dir
			if base == "" {
				base = "."
			}
			if abs, err := filepath.Abs(filepath.Join(base, p)); err == nil {
				p = abs
			}
		}
		ret = append(ret, p)
	}
	return ret
}

// NewID returns 8 lower case hex characters of a random uuid.
func NewID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:4])
}

// HostID identifies this machine: 12 hex characters of a sha256 over the
// system name, node name and machine fields of uname.
func HostID() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		slog.Warn("uname failed: host id is unknown", "error", err)
		return "unknown"
	}
	h := sha256.New()
	for _, field := range [][]byte{uts.Sysname[:], uts.Nodename[:], uts.Machine[:]} {
		h.Write([]byte(unix.ByteSliceToString(field)))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}
