package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/CZERTAINLY/Jobman/internal/model"
	"github.com/CZERTAINLY/Jobman/internal/parallel"
	"github.com/CZERTAINLY/Jobman/internal/store"
)

const purgeWorkers = 4

var ErrPurgeSelection = errors.New("either job ids or all must be given, but not both")

type PurgeRequest struct {
	IDs []string
	All bool
	// Metadata removes the job records as well, only logs go by default
	Metadata bool
	// Since and Until select jobs by creation time
	Since time.Time
	Until time.Time
	// Force purges jobs which are not finished yet
	Force bool
}

type PurgeResult struct {
	Purged  []string
	Skipped []string
}

// Purge removes logs and optionally records of the selected jobs. Jobs which
// are not terminal are skipped unless forced.
func (s *Service) Purge(ctx context.Context, req PurgeRequest) (PurgeResult, error) {
	if (len(req.IDs) > 0) == req.All {
		return PurgeResult{}, ErrPurgeSelection
	}
	jobs, err := s.store.List(ctx, store.Filter{IDs: req.IDs})
	if err != nil {
		return PurgeResult{}, err
	}
	if err := missing(req.IDs, jobs); err != nil {
		return PurgeResult{}, err
	}

	created := store.Filter{Since: req.Since, Until: req.Until}
	var todo []*model.Job
	var res PurgeResult
	for _, job := range jobs {
		if !created.Match(job) {
			continue
		}
		if !job.State.Terminal() && !req.Force {
			res.Skipped = append(res.Skipped, job.ID)
			continue
		}
		todo = append(todo, job)
	}
	res.Purged, err = s.purge(ctx, todo, req.Metadata)
	return res, err
}

// GC purges logs of jobs finished more than expiry ago and logs left behind
// by jobs which no longer exist. Records stay.
func (s *Service) GC(ctx context.Context, expiry time.Duration) ([]string, error) {
	cutoff := s.now().Add(-expiry)
	// log dirs first: a record always exists before its logs, so a job
	// submitted in between is not taken for an orphan
	dirs, err := s.logs.Jobs()
	if err != nil {
		return nil, err
	}
	jobs, err := s.store.List(ctx, store.Filter{})
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(jobs))
	var todo []*model.Job
	for _, job := range jobs {
		known[job.ID] = struct{}{}
		if job.TerminalAt != nil && job.TerminalAt.Before(cutoff) {
			todo = append(todo, job)
		}
	}
	for _, id := range dirs {
		if _, ok := known[id]; !ok {
			todo = append(todo, &model.Job{ID: id})
		}
	}
	slog.DebugContext(ctx, "log gc", "cutoff", cutoff, "candidates", len(todo))
	return s.purge(ctx, todo, false)
}

// purge removes logs of jobs, and their records when metadata is set, in
// parallel. The returned ids are sorted.
func (s *Service) purge(ctx context.Context, jobs []*model.Job, metadata bool) ([]string, error) {
	purgeJob := func(ctx context.Context, job *model.Job) (string, error) {
		return job.ID, s.purgeOne(ctx, job.ID, metadata)
	}
	var purged []string
	var errs []error
	for id, err := range parallel.Map(ctx, purgeWorkers, slices.Values(jobs), purgeJob) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		purged = append(purged, id)
	}
	slices.Sort(purged)
	return purged, errors.Join(errs...)
}

func (s *Service) purgeOne(ctx context.Context, id string, metadata bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := s.logs.Purge(id, time.Time{})
	if err != nil {
		return fmt.Errorf("purging logs of %s: %w", id, err)
	}
	slog.DebugContext(ctx, "logs purged", "job_id", id, "files", n)
	if !metadata {
		return nil
	}
	if err := s.store.Delete(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("deleting job %s: %w", id, err)
	}
	return nil
}

// Reset removes every job and log and the supervisor logs.
func (s *Service) Reset(ctx context.Context) error {
	jobs, err := s.store.List(ctx, store.Filter{})
	if err != nil {
		return err
	}
	dirs, err := s.logs.Jobs()
	if err != nil {
		return err
	}
	for _, id := range dirs {
		if !slices.ContainsFunc(jobs, func(j *model.Job) bool { return j.ID == id }) {
			jobs = append(jobs, &model.Job{ID: id})
		}
	}
	if _, err := s.purge(ctx, jobs, true); err != nil {
		return err
	}
	if err := os.RemoveAll(s.cfg.LogPath()); err != nil {
		return fmt.Errorf("removing supervisor logs: %w", err)
	}
	slog.InfoContext(ctx, "storage reset", "jobs", len(jobs))
	return nil
}

func missing(ids []string, jobs []*model.Job) error {
	var errs []error
	for _, id := range ids {
		if !slices.ContainsFunc(jobs, func(j *model.Job) bool { return j.ID == id }) {
			errs = append(errs, fmt.Errorf("%s: %w", id, store.ErrNotFound))
		}
	}
	return errors.Join(errs...)
}
