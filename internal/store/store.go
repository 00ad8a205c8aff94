// Package store persists jobs. The store is the only thing the supervising
// process and the front end share, so every read-modify-write goes through
// Update which is atomic per job.
package store

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/CZERTAINLY/Jobman/internal/model"
)

var (
	ErrNotFound  = errors.New("job not found")
	ErrJobExists = errors.New("job already exists")
	ErrClosed    = errors.New("store closed")
)

type Store interface {
	Create(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, id string) (*model.Job, error)
	// List returns jobs matching the filter ordered by creation time.
	List(ctx context.Context, filter Filter) ([]*model.Job, error)
	// Update loads the job, applies fn and stores the result atomically.
	// When fn returns an error nothing is written and the error is returned.
	Update(ctx context.Context, id string, fn func(*model.Job) error) (*model.Job, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// Filter selects jobs by their attributes. Zero value matches everything.
type Filter struct {
	States []model.State
	Since  time.Time // created at or after
	Until  time.Time // created at or before
	HostID string
	IDs    []string
}

// Match reports if job matches the filter.
func (f Filter) Match(job *model.Job) bool {
	if len(f.States) > 0 && !slices.Contains(f.States, job.State) {
		return false
	}
	if !f.Since.IsZero() && job.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && job.CreatedAt.After(f.Until) {
		return false
	}
	if f.HostID != "" && job.HostID != f.HostID {
		return false
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, job.ID) {
		return false
	}
	return true
}

// Active selects jobs which did not reach a terminal state.
func Active() Filter {
	return Filter{States: []model.State{model.StatePending, model.StateWaiting, model.StateRunning}}
}

// SortJobs orders jobs by creation time, then by id.
func SortJobs(jobs []*model.Job) {
	slices.SortStableFunc(jobs, func(a, b *model.Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}
