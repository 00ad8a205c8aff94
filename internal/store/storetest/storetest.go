// Package storetest holds tests every store.Store implementation must pass.
package storetest

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/Jobman/internal/model"
	"github.com/CZERTAINLY/Jobman/internal/store"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// NewJob returns a pending job created at t0 plus n minutes.
func NewJob(id string, n int) *model.Job {
	return &model.Job{
		ID:        id,
		HostID:    "0123456789ab",
		Command:   []string{"echo", id},
		Retry:     model.DefaultRetrySpec(),
		State:     model.StatePending,
		CreatedAt: t0.Add(time.Duration(n) * time.Minute),
	}
}

// Run tests the store returned by newStore. Each subtest gets a new store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("create get", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		job := NewJob("00000001", 0)
		job.Notify.JobFailure = []string{"mail"}
		require.NoError(t, s.Create(ctx, job))

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, job.ID, got.ID)
		require.Equal(t, job.Command, got.Command)
		require.Equal(t, []string{"mail"}, got.Notify.JobFailure)
		require.True(t, job.CreatedAt.Equal(got.CreatedAt))

		// snapshot does not alias the store
		got.Command[0] = "changed"
		again, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, "echo", again.Command[0])

		err = s.Create(ctx, NewJob("00000001", 1))
		require.ErrorIs(t, err, store.ErrJobExists)

		_, err = s.Get(ctx, "ffffffff")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("update", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		require.NoError(t, s.Create(ctx, NewJob("00000002", 0)))

		now := t0.Add(time.Hour)
		updated, err := s.Update(ctx, "00000002", func(j *model.Job) error {
			if err := j.Transition(model.StateRunning, now, ""); err != nil {
				return err
			}
			j.Runs = append(j.Runs, model.Run{Attempt: 1, PID: 42, StartedAt: now})
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, model.StateRunning, updated.State)

		got, err := s.Get(ctx, "00000002")
		require.NoError(t, err)
		require.Equal(t, model.StateRunning, got.State)
		require.Len(t, got.Runs, 1)
		require.Equal(t, 42, got.Runs[0].PID)
		require.NotNil(t, got.StartedAt)

		boom := errors.New("boom")
		_, err = s.Update(ctx, "00000002", func(j *model.Job) error {
			j.State = model.StateFailed
			return boom
		})
		require.ErrorIs(t, err, boom)
		got, err = s.Get(ctx, "00000002")
		require.NoError(t, err)
		require.Equal(t, model.StateRunning, got.State)

		_, err = s.Update(ctx, "ffffffff", func(*model.Job) error { return nil })
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("concurrent updates", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		require.NoError(t, s.Create(ctx, NewJob("00000003", 0)))

		const n = 16
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Update(ctx, "00000003", func(j *model.Job) error {
					j.Runs = append(j.Runs, model.Run{Attempt: len(j.Runs) + 1, PID: i})
					return nil
				})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
		got, err := s.Get(ctx, "00000003")
		require.NoError(t, err)
		require.Len(t, got.Runs, n)
		for i, r := range got.Runs {
			require.Equal(t, i+1, r.Attempt)
		}
	})

	t.Run("list", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		for i := range 5 {
			job := NewJob(fmt.Sprintf("0000001%d", i), 5-i)
			if i%2 == 1 {
				job.State = model.StateSucceeded
			}
			if i == 4 {
				job.HostID = "other"
			}
			require.NoError(t, s.Create(ctx, job))
		}

		var tests = []struct {
			scenario string
			given    store.Filter
			then     []string
		}{
			{"all", store.Filter{}, []string{"00000014", "00000013", "00000012", "00000011", "00000010"}},
			{"active", store.Active(), []string{"00000014", "00000012", "00000010"}},
			{"host", store.Filter{HostID: "other"}, []string{"00000014"}},
			{"ids", store.Filter{IDs: []string{"00000010", "00000011", "nope"}}, []string{"00000011", "00000010"}},
			{"since", store.Filter{Since: t0.Add(4 * time.Minute)}, []string{"00000011", "00000010"}},
			{"until", store.Filter{Until: t0.Add(2 * time.Minute)}, []string{"00000014", "00000013"}},
			{"none", store.Filter{States: []model.State{model.StateKilled}}, []string{}},
		}
		for _, tt := range tests {
			t.Run(tt.scenario, func(t *testing.T) {
				jobs, err := s.List(ctx, tt.given)
				require.NoError(t, err)
				ids := make([]string, 0, len(jobs))
				for _, j := range jobs {
					ids = append(ids, j.ID)
				}
				require.Equal(t, tt.then, ids)
			})
		}
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		require.NoError(t, s.Create(ctx, NewJob("00000004", 0)))
		require.NoError(t, s.Delete(ctx, "00000004"))
		_, err := s.Get(ctx, "00000004")
		require.ErrorIs(t, err, store.ErrNotFound)
		require.ErrorIs(t, s.Delete(ctx, "00000004"), store.ErrNotFound)
		// id can be used again
		require.NoError(t, s.Create(ctx, NewJob("00000004", 0)))
	})
}
