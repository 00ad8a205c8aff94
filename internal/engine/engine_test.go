package engine_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CZERTAINLY/Jobman/internal/engine"
	"github.com/CZERTAINLY/Jobman/internal/logstore"
	"github.com/CZERTAINLY/Jobman/internal/model"
	"github.com/CZERTAINLY/Jobman/internal/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const poll = 10 * time.Millisecond

type event struct {
	kind model.EventKind
	// state of the job in the store when the event was dispatched
	stored model.State
}

type recorder struct {
	mx     sync.Mutex
	store  store.Store
	events []event
}

func (r *recorder) Dispatch(ctx context.Context, kind model.EventKind, job *model.Job) {
	stored, err := r.store.Get(context.WithoutCancel(ctx), job.ID)
	r.mx.Lock()
	defer r.mx.Unlock()
	if err != nil {
		panic(err)
	}
	r.events = append(r.events, event{kind: kind, stored: stored.State})
}

func (r *recorder) kinds() []model.EventKind {
	r.mx.Lock()
	defer r.mx.Unlock()
	ret := make([]model.EventKind, len(r.events))
	for i, e := range r.events {
		ret[i] = e.kind
	}
	return ret
}

type fixture struct {
	store    store.Store
	logs     *logstore.Store
	notifier *recorder
	engine   *engine.Engine
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	s := store.NewMemory()
	logs, err := logstore.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = logs.Close()
		_ = s.Close()
	})
	rec := &recorder{store: s}
	return fixture{
		store:    s,
		logs:     logs,
		notifier: rec,
		engine: engine.New(engine.Config{
			Store:        s,
			Logs:         logs,
			Notifier:     rec,
			PollInterval: poll,
		}),
	}
}

func (f fixture) submit(t *testing.T, id string, command []string, mod func(*model.Job)) {
	t.Helper()
	job := &model.Job{
		ID:        id,
		HostID:    "0123456789ab",
		Command:   command,
		Retry:     model.DefaultRetrySpec(),
		State:     model.StatePending,
		CreatedAt: time.Now(),
		Notify: model.NotifySpec{
			RunSuccess: []string{"x"},
			RunFailure: []string{"x"},
			JobSuccess: []string{"x"},
			JobFailure: []string{"x"},
		},
	}
	if mod != nil {
		mod(job)
	}
	require.NoError(t, f.store.Create(t.Context(), job))
}

// waitForRun blocks until the job has a live run of the attempt.
func (f fixture) waitForRun(t *testing.T, id string, attempt int) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := f.store.Get(t.Context(), id)
		if err != nil {
			return false
		}
		r := job.ActiveRun()
		return r != nil && r.Attempt == attempt && r.PID > 0
	}, 5*time.Second, 5*time.Millisecond)
}

func requestKill(t *testing.T, s store.Store, id string, kill model.KillRequest) {
	t.Helper()
	_, err := s.Update(t.Context(), id, func(j *model.Job) error {
		kill.RequestedAt = time.Now()
		j.Kill = &kill
		return nil
	})
	require.NoError(t, err)
}

func TestRun_FailsAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.submit(t, "00000001", []string{"exit 1"}, func(j *model.Job) {
		j.Retry.MaxAttempts = 3
	})

	job, err := f.engine.Run(t.Context(), "00000001")
	require.NoError(t, err)
	require.Equal(t, model.StateFailed, job.State)
	require.Len(t, job.Runs, 3)
	for i, r := range job.Runs {
		require.Equal(t, i+1, r.Attempt)
		require.NotNil(t, r.ExitCode)
		require.Equal(t, 1, *r.ExitCode)
		require.True(t, r.Ended())
	}
	require.Equal(t, "exit code 1 after 3 attempts", job.Reason)
	require.NotNil(t, job.TerminalAt)
	require.Equal(t, os.Getpid(), job.SupervisorPID)

	require.Equal(t, []model.EventKind{
		model.EventRunFailure,
		model.EventRunFailure,
		model.EventRunFailure,
		model.EventJobFailure,
	}, f.notifier.kinds())
}

func TestRun_SucceedsAtAttemptK(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.submit(t, "00000002", []string{`[ "$JOBMAN_ATTEMPT_NUM" -ge 2 ] && exit 42; exit 1`}, func(j *model.Job) {
		j.Retry.MaxAttempts = 5
		j.Retry.SuccessCodes = []int{0, 42}
	})

	job, err := f.engine.Run(t.Context(), "00000002")
	require.NoError(t, err)
	require.Equal(t, model.StateSucceeded, job.State)
	require.Len(t, job.Runs, 2)
	require.Equal(t, 42, *job.Runs[1].ExitCode)
	require.Empty(t, job.Reason)

	require.Equal(t, []model.EventKind{
		model.EventRunFailure,
		model.EventRunSuccess,
		model.EventJobSuccess,
	}, f.notifier.kinds())
	// notified only about persisted state
	for _, e := range f.notifier.events[1:] {
		require.Equal(t, model.StateSucceeded, e.stored)
	}
}

func TestRun_WaitForFileAndDuration(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	data := filepath.Join(t.TempDir(), "data.csv")
	abortAt := time.Now().Add(time.Hour)

	f.submit(t, "00000003", []string{`[ "$JOBMAN_ATTEMPT_NUM" -eq 5 ] && exit 42; exit 1`}, func(j *model.Job) {
		j.Wait.Files = []string{data}
		j.Wait.Duration = 300 * time.Millisecond
		j.Abort.Time = &abortAt
		j.Retry.MaxAttempts = 5
		j.Retry.SuccessCodes = []int{0, 42}
		j.Retry.Delay = 20 * time.Millisecond
	})

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.WriteFile(data, []byte("a,b\n"), 0o600)
	}()

	job, err := f.engine.Run(t.Context(), "00000003")
	require.NoError(t, err)
	require.Equal(t, model.StateSucceeded, job.State)
	require.Len(t, job.Runs, 5)

	// the duration binds the start, not the file
	require.GreaterOrEqual(t, job.Runs[0].StartedAt.Sub(job.CreatedAt), 300*time.Millisecond)
	for i := 1; i < len(job.Runs); i++ {
		gap := job.Runs[i].StartedAt.Sub(*job.Runs[i-1].EndedAt)
		require.GreaterOrEqual(t, gap, 20*time.Millisecond, "gap before attempt %d", i+1)
	}
	require.Equal(t, 42, *job.Runs[4].ExitCode)
}

func TestRun_AbortBeforeWait(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.submit(t, "00000004", []string{"true"}, func(j *model.Job) {
		j.Wait.Files = []string{filepath.Join(t.TempDir(), "never")}
		j.Abort.Duration = 50 * time.Millisecond
	})

	job, err := f.engine.Run(t.Context(), "00000004")
	require.NoError(t, err)
	require.Equal(t, model.StateAborted, job.State)
	require.Empty(t, job.Runs)
	require.Nil(t, job.StartedAt)
	require.NotNil(t, job.TerminalAt)
	require.Equal(t, []model.EventKind{model.EventJobFailure}, f.notifier.kinds())
}

func TestRun_AbortWinsTies(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	past := time.Now().Add(-time.Minute)
	f.submit(t, "00000005", []string{"true"}, func(j *model.Job) {
		j.Wait.Time = &past
		j.Abort.Time = &past
	})

	job, err := f.engine.Run(t.Context(), "00000005")
	require.NoError(t, err)
	require.Equal(t, model.StateAborted, job.State)
	require.Empty(t, job.Runs)
}

func TestRun_KillRunning(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.submit(t, "00000006", []string{"sleep 30"}, func(j *model.Job) {
		j.Retry.MaxAttempts = 3
	})

	type result struct {
		job *model.Job
		err error
	}
	done := make(chan result, 1)
	go func() {
		job, err := f.engine.Run(t.Context(), "00000006")
		done <- result{job, err}
	}()

	f.waitForRun(t, "00000006", 1)
	requestKill(t, f.store, "00000006", model.KillRequest{Signal: "SIGTERM"})

	res := <-done
	require.NoError(t, res.err)
	job := res.job
	require.Equal(t, model.StateKilled, job.State)
	require.Len(t, job.Runs, 1)
	require.Equal(t, "SIGTERM", job.Runs[0].Signal)
	require.Nil(t, job.Runs[0].ExitCode)
	require.Equal(t, "killed by SIGTERM", job.Reason)
	require.Equal(t, []model.EventKind{model.EventJobFailure}, f.notifier.kinds())

	// running a terminal job changes nothing
	again, err := f.engine.Run(t.Context(), "00000006")
	require.NoError(t, err)
	require.Equal(t, job.TerminalAt, again.TerminalAt)
	require.Len(t, again.Runs, 1)
}

func TestRun_KillAllowRetries(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.submit(t, "00000007", []string{`[ "$JOBMAN_ATTEMPT_NUM" -eq 1 ] && sleep 30; exit 0`}, func(j *model.Job) {
		j.Retry.MaxAttempts = 2
	})

	done := make(chan *model.Job, 1)
	go func() {
		job, err := f.engine.Run(t.Context(), "00000007")
		if err != nil {
			t.Error(err)
		}
		done <- job
	}()

	f.waitForRun(t, "00000007", 1)
	requestKill(t, f.store, "00000007", model.KillRequest{Signal: "TERM", AllowRetries: true})

	job := <-done
	require.NotNil(t, job)
	require.Equal(t, model.StateSucceeded, job.State)
	require.Len(t, job.Runs, 2)
	require.Equal(t, "SIGTERM", job.Runs[0].Signal)
	require.Equal(t, 0, *job.Runs[1].ExitCode)
	require.True(t, job.Kill.Handled)
}

func TestRun_KillWhileWaitingNoNotify(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.submit(t, "00000008", []string{"true"}, func(j *model.Job) {
		j.Wait.Files = []string{filepath.Join(t.TempDir(), "never")}
	})

	done := make(chan *model.Job, 1)
	go func() {
		job, _ := f.engine.Run(t.Context(), "00000008")
		done <- job
	}()

	require.Eventually(t, func() bool {
		job, err := f.store.Get(t.Context(), "00000008")
		return err == nil && job.State == model.StateWaiting
	}, 5*time.Second, 5*time.Millisecond)
	requestKill(t, f.store, "00000008", model.KillRequest{Signal: "SIGTERM", NoNotify: true})

	job := <-done
	require.NotNil(t, job)
	require.Equal(t, model.StateKilled, job.State)
	require.Empty(t, job.Runs)
	require.Empty(t, f.notifier.kinds())
}

func TestRun_KilledBeforeStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.submit(t, "00000009", []string{"true"}, func(j *model.Job) {
		j.Kill = &model.KillRequest{Signal: "SIGTERM", RequestedAt: time.Now()}
	})
	job, err := f.engine.Run(t.Context(), "00000009")
	require.NoError(t, err)
	require.Equal(t, model.StateKilled, job.State)
	require.Empty(t, job.Runs)
}

func TestRun_SpawnError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.submit(t, "0000000a", []string{"/does/not/exist", "arg"}, func(j *model.Job) {
		j.Retry.MaxAttempts = 2
	})

	job, err := f.engine.Run(t.Context(), "0000000a")
	require.NoError(t, err)
	require.Equal(t, model.StateFailed, job.State)
	require.Len(t, job.Runs, 2)
	for _, r := range job.Runs {
		require.NotEmpty(t, r.Error)
		require.Nil(t, r.ExitCode)
		require.True(t, r.Ended())
	}
	require.Contains(t, job.Reason, "spawning /does/not/exist")
}

func TestRun_Timeout(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.submit(t, "0000000b", []string{"sleep 30"}, func(j *model.Job) {
		j.Retry.Timeout = 100 * time.Millisecond
	})

	job, err := f.engine.Run(t.Context(), "0000000b")
	require.NoError(t, err)
	require.Equal(t, model.StateFailed, job.State)
	require.Len(t, job.Runs, 1)
	require.True(t, job.Runs[0].TimedOut)
	require.Equal(t, "SIGKILL", job.Runs[0].Signal)
	require.Equal(t, "timed out", job.Reason)
}

func TestRun_Interrupted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.submit(t, "0000000c", []string{"sleep 30"}, func(j *model.Job) {
		j.Retry.MaxAttempts = 3
	})

	ctx, cancel := context.WithCancelCause(t.Context())
	done := make(chan *model.Job, 1)
	go func() {
		job, _ := f.engine.Run(ctx, "0000000c")
		done <- job
	}()
	f.waitForRun(t, "0000000c", 1)
	cancel(errors.New("received SIGTERM"))

	job := <-done
	require.NotNil(t, job)
	require.Equal(t, model.StateKilled, job.State)
	require.Len(t, job.Runs, 1)
	require.Equal(t, "supervisor interrupted: received SIGTERM", job.Reason)
}

func TestRun_Logs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.submit(t, "0000000d", []string{`echo "attempt $JOBMAN_ATTEMPT_NUM"; echo oops >&2`}, nil)

	_, err := f.engine.Run(t.Context(), "0000000d")
	require.NoError(t, err)

	recs, err := f.logs.Read(t.Context(), "0000000d", logstore.Query{})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	byStream := map[string]string{}
	for _, r := range recs {
		byStream[string(r.Stream)] = string(r.Data)
	}
	require.Equal(t, "attempt 1\n", byStream["stdout"])
	require.Equal(t, "oops\n", byStream["stderr"])
}

func TestRun_AbandonedRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.submit(t, "0000000e", []string{"true"}, func(j *model.Job) {
		now := time.Now()
		j.State = model.StateRunning
		j.StartedAt = &now
		j.Retry.MaxAttempts = 2
		j.Runs = []model.Run{{Attempt: 1, PID: 1 << 22, StartedAt: now}}
	})

	job, err := f.engine.Run(t.Context(), "0000000e")
	require.NoError(t, err)
	require.Equal(t, model.StateSucceeded, job.State)
	require.Len(t, job.Runs, 2)
	require.Equal(t, "supervisor lost", job.Runs[0].Error)
}

// flakyStore lets the first skip writes through, then fails the next
// failures writes.
type flakyStore struct {
	store.Store
	skip     atomic.Int32
	failures atomic.Int32
}

func (s *flakyStore) Update(ctx context.Context, id string, fn func(*model.Job) error) (*model.Job, error) {
	if s.skip.Add(-1) >= 0 {
		return s.Store.Update(ctx, id, fn)
	}
	if s.failures.Add(-1) >= 0 {
		return nil, errors.New("database is locked")
	}
	return s.Store.Update(ctx, id, fn)
}

func TestRun_StoreWriteRetried(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	mem := store.NewMemory()
	s := &flakyStore{Store: mem}
	s.failures.Store(2)
	require.NoError(t, mem.Create(t.Context(), &model.Job{
		ID: "0000000f", Command: []string{"true"}, Retry: model.DefaultRetrySpec(),
		State: model.StatePending, CreatedAt: time.Now(),
	}))

	e := engine.New(engine.Config{
		Store:        s,
		PollInterval: poll,
		StoreRetry:   engine.StoreRetry{Initial: time.Millisecond, Max: time.Millisecond, Attempts: 3},
	})
	job, err := e.Run(t.Context(), "0000000f")
	require.NoError(t, err)
	require.Equal(t, model.StateSucceeded, job.State)
}

func TestRun_StoreWriteError(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	s := &flakyStore{Store: mem}
	s.failures.Store(1000)
	require.NoError(t, mem.Create(t.Context(), &model.Job{
		ID: "00000010", Command: []string{"true"}, Retry: model.DefaultRetrySpec(),
		State: model.StatePending, CreatedAt: time.Now(),
	}))

	e := engine.New(engine.Config{
		Store:        s,
		PollInterval: poll,
		StoreRetry:   engine.StoreRetry{Initial: time.Millisecond, Max: time.Millisecond, Attempts: 2},
	})
	_, err := e.Run(t.Context(), "00000010")
	var werr *engine.StoreWriteError
	require.ErrorAs(t, err, &werr)
	require.Equal(t, "00000010", werr.JobID)

	// the last write failed too, nothing happened to the job
	job, err := mem.Get(t.Context(), "00000010")
	require.NoError(t, err)
	require.Equal(t, model.StatePending, job.State)
	require.Empty(t, job.Runs)
}

func TestRun_StoreWriteGiveUp(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	var tests = []struct {
		scenario string
		id       string
		skip     int32
		state    model.State
		runs     int
	}{
		// claim of the job fails
		{"pending", "00000011", 0, model.StateKilled, 0},
		// end of the run fails, writes: claim, running, run started
		{"running", "00000012", 3, model.StateFailed, 1},
	}
	for _, tt := range tests {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			mem := store.NewMemory()
			s := &flakyStore{Store: mem}
			s.skip.Store(tt.skip)
			// one more than the regular budget, the store recovers for the last write
			s.failures.Store(3)
			require.NoError(t, mem.Create(t.Context(), &model.Job{
				ID: tt.id, Command: []string{"true"}, Retry: model.DefaultRetrySpec(),
				State: model.StatePending, CreatedAt: time.Now(),
			}))

			e := engine.New(engine.Config{
				Store:        s,
				PollInterval: poll,
				StoreRetry:   engine.StoreRetry{Initial: time.Millisecond, Max: time.Millisecond, Attempts: 2},
			})
			final, err := e.Run(t.Context(), tt.id)
			var werr *engine.StoreWriteError
			require.ErrorAs(t, err, &werr)
			require.NotNil(t, final)

			job, err := mem.Get(t.Context(), tt.id)
			require.NoError(t, err)
			require.Equal(t, tt.state, job.State)
			require.Regexp(t, "^store write failed: ", job.Reason)
			require.NotNil(t, job.TerminalAt)
			require.Len(t, job.Runs, tt.runs)
			require.Nil(t, job.ActiveRun())
		})
	}
}

func TestRun_NotFound(t *testing.T) {
	t.Parallel()
	e := engine.New(engine.Config{Store: store.NewMemory()})
	_, err := e.Run(t.Context(), "nope")
	require.ErrorIs(t, err, store.ErrNotFound)
}
