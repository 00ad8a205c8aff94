package service_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/CZERTAINLY/Jobman/internal/logstore"
	"github.com/CZERTAINLY/Jobman/internal/model"
	"github.com/CZERTAINLY/Jobman/internal/runner"
	"github.com/CZERTAINLY/Jobman/internal/service"
	"github.com/CZERTAINLY/Jobman/internal/store"

	"github.com/stretchr/testify/require"
)

const hostID = "0123456789ab"

type fixture struct {
	cfg   model.Config
	store *store.Memory
	logs  *logstore.Store
	svc   *service.Service
}

func newFixture(t *testing.T, opts ...service.Option) fixture {
	t.Helper()
	poll := model.Duration(10 * time.Millisecond)
	cfg := model.Config{
		StoragePath:  t.TempDir(),
		PollInterval: &poll,
		NotificationSinks: []model.Sink{
			{Name: "audit", Type: model.SinkTypeFile, Path: filepath.Join(t.TempDir(), "audit.jsonl")},
		},
	}
	st := store.NewMemory()
	logs, err := logstore.New(cfg.StdioPath())
	require.NoError(t, err)
	opts = append([]service.Option{service.WithHostID(hostID)}, opts...)
	svc := service.New(cfg, st, logs, opts...)
	t.Cleanup(func() {
		_ = svc.Close()
	})
	return fixture{cfg: cfg, store: st, logs: logs, svc: svc}
}

// finished stores a job in a terminal state
func (f fixture) finished(t *testing.T, id string, at time.Time) *model.Job {
	t.Helper()
	job := &model.Job{
		ID:         id,
		HostID:     hostID,
		Command:    []string{"true"},
		State:      model.StateSucceeded,
		CreatedAt:  at,
		TerminalAt: &at,
		Retry:      model.DefaultRetrySpec(),
	}
	require.NoError(t, f.store.Create(t.Context(), job))
	return job
}

func (f fixture) pending(t *testing.T, id string) *model.Job {
	t.Helper()
	job := &model.Job{
		ID:        id,
		HostID:    hostID,
		Command:   []string{"true"},
		State:     model.StatePending,
		CreatedAt: time.Now(),
		Retry:     model.DefaultRetrySpec(),
	}
	require.NoError(t, f.store.Create(t.Context(), job))
	return job
}

func (f fixture) writeLog(t *testing.T, id string, attempt int, line string) {
	t.Helper()
	w, err := f.logs.Writer(id, attempt)
	require.NoError(t, err)
	require.NoError(t, w.Write(runner.Stdout, time.Now(), []byte(line+"\n")))
	require.NoError(t, w.Close())
}

func requireSh(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return sh
}

func TestSubmit(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 1, 10, 7, 30, 0, time.UTC)
	f := newFixture(t, service.WithClock(func() time.Time { return now }))
	dir := t.TempDir()

	job, err := f.svc.Submit(t.Context(), service.SubmitRequest{
		Command: []string{"echo", "hello"},
		Dir:     dir,
		Wait: model.WaitSpec{
			Files: []string{"ready"},
			Cron:  "*/15 * * * *",
		},
		Abort:  model.AbortSpec{Duration: time.Hour},
		Retry:  model.RetrySpec{SuccessCodes: []int{3, 0, 3}},
		Notify: model.NotifySpec{JobFailure: []string{"audit"}},
	})
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`^[0-9a-f]{8}$`), job.ID)
	require.Equal(t, model.StatePending, job.State)
	require.Equal(t, hostID, job.HostID)
	require.Equal(t, now, job.CreatedAt)
	require.Equal(t, 1, job.Retry.MaxAttempts)
	require.Equal(t, []int{0, 3}, job.Retry.SuccessCodes)
	require.Equal(t, []string{filepath.Join(dir, "ready")}, job.Wait.Files)
	require.NotNil(t, job.Wait.Time)
	require.Equal(t, time.Date(2025, 3, 1, 10, 15, 0, 0, time.UTC), *job.Wait.Time)

	stored, err := f.svc.Get(t.Context(), job.ID)
	require.NoError(t, err)
	require.Equal(t, job, stored)
}

func TestSubmit_CronAndTime(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 1, 10, 7, 30, 0, time.UTC)
	f := newFixture(t, service.WithClock(func() time.Time { return now }))

	later := now.Add(2 * time.Hour)
	earlier := now.Add(time.Minute)
	cases := []struct {
		scenario string
		given    *time.Time
		then     time.Time
	}{
		{"time_after_cron", &later, later},
		{"cron_after_time", &earlier, time.Date(2025, 3, 1, 10, 15, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			job, err := f.svc.Submit(t.Context(), service.SubmitRequest{
				Command: []string{"true"},
				Wait:    model.WaitSpec{Time: tc.given, Cron: "*/15 * * * *"},
			})
			require.NoError(t, err)
			require.Equal(t, tc.then, *job.Wait.Time)
		})
	}
}

func TestSubmit_Invalid(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.svc.Submit(t.Context(), service.SubmitRequest{})
	require.ErrorIs(t, err, model.ErrNoCommand)

	_, err = f.svc.Submit(t.Context(), service.SubmitRequest{
		Command: []string{"true"},
		Notify:  model.NotifySpec{RunSuccess: []string{"pager"}, JobSuccess: []string{"audit"}},
	})
	require.EqualError(t, err, `unknown notification sink "pager"`)

	_, err = f.svc.Submit(t.Context(), service.SubmitRequest{
		Command: []string{"true"},
		Wait:    model.WaitSpec{Cron: "61 * * * *"},
	})
	require.Error(t, err)

	jobs, err := f.svc.List(t.Context(), store.Filter{})
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestNewID(t *testing.T) {
	t.Parallel()
	seen := make(map[string]struct{})
	for range 100 {
		id := service.NewID()
		require.Len(t, id, 8)
		seen[id] = struct{}{}
	}
	require.Greater(t, len(seen), 90)
}

func TestHostID(t *testing.T) {
	t.Parallel()
	id := service.HostID()
	require.Regexp(t, regexp.MustCompile(`^[0-9a-f]{12}$`), id)
	require.Equal(t, id, service.HostID())
}

func TestKill_Terminal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.finished(t, "aaaa0001", time.Now())

	for range 2 {
		res, err := f.svc.Kill(t.Context(), "aaaa0001", service.KillOptions{})
		require.NoError(t, err)
		require.Equal(t, service.KillResult{AlreadyTerminal: true}, res)
	}
	job, err := f.svc.Get(t.Context(), "aaaa0001")
	require.NoError(t, err)
	require.Nil(t, job.Kill)
}

func TestKill_NotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.svc.Kill(t.Context(), "missing0", service.KillOptions{})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestKill_InvalidSignal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.pending(t, "aaaa0002")
	_, err := f.svc.Kill(t.Context(), "aaaa0002", service.KillOptions{Signal: "NOPE"})
	require.Error(t, err)

	job, err := f.svc.Get(t.Context(), "aaaa0002")
	require.NoError(t, err)
	require.Nil(t, job.Kill)
}

func TestKill_Request(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.pending(t, "aaaa0003")

	res, err := f.svc.Kill(t.Context(), "aaaa0003", service.KillOptions{Signal: "int", AllowRetries: true, NoNotify: true})
	require.NoError(t, err)
	require.Equal(t, service.KillResult{Killed: true}, res)

	job, err := f.svc.Get(t.Context(), "aaaa0003")
	require.NoError(t, err)
	require.Equal(t, model.StatePending, job.State)
	require.NotNil(t, job.Kill)
	require.Equal(t, "SIGINT", job.Kill.Signal)
	require.True(t, job.Kill.AllowRetries)
	require.True(t, job.Kill.NoNotify)
	require.False(t, job.Kill.Handled)
}

func TestKill_Force(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	job := f.pending(t, "aaaa0004")
	_, err := f.store.Update(t.Context(), job.ID, func(j *model.Job) error {
		if err := j.Transition(model.StateRunning, time.Now(), ""); err != nil {
			return err
		}
		// neither the run nor the supervisor exist
		j.Runs = []model.Run{{Attempt: 1, PID: 1 << 30, StartedAt: time.Now()}}
		return nil
	})
	require.NoError(t, err)

	res, err := f.svc.Kill(t.Context(), job.ID, service.KillOptions{Force: true})
	require.NoError(t, err)
	require.Equal(t, service.KillResult{Killed: true, Finalized: true}, res)

	job, err = f.svc.Get(t.Context(), job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateKilled, job.State)
	require.NotNil(t, job.TerminalAt)
	require.Len(t, job.Runs, 1)
	require.True(t, job.Runs[0].Ended())
	require.Equal(t, "SIGKILL", job.Runs[0].Signal)

	res, err = f.svc.Kill(t.Context(), job.ID, service.KillOptions{Force: true})
	require.NoError(t, err)
	require.True(t, res.AlreadyTerminal)
}

// running stores a running job whose run is a real process started in its
// own session.
func running(t *testing.T, f fixture, id, host string) *exec.Cmd {
	t.Helper()
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skipf("skipped, binary sleep not available: %v", err)
	}
	cmd := exec.Command(sleep, "30")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	started := time.Now()

	job := &model.Job{
		ID:        id,
		HostID:    host,
		Command:   cmd.Args,
		State:     model.StateRunning,
		CreatedAt: started,
		StartedAt: &started,
		Retry:     model.DefaultRetrySpec(),
		Runs:      []model.Run{{Attempt: 1, PID: cmd.Process.Pid, StartedAt: started}},
	}
	require.NoError(t, f.store.Create(t.Context(), job))
	return cmd
}

func TestKill_SignalsRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	cmd := running(t, f, "aaaa0005", hostID)

	res, err := f.svc.Kill(t.Context(), "aaaa0005", service.KillOptions{})
	require.NoError(t, err)
	require.True(t, res.Killed)
	require.False(t, res.Finalized)

	err = cmd.Wait()
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	require.True(t, ok)
	require.True(t, status.Signaled())
	require.Equal(t, syscall.SIGTERM, status.Signal())

	// the supervisor is gone, the request stays for it
	job, err := f.svc.Get(t.Context(), "aaaa0005")
	require.NoError(t, err)
	require.Equal(t, model.StateRunning, job.State)
	require.Equal(t, "SIGTERM", job.Kill.Signal)
}

func TestKill_OtherHost(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	cmd := running(t, f, "aaaa0006", "ffffffffffff")

	res, err := f.svc.Kill(t.Context(), "aaaa0006", service.KillOptions{Force: true})
	require.NoError(t, err)
	require.Equal(t, service.KillResult{Killed: true}, res)
	require.True(t, runner.ProcessAlive(t.Context(), cmd.Process.Pid, time.Time{}))

	job, err := f.svc.Get(t.Context(), "aaaa0006")
	require.NoError(t, err)
	require.Equal(t, model.StateRunning, job.State)
	require.NotNil(t, job.Kill)
}

func TestPurge(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	old := time.Now().Add(-48 * time.Hour)
	f.finished(t, "bbbb0001", old)
	f.finished(t, "bbbb0002", time.Now())
	f.pending(t, "bbbb0003")
	for _, id := range []string{"bbbb0001", "bbbb0002", "bbbb0003"} {
		f.writeLog(t, id, 1, "out of "+id)
	}

	_, err := f.svc.Purge(t.Context(), service.PurgeRequest{})
	require.ErrorIs(t, err, service.ErrPurgeSelection)
	_, err = f.svc.Purge(t.Context(), service.PurgeRequest{IDs: []string{"bbbb0001"}, All: true})
	require.ErrorIs(t, err, service.ErrPurgeSelection)
	_, err = f.svc.Purge(t.Context(), service.PurgeRequest{IDs: []string{"bbbb0001", "nope0000"}})
	require.ErrorIs(t, err, store.ErrNotFound)

	res, err := f.svc.Purge(t.Context(), service.PurgeRequest{All: true, Until: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	require.Equal(t, []string{"bbbb0001"}, res.Purged)
	require.Empty(t, res.Skipped)

	res, err = f.svc.Purge(t.Context(), service.PurgeRequest{All: true})
	require.NoError(t, err)
	require.Equal(t, []string{"bbbb0001", "bbbb0002"}, res.Purged)
	require.Equal(t, []string{"bbbb0003"}, res.Skipped)

	for _, id := range []string{"bbbb0001", "bbbb0002"} {
		size, err := f.svc.LogSize(id)
		require.NoError(t, err)
		require.Zero(t, size)
		_, err = f.svc.Get(t.Context(), id)
		require.NoError(t, err)
	}
	size, err := f.svc.LogSize("bbbb0003")
	require.NoError(t, err)
	require.NotZero(t, size)

	res, err = f.svc.Purge(t.Context(), service.PurgeRequest{IDs: []string{"bbbb0002", "bbbb0003"}, Metadata: true, Force: true})
	require.NoError(t, err)
	require.Equal(t, []string{"bbbb0002", "bbbb0003"}, res.Purged)
	for _, id := range []string{"bbbb0002", "bbbb0003"} {
		_, err = f.svc.Get(t.Context(), id)
		require.ErrorIs(t, err, store.ErrNotFound)
	}
}

func TestGC(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.finished(t, "cccc0001", time.Now().Add(-10*24*time.Hour))
	f.finished(t, "cccc0002", time.Now())
	for _, id := range []string{"cccc0001", "cccc0002", "orphan00"} {
		f.writeLog(t, id, 1, "x")
	}

	purged, err := f.svc.GC(t.Context(), 7*24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, []string{"cccc0001", "orphan00"}, purged)

	ids, err := f.logs.Jobs()
	require.NoError(t, err)
	require.Equal(t, []string{"cccc0002"}, ids)

	_, err = f.svc.Get(t.Context(), "cccc0001")
	require.NoError(t, err)
}

// racingStore runs after once a listing of the jobs is done.
type racingStore struct {
	store.Store
	after func()
}

func (s *racingStore) List(ctx context.Context, filter store.Filter) ([]*model.Job, error) {
	jobs, err := s.Store.List(ctx, filter)
	if s.after != nil {
		s.after()
		s.after = nil
	}
	return jobs, err
}

func TestGC_SubmitDuringScan(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.writeLog(t, "orphan00", 1, "x")

	st := &racingStore{Store: f.store}
	st.after = func() {
		// a job is submitted and starts writing its log
		f.pending(t, "ffff0001")
		f.writeLog(t, "ffff0001", 1, "x")
	}
	svc := service.New(f.cfg, st, f.logs, service.WithHostID(hostID))

	purged, err := svc.GC(t.Context(), 7*24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, []string{"orphan00"}, purged)

	ids, err := f.logs.Jobs()
	require.NoError(t, err)
	require.Equal(t, []string{"ffff0001"}, ids)
}

func TestReset(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.finished(t, "dddd0001", time.Now())
	f.pending(t, "dddd0002")
	f.writeLog(t, "dddd0001", 1, "x")
	f.writeLog(t, "orphan01", 1, "x")
	require.NoError(t, os.MkdirAll(filepath.Join(f.cfg.LogPath(), hostID), 0o750))

	require.NoError(t, f.svc.Reset(t.Context()))

	jobs, err := f.svc.List(t.Context(), store.Filter{})
	require.NoError(t, err)
	require.Empty(t, jobs)
	ids, err := f.logs.Jobs()
	require.NoError(t, err)
	require.Empty(t, ids)
	require.NoDirExists(t, f.cfg.LogPath())
}

func TestSupervise(t *testing.T) {
	t.Parallel()
	requireSh(t)
	f := newFixture(t)

	job, err := f.svc.Submit(t.Context(), service.SubmitRequest{
		Command: []string{`echo "$JOBMAN_JOB_ID"; echo oops >&2`},
	})
	require.NoError(t, err)

	var lines []string
	done := make(chan error, 1)
	go func() {
		done <- f.svc.Logs(t.Context(), job.ID, logstore.Query{}, true, func(r logstore.Record) error {
			lines = append(lines, string(r.Stream)+" "+strings.TrimSpace(string(r.Data)))
			return nil
		})
	}()

	final, err := f.svc.Supervise(t.Context(), job.ID, nil)
	require.NoError(t, err)
	require.Equal(t, model.StateSucceeded, final.State)
	require.Equal(t, os.Getpid(), final.SupervisorPID)

	require.NoError(t, <-done)
	require.ElementsMatch(t, []string{"stdout " + job.ID, "stderr oops"}, lines)

	waited, err := f.svc.WaitTerminal(t.Context(), job.ID)
	require.NoError(t, err)
	require.Equal(t, final, waited)
}

func TestWaitTerminal_Canceled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.pending(t, "eeee0001")

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	job, err := f.svc.WaitTerminal(ctx, "eeee0001")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, model.StatePending, job.State)
}

func TestDetach(t *testing.T) {
	t.Parallel()
	sh := requireSh(t)
	out := filepath.Join(t.TempDir(), "supervised")
	// $0 is the job id appended to the command
	f := newFixture(t, service.WithSupervisor(sh, "-c", `echo "$0" > `+out))
	job := f.pending(t, "ffff0001")

	detached, err := f.svc.Detach(t.Context(), job)
	require.NoError(t, err)
	require.NotZero(t, detached.SupervisorPID)

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(out)
		return err == nil && strings.TrimSpace(string(b)) == "ffff0001"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSupervisorArgv(t *testing.T) {
	t.Parallel()
	argv, err := service.SupervisorArgv("/etc/jobman.yaml")
	require.NoError(t, err)
	require.Len(t, argv, 4)
	require.Equal(t, []string{"--config", "/etc/jobman.yaml", service.SuperviseCommand}, argv[1:])
}
