package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/CZERTAINLY/Jobman/internal/log"
	"github.com/CZERTAINLY/Jobman/internal/logstore"
	"github.com/CZERTAINLY/Jobman/internal/model"
	"github.com/CZERTAINLY/Jobman/internal/service"

	"github.com/spf13/cobra"
)

type runFlags struct {
	waitTime     *timeFlag
	waitDuration durationFlag
	waitFiles    []string
	waitCron     string

	abortTime     *timeFlag
	abortDuration durationFlag
	abortFiles    []string

	retryAttempts int
	retryDelay    durationFlag
	expoBackoff   bool
	jitter        bool
	timeout       durationFlag
	successCodes  []int

	notify map[model.EventKind]*[]string

	follow bool
}

func newRunFlags() *runFlags {
	return &runFlags{
		waitTime:  newTimeFlag(),
		abortTime: newTimeFlag(),
		notify: map[model.EventKind]*[]string{
			model.EventRunSuccess:    new([]string),
			model.EventRunFailure:    new([]string),
			model.EventRunCompletion: new([]string),
			model.EventJobSuccess:    new([]string),
			model.EventJobFailure:    new([]string),
			model.EventJobCompletion: new([]string),
		},
	}
}

func newRunCmd() *cobra.Command {
	f := newRunFlags()
	cmd := &cobra.Command{
		Use:   "run [flags] -- command [args...]",
		Short: "run a command in the background, prints id of the job",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRun(cmd, f, args)
		},
	}
	return bindRunFlags(cmd, f)
}

func bindRunFlags(cmd *cobra.Command, f *runFlags) *cobra.Command {
	// everything after the command belongs to it
	cmd.Flags().SetInterspersed(false)

	fl := cmd.Flags()
	fl.Var(f.waitTime, "wait-time", "wait until this time before the first run")
	fl.Var(&f.waitDuration, "wait-duration", "wait this long before the first run")
	fl.StringArrayVar(&f.waitFiles, "wait-for-file", nil, "wait for the file to exist before the first run, can be repeated")
	fl.StringVar(&f.waitCron, "wait-cron", "", "wait for the next time matching the cron expression")
	fl.Var(f.abortTime, "abort-time", "abort the job if it is still waiting at this time")
	fl.Var(&f.abortDuration, "abort-duration", "abort the job if it is still waiting after this long")
	fl.StringArrayVar(&f.abortFiles, "abort-for-file", nil, "abort the waiting job once the file exists, can be repeated")
	fl.IntVar(&f.retryAttempts, "retry-attempts", 0, "number of retries after the first run fails")
	fl.Var(&f.retryDelay, "retry-delay", "delay between runs")
	fl.BoolVar(&f.expoBackoff, "retry-expo-backoff", false, "double the delay after every run")
	fl.BoolVar(&f.jitter, "retry-jitter", false, "randomize the delay by up to 10%")
	fl.Var(&f.timeout, "timeout", "kill a run taking longer than this")
	fl.IntSliceVarP(&f.successCodes, "success-code", "c", []int{0}, "exit codes counted as a success")
	for _, kind := range []model.EventKind{
		model.EventRunSuccess,
		model.EventRunFailure,
		model.EventRunCompletion,
		model.EventJobSuccess,
		model.EventJobFailure,
		model.EventJobCompletion,
	} {
		fl.StringArrayVar(f.notify[kind], notifyFlag(kind), nil, "notification sink for "+string(kind)+" events, can be repeated")
	}
	fl.BoolVar(&f.follow, "follow", false, "stream the output of the job until it finishes")
	return cmd
}

// notifyFlag turns run_success into notify-on-run-success.
func notifyFlag(kind model.EventKind) string {
	b := []byte("notify-on-" + string(kind))
	for i, c := range b {
		if c == '_' {
			b[i] = '-'
		}
	}
	return string(b)
}

func (f *runFlags) request(argv []string) (service.SubmitRequest, error) {
	if f.retryAttempts < 0 {
		return service.SubmitRequest{}, usageError{msg: "--retry-attempts must not be negative"}
	}
	dir, err := os.Getwd()
	if err != nil {
		return service.SubmitRequest{}, err
	}
	req := service.SubmitRequest{
		Command: slices.Clone(argv),
		Dir:     dir,
		Wait: model.WaitSpec{
			Duration: f.waitDuration.d,
			Time:     f.waitTime.t,
			Files:    f.waitFiles,
			Cron:     f.waitCron,
		},
		Abort: model.AbortSpec{
			Duration: f.abortDuration.d,
			Time:     f.abortTime.t,
			Files:    f.abortFiles,
		},
		Retry: model.RetrySpec{
			MaxAttempts:  f.retryAttempts + 1,
			Delay:        f.retryDelay.d,
			ExpoBackoff:  f.expoBackoff,
			Jitter:       f.jitter,
			SuccessCodes: f.successCodes,
			Timeout:      f.timeout.d,
		},
		Notify: model.NotifySpec{
			RunSuccess:    *f.notify[model.EventRunSuccess],
			RunFailure:    *f.notify[model.EventRunFailure],
			RunCompletion: *f.notify[model.EventRunCompletion],
			JobSuccess:    *f.notify[model.EventJobSuccess],
			JobFailure:    *f.notify[model.EventJobFailure],
			JobCompletion: *f.notify[model.EventJobCompletion],
		},
	}
	return req, nil
}

func doRun(cmd *cobra.Command, f *runFlags, args []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("jobman",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	req, err := f.request(args)
	if err != nil {
		return err
	}
	argv, err := service.SupervisorArgv(configPath)
	if err != nil {
		return err
	}
	svc, err := openService(ctx, service.WithSupervisor(argv...))
	if err != nil {
		return err
	}
	defer func() {
		_ = svc.Close()
	}()

	job, err := svc.Submit(ctx, req)
	if err != nil {
		return err
	}
	submitted := job
	job, err = svc.Detach(ctx, submitted)
	if err != nil {
		return errors.Join(err, failDetached(cmd, svc, submitted.ID))
	}

	out := cmd.OutOrStdout()
	if flagJSON {
		if err := printJSON(out, job); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(out, job.ID)
	}
	if !f.follow {
		return nil
	}
	pr := newRecordPrinter(out, true)
	err = svc.Logs(ctx, job.ID, logstore.Query{}, true, pr.Print)
	if cerr := pr.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	job, err = svc.Get(ctx, job.ID)
	if err != nil {
		return err
	}
	if job.State != model.StateSucceeded {
		return fmt.Errorf("job %s %s: %s", job.ID, job.State, job.Reason)
	}
	return nil
}

// failDetached finishes a job nobody is going to supervise.
func failDetached(cmd *cobra.Command, svc *service.Service, id string) error {
	_, err := svc.Kill(cmd.Context(), id, service.KillOptions{Force: true, NoNotify: true})
	return err
}
