package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/CZERTAINLY/Jobman/internal/logstore"
	"github.com/CZERTAINLY/Jobman/internal/model"
	"github.com/CZERTAINLY/Jobman/internal/runner"
	"github.com/CZERTAINLY/Jobman/internal/store"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status ID...",
		Aliases: []string{"show"},
		Short:   "show state and runs of jobs",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := openService(ctx)
			if err != nil {
				return err
			}
			defer func() {
				_ = svc.Close()
			}()

			out := cmd.OutOrStdout()
			var jobs []*model.Job
			var errs []error
			for i, id := range args {
				job, err := svc.Get(ctx, id)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", id, err))
					continue
				}
				if flagJSON {
					jobs = append(jobs, job)
					continue
				}
				size, err := svc.LogSize(id)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", id, err))
				}
				if i > 0 {
					fmt.Fprintln(out)
				}
				printJob(out, job, size, time.Now())
			}
			if flagJSON && len(jobs) > 0 {
				if err := printJSON(out, jobs); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
	}
}

func newLsCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "list jobs which did not finish yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := openService(ctx)
			if err != nil {
				return err
			}
			defer func() {
				_ = svc.Close()
			}()

			filter := store.Active()
			if all {
				filter = store.Filter{}
			}
			jobs, err := svc.List(ctx, filter)
			if err != nil {
				return err
			}
			return printJobs(cmd.OutOrStdout(), jobs, time.Now())
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "list finished jobs as well")
	return cmd
}

func newLogsCmd() *cobra.Command {
	var (
		hideStdout bool
		hideStderr bool
		follow     bool
		noPrefix   bool
		tail       int
		since      = newTimeFlag()
		until      = newTimeFlag()
	)
	cmd := &cobra.Command{
		Use:   "logs ID",
		Short: "print output of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if hideStdout && hideStderr {
				return usageError{msg: "--hide-stdout and --hide-stderr hide everything"}
			}
			q := logstore.Query{
				Tail:  tail,
				Since: since.Time(),
				Until: until.Time(),
			}
			switch {
			case hideStdout:
				q.Streams = []runner.Stream{runner.Stderr}
			case hideStderr:
				q.Streams = []runner.Stream{runner.Stdout}
			}

			ctx := cmd.Context()
			svc, err := openService(ctx)
			if err != nil {
				return err
			}
			defer func() {
				_ = svc.Close()
			}()
			pr := newRecordPrinter(cmd.OutOrStdout(), !noPrefix)
			err = svc.Logs(ctx, args[0], q, follow, pr.Print)
			if cerr := pr.Close(); err == nil {
				err = cerr
			}
			return err
		},
	}
	fl := cmd.Flags()
	fl.BoolVar(&hideStdout, "hide-stdout", false, "do not print standard output")
	fl.BoolVar(&hideStderr, "hide-stderr", false, "do not print standard error")
	fl.BoolVarP(&follow, "follow", "f", false, "keep printing new output until the job finishes")
	fl.BoolVar(&noPrefix, "no-log-prefix", false, "do not prefix lines with time and stream")
	fl.IntVarP(&tail, "tail", "n", 0, "print only the last N lines")
	fl.Var(since, "since", "print lines written at or after this time")
	fl.Var(until, "until", "print lines written at or before this time")
	return cmd
}
