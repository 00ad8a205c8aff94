package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/CZERTAINLY/Jobman/internal/service"

	"github.com/spf13/cobra"
)

func newKillCmd() *cobra.Command {
	var opts service.KillOptions
	cmd := &cobra.Command{
		Use:   "kill ID...",
		Short: "kill jobs",
		Args:  cobra.MinimumNArgs(1),
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
			results := make(map[string]service.KillResult, len(args))
			var errs []error
			for _, id := range args {
				res, err := svc.Kill(ctx, id, opts)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", id, err))
					continue
				}
				results[id] = res
				if flagJSON {
					continue
				}
				switch {
				case res.AlreadyTerminal:
					fmt.Fprintf(out, "%s: already finished\n", id)
				case res.Finalized:
					fmt.Fprintf(out, "%s: killed\n", id)
				default:
					fmt.Fprintf(out, "%s: kill requested\n", id)
				}
			}
			if flagJSON {
				if err := printJSON(out, results); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&opts.Signal, "signal", "s", "TERM", "signal to send to the run")
	fl.BoolVar(&opts.AllowRetries, "allow-retries", false, "kill the current run only, the job may retry")
	fl.BoolVar(&opts.Force, "force", false, "send KILL and finish the job even if its supervisor is gone")
	fl.BoolVar(&opts.NoNotify, "no-notify", false, "do not send the job failure notification")
	return cmd
}

func newPurgeCmd() *cobra.Command {
	var req service.PurgeRequest
	since := newTimeFlag()
	until := newTimeFlag()
	cmd := &cobra.Command{
		Use:   "purge [ID...]",
		Short: "remove logs, and with --metadata records, of finished jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.IDs = args
			req.Since = since.Time()
			req.Until = until.Time()
			if (len(req.IDs) > 0) == req.All {
				return usageError{msg: "must supply either job ids or --all, but not both"}
			}

			ctx := cmd.Context()
			svc, err := openService(ctx)
			if err != nil {
				return err
			}
			defer func() {
				_ = svc.Close()
			}()

			res, err := svc.Purge(ctx, req)
			out := cmd.OutOrStdout()
			if flagJSON {
				return errors.Join(err, printJSON(out, res))
			}
			if len(res.Purged) > 0 {
				fmt.Fprintf(out, "purged: %s\n", strings.Join(res.Purged, " "))
			}
			if len(res.Skipped) > 0 {
				fmt.Fprintf(out, "skipped (not finished, use --force): %s\n", strings.Join(res.Skipped, " "))
			}
			return err
		},
	}
	fl := cmd.Flags()
	fl.BoolVarP(&req.All, "all", "a", false, "purge all jobs")
	fl.BoolVar(&req.Metadata, "metadata", false, "remove job records as well")
	fl.BoolVar(&req.Force, "force", false, "purge jobs which did not finish")
	fl.Var(since, "since", "purge jobs created at or after this time")
	fl.Var(until, "until", "purge jobs created at or before this time")
	return cmd
}

func newResetCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "remove all jobs, logs and supervisor logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return usageError{msg: "reset removes everything in " + config.Storage() + ", confirm with --force"}
			}
			ctx := cmd.Context()
			svc, err := openService(ctx)
			if err != nil {
				return err
			}
			defer func() {
				_ = svc.Close()
			}()
			return svc.Reset(ctx)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "confirm the reset")
	return cmd
}
