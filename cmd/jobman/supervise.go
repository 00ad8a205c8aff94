package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CZERTAINLY/Jobman/internal/engine"
	"github.com/CZERTAINLY/Jobman/internal/log"
	"github.com/CZERTAINLY/Jobman/internal/notify"
	"github.com/CZERTAINLY/Jobman/internal/service"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// notificationGrace bounds the wait for notifications still in flight when
// the job is over.
const notificationGrace = time.Minute

var superviseCmd = &cobra.Command{
	Use:    service.SuperviseCommand + " ID",
	Short:  "internal command",
	Args:   cobra.ExactArgs(1),
	RunE:   doSupervise,
	Hidden: true,
}

func doSupervise(cmd *cobra.Command, args []string) error {
	id := args[0]
	ctx, cancel := context.WithCancelCause(cmd.Context())
	defer cancel(nil)

	// the session has no terminal, a stray hangup must not kill the job
	signal.Ignore(syscall.SIGHUP)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigs)
	go func() {
		select {
		case sig := <-sigs:
			cancel(fmt.Errorf("received %s", sig))
		case <-ctx.Done():
		}
	}()

	svc, err := openService(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = svc.Close()
	}()

	f, err := log.File(config.LogPath(), svc.HostID(), id)
	if err != nil {
		slog.WarnContext(ctx, "supervisor logs stay on stderr", "error", err)
	} else {
		defer func() {
			_ = f.Close()
		}()
		slog.SetDefault(log.New(f, config.Verbose))
	}

	attrs := slog.Group("jobman",
		slog.String("cmd", service.SuperviseCommand),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	var notifier engine.Notifier
	dispatcher, err := notify.FromConfig(config.NotificationSinks)
	if err != nil {
		slog.ErrorContext(ctx, "notifications are disabled", "error", err)
	} else {
		notifier = dispatcher
	}

	var g errgroup.Group
	g.Go(func() error {
		purged, err := svc.GC(context.WithoutCancel(ctx), config.Expiry())
		if err != nil {
			slog.WarnContext(ctx, "log gc failed", "error", err)
		}
		if len(purged) > 0 {
			slog.InfoContext(ctx, "log gc", "purged", len(purged))
		}
		return nil
	})

	job, err := svc.Supervise(ctx, id, notifier)
	if err != nil {
		slog.ErrorContext(ctx, "supervising failed", "job_id", id, "error", err)
	} else {
		slog.InfoContext(ctx, "job finished", "job_id", id, "state", job.State.String(), "reason", job.Reason)
	}

	if dispatcher != nil {
		cctx, ccancel := context.WithTimeout(context.WithoutCancel(ctx), notificationGrace)
		defer ccancel()
		if cerr := dispatcher.Close(cctx); cerr != nil {
			slog.WarnContext(ctx, "closing notification sinks", "error", cerr)
		}
	}
	_ = g.Wait()
	return err
}
