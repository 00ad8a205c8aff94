package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/CZERTAINLY/Jobman/internal/logstore"
	"github.com/CZERTAINLY/Jobman/internal/model"

	"github.com/docker/go-units"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// recordPrinter prints log records joined back into lines, with the time
// and stream in front of each line when prefix is set.
type recordPrinter struct {
	w      io.Writer
	prefix bool
	open   *logstore.Record // last record, its line goes on
}

func newRecordPrinter(w io.Writer, prefix bool) *recordPrinter {
	return &recordPrinter{w: w, prefix: prefix}
}

func (p *recordPrinter) Print(r logstore.Record) error {
	if flagJSON {
		return json.NewEncoder(p.w).Encode(r)
	}
	var buf bytes.Buffer
	cont := p.open != nil && p.open.Stream == r.Stream && p.open.Attempt == r.Attempt
	if p.open != nil && !cont {
		buf.WriteByte('\n')
	}
	if p.prefix && !cont {
		fmt.Fprintf(&buf, "%s %s[%d] ", r.TS.Local().Format(time.DateTime), r.Stream, r.Attempt)
	}
	buf.Write(r.Data)
	p.open = nil
	if r.Partial() {
		p.open = &r
	}
	_, err := p.w.Write(buf.Bytes())
	return err
}

// Close ends the line the last record left open.
func (p *recordPrinter) Close() error {
	if p.open == nil {
		return nil
	}
	p.open = nil
	_, err := io.WriteString(p.w, "\n")
	return err
}

func printJobs(w io.Writer, jobs []*model.Job, now time.Time) error {
	if flagJSON {
		return printJSON(w, jobs)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tRUNS\tCREATED\tCOMMAND")
	for _, job := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s ago\t%s\n",
			job.ID,
			job.State,
			len(job.Runs),
			units.HumanDuration(now.Sub(job.CreatedAt)),
			shorten(strings.Join(job.Command, " "), 50),
		)
	}
	return tw.Flush()
}

func printJob(w io.Writer, job *model.Job, logSize int64, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 4, 1, ' ', 0)
	row := func(k, v string) {
		if v != "" {
			fmt.Fprintf(tw, "%s:\t%s\n", k, v)
		}
	}
	row("id", job.ID)
	row("host", job.HostID)
	row("command", strings.Join(job.Command, " "))
	row("dir", job.Dir)
	row("state", job.State.String())
	row("reason", job.Reason)
	row("created", when(job.CreatedAt, now))
	if job.StartedAt != nil {
		row("started", when(*job.StartedAt, now))
	}
	if job.TerminalAt != nil {
		row("finished", when(*job.TerminalAt, now))
	}
	row("wait", waitText(job.Wait))
	row("abort", abortText(job.Abort))
	row("attempts", fmt.Sprintf("%d of %d", len(job.Runs), job.Retry.MaxAttempts))
	if job.SupervisorPID != 0 {
		row("supervisor", strconv.Itoa(job.SupervisorPID))
	}
	if job.Kill != nil {
		row("kill", job.Kill.Signal+" requested "+when(job.Kill.RequestedAt, now))
	}
	row("logs", units.HumanSize(float64(logSize)))
	_ = tw.Flush()

	if len(job.Runs) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tPID\tSTARTED\tDURATION\tRESULT")
	for _, r := range job.Runs {
		end := now
		if r.EndedAt != nil {
			end = *r.EndedAt
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\n",
			r.Attempt,
			r.PID,
			r.StartedAt.Local().Format(time.DateTime),
			units.HumanDuration(end.Sub(r.StartedAt)),
			runResult(r),
		)
	}
	_ = tw.Flush()
}

func runResult(r model.Run) string {
	switch {
	case r.Error != "":
		return r.Error
	case r.Signal != "" && r.TimedOut:
		return "timed out (" + r.Signal + ")"
	case r.Signal != "":
		return "killed by " + r.Signal
	case r.ExitCode != nil:
		return "exit code " + strconv.Itoa(*r.ExitCode)
	case r.EndedAt == nil:
		return "running"
	default:
		return "unknown"
	}
}

func when(t, now time.Time) string {
	return t.Local().Format(time.DateTime) + " (" + units.HumanDuration(now.Sub(t)) + " ago)"
}

func waitText(w model.WaitSpec) string {
	var parts []string
	if w.Duration > 0 {
		parts = append(parts, "for "+w.Duration.String())
	}
	if w.Time != nil {
		parts = append(parts, "until "+w.Time.Local().Format(time.DateTime))
	}
	if w.Cron != "" {
		parts = append(parts, "cron "+w.Cron)
	}
	for _, f := range w.Files {
		parts = append(parts, "file "+f)
	}
	return strings.Join(parts, ", ")
}

func abortText(a model.AbortSpec) string {
	return waitText(model.WaitSpec{Duration: a.Duration, Time: a.Time, Files: a.Files})
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
