// Package notify delivers job events to the sinks configured by the user.
// Delivery is best effort: errors are logged, never returned to the engine.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/CZERTAINLY/Jobman/internal/model"
)

// Sink delivers an event to one notification target.
type Sink interface {
	Notify(ctx context.Context, event Event) error
}

// Event is what a sink receives about a run or a job.
type Event struct {
	Kind     model.EventKind `json:"kind"`
	JobID    string          `json:"job_id"`
	HostID   string          `json:"host_id"`
	Command  []string        `json:"command"`
	State    model.State     `json:"state"`
	Reason   string          `json:"reason,omitempty"`
	Attempt  int             `json:"attempt,omitempty"`
	ExitCode *int            `json:"exit_code,omitempty"`
	Signal   string          `json:"signal,omitempty"`
	Time     time.Time       `json:"time"`
}

// NewEvent describes the job and its last run.
func NewEvent(kind model.EventKind, job *model.Job, now time.Time) Event {
	e := Event{
		Kind:    kind,
		JobID:   job.ID,
		HostID:  job.HostID,
		Command: append([]string(nil), job.Command...),
		State:   job.State,
		Reason:  job.Reason,
		Time:    now,
	}
	if r := job.LastRun(); r != nil {
		e.Attempt = r.Attempt
		e.Signal = r.Signal
		if r.ExitCode != nil {
			code := *r.ExitCode
			e.ExitCode = &code
		}
	}
	return e
}

func (e Event) Success() bool {
	return e.Kind == model.EventRunSuccess || e.Kind == model.EventJobSuccess
}

// Subject is a one line summary, e.g. "jobman: job 1a2b3c4d failed".
func (e Event) Subject() string {
	what := "job"
	if e.Kind == model.EventRunSuccess || e.Kind == model.EventRunFailure || e.Kind == model.EventRunCompletion {
		what = "run " + strconv.Itoa(e.Attempt) + " of job"
	}
	outcome := "failed"
	if e.Success() {
		outcome = "succeeded"
	}
	return fmt.Sprintf("jobman: %s %s %s", what, e.JobID, outcome)
}

// Text is a plain text body for human readers.
func (e Event) Text() string {
	var sb strings.Builder
	sb.WriteString(e.Subject())
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "Command: %s\n", strings.Join(e.Command, " "))
	fmt.Fprintf(&sb, "State: %s\n", e.State)
	if e.Attempt > 0 {
		fmt.Fprintf(&sb, "Attempt: %d\n", e.Attempt)
	}
	if e.ExitCode != nil {
		fmt.Fprintf(&sb, "Exit code: %d\n", *e.ExitCode)
	}
	if e.Signal != "" {
		fmt.Fprintf(&sb, "Signal: %s\n", e.Signal)
	}
	if e.Reason != "" {
		fmt.Fprintf(&sb, "Reason: %s\n", e.Reason)
	}
	fmt.Fprintf(&sb, "Host: %s\n", e.HostID)
	fmt.Fprintf(&sb, "Time: %s\n", e.Time.Format(time.RFC3339))
	return sb.String()
}

// Env returns the event as JOBMAN_* environment variables.
func (e Event) Env() []string {
	env := []string{
		"JOBMAN_EVENT=" + string(e.Kind),
		"JOBMAN_JOB_ID=" + e.JobID,
		"JOBMAN_HOST_ID=" + e.HostID,
		"JOBMAN_STATE=" + string(e.State),
		"JOBMAN_COMMAND=" + strings.Join(e.Command, " "),
		"JOBMAN_SUBJECT=" + e.Subject(),
	}
	if e.Attempt > 0 {
		env = append(env, "JOBMAN_ATTEMPT_NUM="+strconv.Itoa(e.Attempt))
	}
	if e.ExitCode != nil {
		env = append(env, "JOBMAN_EXIT_CODE="+strconv.Itoa(*e.ExitCode))
	}
	if e.Signal != "" {
		env = append(env, "JOBMAN_SIGNAL="+e.Signal)
	}
	if e.Reason != "" {
		env = append(env, "JOBMAN_REASON="+e.Reason)
	}
	return env
}

// NotificationError is a failed delivery.
type NotificationError struct {
	Sink  string
	Kind  model.EventKind
	JobID string
	Err   error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notifying %s about %s of job %s: %v", e.Sink, e.Kind, e.JobID, e.Err)
}

func (e *NotificationError) Unwrap() error {
	return e.Err
}
