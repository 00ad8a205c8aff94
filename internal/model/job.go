package model

import (
	"slices"
	"time"
)

// State is a state of a Job. See engine package for the transitions.
type State string

const (
	StatePending   State = "pending"
	StateWaiting   State = "waiting"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateAborted   State = "aborted"
	StateKilled    State = "killed"
)

var AllStates = []State{
	StatePending,
	StateWaiting,
	StateRunning,
	StateSucceeded,
	StateFailed,
	StateAborted,
	StateKilled,
}

func (s State) String() string {
	return string(s)
}

// Terminal reports whether the state is absorbing.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateAborted, StateKilled:
		return true
	default:
		return false
	}
}

func (s State) Valid() bool {
	return slices.Contains(AllStates, s)
}

type transition struct {
	from State
	to   State
}

var validTransitions = []transition{
	{from: StatePending, to: StateWaiting},
	{from: StatePending, to: StateRunning},
	{from: StatePending, to: StateKilled},
	{from: StateWaiting, to: StateRunning},
	{from: StateWaiting, to: StateAborted},
	{from: StateWaiting, to: StateKilled},
	{from: StateRunning, to: StateSucceeded},
	{from: StateRunning, to: StateFailed},
	{from: StateRunning, to: StateKilled},
}

// CanTransition returns true if a job in state from may move to state to.
func CanTransition(from, to State) bool {
	for _, t := range validTransitions {
		if t.from == from && t.to == to {
			return true
		}
	}
	return false
}

// WaitSpec holds the conditions gating the first run. All of them must hold.
type WaitSpec struct {
	Duration time.Duration `json:"duration,omitempty"`
	Time     *time.Time    `json:"time,omitempty"`
	Files    []string      `json:"files,omitempty"`
	Cron     string        `json:"cron,omitempty"` // already folded into Time on submission
}

func (w WaitSpec) IsZero() bool {
	return w.Duration == 0 && w.Time == nil && len(w.Files) == 0
}

// AbortSpec expires when any of its conditions hold.
type AbortSpec struct {
	Duration time.Duration `json:"duration,omitempty"`
	Time     *time.Time    `json:"time,omitempty"`
	Files    []string      `json:"files,omitempty"`
}

func (a AbortSpec) IsZero() bool {
	return a.Duration == 0 && a.Time == nil && len(a.Files) == 0
}

type RetrySpec struct {
	MaxAttempts  int           `json:"max_attempts"`
	Delay        time.Duration `json:"delay,omitempty"`
	ExpoBackoff  bool          `json:"expo_backoff,omitempty"`
	Jitter       bool          `json:"jitter,omitempty"`
	SuccessCodes []int         `json:"success_codes"`
	Timeout      time.Duration `json:"timeout,omitempty"` // per run, zero means none
}

// DefaultRetrySpec is a single attempt where only exit code 0 is a success.
func DefaultRetrySpec() RetrySpec {
	return RetrySpec{
		MaxAttempts:  1,
		SuccessCodes: []int{0},
	}
}

// Normalized fills in the defaults for zero values.
func (r RetrySpec) Normalized() RetrySpec {
	if r.MaxAttempts < 1 {
		r.MaxAttempts = 1
	}
	if len(r.SuccessCodes) == 0 {
		r.SuccessCodes = []int{0}
	}
	r.SuccessCodes = slices.Clone(r.SuccessCodes)
	slices.Sort(r.SuccessCodes)
	r.SuccessCodes = slices.Compact(r.SuccessCodes)
	return r
}

// EventKind names a point in a job life a sink can subscribe to.
type EventKind string

const (
	EventRunSuccess    EventKind = "run_success"
	EventRunFailure    EventKind = "run_failure"
	EventRunCompletion EventKind = "run_completion"
	EventJobSuccess    EventKind = "job_success"
	EventJobFailure    EventKind = "job_failure"
	EventJobCompletion EventKind = "job_completion"
)

// NotifySpec maps events to the configured sink names.
type NotifySpec struct {
	RunSuccess    []string `json:"run_success,omitempty"`
	RunFailure    []string `json:"run_failure,omitempty"`
	RunCompletion []string `json:"run_completion,omitempty"`
	JobSuccess    []string `json:"job_success,omitempty"`
	JobFailure    []string `json:"job_failure,omitempty"`
	JobCompletion []string `json:"job_completion,omitempty"`
}

// Sinks returns the deduplicated sink names subscribed to kind. Completion
// subscribers get both success and failure events.
func (n NotifySpec) Sinks(kind EventKind) []string {
	var ret []string
	switch kind {
	case EventRunSuccess:
		ret = append(ret, n.RunSuccess...)
		ret = append(ret, n.RunCompletion...)
	case EventRunFailure:
		ret = append(ret, n.RunFailure...)
		ret = append(ret, n.RunCompletion...)
	case EventJobSuccess:
		ret = append(ret, n.JobSuccess...)
		ret = append(ret, n.JobCompletion...)
	case EventJobFailure:
		ret = append(ret, n.JobFailure...)
		ret = append(ret, n.JobCompletion...)
	case EventRunCompletion:
		ret = append(ret, n.RunCompletion...)
	case EventJobCompletion:
		ret = append(ret, n.JobCompletion...)
	}
	slices.Sort(ret)
	return slices.Compact(ret)
}

// All returns every sink name subscribed to any event.
func (n NotifySpec) All() []string {
	var ret []string
	for _, s := range [][]string{n.RunSuccess, n.RunFailure, n.RunCompletion, n.JobSuccess, n.JobFailure, n.JobCompletion} {
		ret = append(ret, s...)
	}
	slices.Sort(ret)
	return slices.Compact(ret)
}

// KillRequest is written into the store by an external process and picked up
// by the engine owning the job on its next tick.
type KillRequest struct {
	Signal       string    `json:"signal"`
	AllowRetries bool      `json:"allow_retries,omitempty"`
	NoNotify     bool      `json:"no_notify,omitempty"`
	RequestedAt  time.Time `json:"requested_at"`
	// Handled is set by the engine once an AllowRetries request was applied
	// to a run, so the next attempt is not killed again.
	Handled bool `json:"handled,omitempty"`
}

// Run is a single execution attempt of a job command.
type Run struct {
	Attempt   int        `json:"attempt"`
	PID       int        `json:"pid,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	Signal    string     `json:"signal,omitempty"`
	Error     string     `json:"error,omitempty"`
	TimedOut  bool       `json:"timed_out,omitempty"`
}

func (r Run) Ended() bool {
	return r.EndedAt != nil
}

// Job is a unit of work submitted by a user with its whole history.
type Job struct {
	ID            string       `json:"id"`
	HostID        string       `json:"host_id"`
	Command       []string     `json:"command"`
	Dir           string       `json:"dir,omitempty"`
	Wait          WaitSpec     `json:"wait"`
	Abort         AbortSpec    `json:"abort"`
	Retry         RetrySpec    `json:"retry"`
	Notify        NotifySpec   `json:"notify"`
	State         State        `json:"state"`
	Reason        string       `json:"reason,omitempty"`
	Runs          []Run        `json:"runs"`
	SupervisorPID int          `json:"supervisor_pid,omitempty"`
	Kill          *KillRequest `json:"kill,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
	TerminalAt    *time.Time   `json:"terminal_at,omitempty"`
}

// Clone returns a deep copy, so snapshots handed out never alias the owner.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Command = slices.Clone(j.Command)
	c.Wait.Files = slices.Clone(j.Wait.Files)
	c.Wait.Time = clonePtr(j.Wait.Time)
	c.Abort.Files = slices.Clone(j.Abort.Files)
	c.Abort.Time = clonePtr(j.Abort.Time)
	c.Retry.SuccessCodes = slices.Clone(j.Retry.SuccessCodes)
	c.Notify = NotifySpec{
		RunSuccess:    slices.Clone(j.Notify.RunSuccess),
		RunFailure:    slices.Clone(j.Notify.RunFailure),
		RunCompletion: slices.Clone(j.Notify.RunCompletion),
		JobSuccess:    slices.Clone(j.Notify.JobSuccess),
		JobFailure:    slices.Clone(j.Notify.JobFailure),
		JobCompletion: slices.Clone(j.Notify.JobCompletion),
	}
	if j.Runs != nil {
		c.Runs = make([]Run, len(j.Runs))
		for i, r := range j.Runs {
			r.EndedAt = clonePtr(r.EndedAt)
			r.ExitCode = clonePtr(r.ExitCode)
			c.Runs[i] = r
		}
	}
	if j.Kill != nil {
		k := *j.Kill
		c.Kill = &k
	}
	c.StartedAt = clonePtr(j.StartedAt)
	c.TerminalAt = clonePtr(j.TerminalAt)
	return &c
}

// LastRun returns the most recent run or nil.
func (j *Job) LastRun() *Run {
	if len(j.Runs) == 0 {
		return nil
	}
	return &j.Runs[len(j.Runs)-1]
}

// ActiveRun returns the run which did not end yet.
func (j *Job) ActiveRun() *Run {
	r := j.LastRun()
	if r == nil || r.Ended() {
		return nil
	}
	return r
}

// Transition moves the job to state to, enforcing the state machine.
// terminal_at is stamped exactly once.
func (j *Job) Transition(to State, now time.Time, reason string) error {
	if j.State == to && !to.Terminal() {
		return nil
	}
	if !CanTransition(j.State, to) {
		return &StateError{ID: j.ID, From: j.State, To: to}
	}
	j.State = to
	if reason != "" {
		j.Reason = reason
	}
	if to == StateRunning && j.StartedAt == nil {
		t := now
		j.StartedAt = &t
	}
	if to.Terminal() && j.TerminalAt == nil {
		t := now
		j.TerminalAt = &t
	}
	return nil
}

// IsSuccess returns true if code is one of the success codes.
func (r RetrySpec) IsSuccess(code int) bool {
	codes := r.SuccessCodes
	if len(codes) == 0 {
		codes = []int{0}
	}
	return slices.Contains(codes, code)
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
