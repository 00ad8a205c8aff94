package runner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

var (
	ErrNoCommand = errors.New("empty command")
)

// waitDelay bounds how long Wait waits for the output pipes after the
// process exited, as a grandchild might keep them open.
const waitDelay = 5 * time.Second

type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Sink receives the output of a running process. Chunks of both streams are
// delivered in arrival order, each stamped at arrival.
type Sink interface {
	Write(stream Stream, at time.Time, p []byte) error
}

type Command struct {
	Argv    []string
	Env     []string // appended to the environment of the current process
	Dir     string
	Timeout time.Duration
}

// shellChars make a single word a command line for the shell.
const shellChars = " \t\n|&;<>()$`\\\"'*?[]#~=%{}!"

// Args returns the argv to execute. A single element is a shell command
// line, unless it is a plain word, which is executed directly so a missing
// binary fails the spawn.
func (c Command) Args() []string {
	if len(c.Argv) == 1 && strings.ContainsAny(c.Argv[0], shellChars) {
		return []string{"/bin/sh", "-c", c.Argv[0]}
	}
	return c.Argv
}

type Result struct {
	Argv     []string
	PID      int
	Started  time.Time
	Stopped  time.Time
	ExitCode int    // -1 if killed by a signal
	Signal   string // SIGTERM, SIGKILL ...
	TimedOut bool
	State    *os.ProcessState
	Err      error
}

// Code returns the exit status as a shell would report it: 128+n for a
// process terminated by signal n.
func (r Result) Code() int {
	if r.State != nil {
		if ws, ok := r.State.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
	}
	return r.ExitCode
}

func (r Result) Signaled() bool {
	return r.Signal != ""
}

// SpawnError is returned when the command could not be started at all. It is
// distinct from a command which started and exited non-zero.
type SpawnError struct {
	Argv []string
	Err  error
}

func (e *SpawnError) Error() string {
	name := ""
	if len(e.Argv) > 0 {
		name = e.Argv[0]
	}
	return fmt.Sprintf("spawning %s: %v", name, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ExitCode maps the error to the status a shell uses: 127 for a missing
// binary, 126 for a binary which can't be executed and -1 otherwise.
func (e *SpawnError) ExitCode() int {
	switch {
	case errors.Is(e.Err, exec.ErrNotFound), errors.Is(e.Err, fs.ErrNotExist):
		return 127
	case errors.Is(e.Err, fs.ErrPermission):
		return 126
	default:
		return -1
	}
}

// Handle is a running process spawned by Spawn.
type Handle struct {
	mx       sync.RWMutex
	cmd      *exec.Cmd
	pid      int
	result   Result
	done     chan struct{}
	timer    *time.Timer
	timedOut atomic.Bool
}

// Spawn starts the command in its own session, so it has no controlling
// terminal and survives hangup of the terminal of the caller. stdout and
// stderr are streamed to sink. Spawn does not wait for the command, use
// Wait or Done.
func Spawn(ctx context.Context, proto Command, sink Sink) (*Handle, error) {
	argv := proto.Args()
	if len(argv) == 0 || argv[0] == "" {
		return nil, &SpawnError{Argv: argv, Err: ErrNoCommand}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), proto.Env...)
	cmd.Dir = proto.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.WaitDelay = waitDelay
	if sink != nil {
		cmd.Stdout = &streamWriter{ctx: ctx, sink: sink, stream: Stdout}
		cmd.Stderr = &streamWriter{ctx: ctx, sink: sink, stream: Stderr}
	}

	h := &Handle{
		cmd:  cmd,
		done: make(chan struct{}),
		result: Result{
			Argv: append([]string(nil), argv...),
		},
	}

	h.result.Started = time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Argv: argv, Err: err}
	}
	h.pid = cmd.Process.Pid
	h.result.PID = h.pid

	if proto.Timeout > 0 {
		h.timer = time.AfterFunc(proto.Timeout, func() {
			h.timedOut.Store(true)
			slog.WarnContext(ctx, "run timed out: killing", "pid", h.pid, "timeout", proto.Timeout.String())
			if err := h.Kill(unix.SIGKILL); err != nil {
				slog.ErrorContext(ctx, "killing timed out run", "pid", h.pid, "error", err)
			}
		})
	}

	go h.wait(ctx)
	return h, nil
}

func (h *Handle) wait(ctx context.Context) {
	err := h.cmd.Wait()
	if h.timer != nil {
		h.timer.Stop()
	}
	stopped := time.Now()
	if errors.Is(err, exec.ErrWaitDelay) {
		slog.DebugContext(ctx, "output still open after exit", "pid", h.pid)
		err = nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// non-zero exit is reported via ExitCode
		err = nil
	}

	h.mx.Lock()
	defer h.mx.Unlock()
	h.result.Stopped = stopped
	h.result.State = h.cmd.ProcessState
	h.result.Err = err
	h.result.ExitCode = -1
	h.result.TimedOut = h.timedOut.Load()
	if st := h.cmd.ProcessState; st != nil {
		h.result.ExitCode = st.ExitCode()
		if ws, ok := st.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			h.result.Signal = unix.SignalName(ws.Signal())
		}
	}
	close(h.done)
}

func (h *Handle) PID() int {
	return h.pid
}

// Started returns the time the process was started.
func (h *Handle) Started() time.Time {
	h.mx.RLock()
	defer h.mx.RUnlock()
	return h.result.Started
}

// Done returns a channel closed once the process has exited and its output
// was consumed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Alive reports if the process has not exited yet.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the process exits or ctx is done. It is safe to call
// from several goroutines.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.Result(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the result of the finished process. Valid after Done is
// closed.
func (h *Handle) Result() Result {
	h.mx.RLock()
	defer h.mx.RUnlock()
	return h.result
}

// Kill sends sig to the whole process group of the run. Killing a process
// which already exited is not an error.
func (h *Handle) Kill(sig syscall.Signal) error {
	if !h.Alive() {
		return nil
	}
	err := SignalGroup(h.pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

type streamWriter struct {
	ctx    context.Context
	sink   Sink
	stream Stream
	failed atomic.Bool
}

// Write never fails, so a broken sink can't kill the process by SIGPIPE.
func (w *streamWriter) Write(p []byte) (int, error) {
	if err := w.sink.Write(w.stream, time.Now(), p); err != nil {
		if w.failed.CompareAndSwap(false, true) {
			slog.ErrorContext(w.ctx, "writing process output", "stream", string(w.stream), "error", err)
		}
	}
	return len(p), nil
}
