package runner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

// createTimeSlack is how far the create time reported by the OS may be from
// the recorded start of a run, which is stamped just before fork.
const createTimeSlack = 2 * time.Second

// ParseSignal accepts TERM, SIGTERM, sigterm or 15.
func ParseSignal(s string) (syscall.Signal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty signal")
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 || unix.SignalName(syscall.Signal(n)) == "" {
			return 0, fmt.Errorf("unknown signal %d", n)
		}
		return syscall.Signal(n), nil
	}
	name := strings.ToUpper(s)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	sig := unix.SignalNum(name)
	if sig == 0 {
		return 0, fmt.Errorf("unknown signal %q", s)
	}
	return sig, nil
}

// SignalName returns SIGTERM for syscall.SIGTERM.
func SignalName(sig syscall.Signal) string {
	if n := unix.SignalName(sig); n != "" {
		return n
	}
	return strconv.Itoa(int(sig))
}

// SignalGroup sends sig to the process group led by pid. Runs are started
// in their own session, so the group holds the run and its children. If
// there is no such group, the single process is signalled.
func SignalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(pid, sig)
	}
	return err
}

// ProcessAlive reports whether pid is running and is the process started at
// started. A zero started skips the identity check. Zombies are not alive.
func ProcessAlive(ctx context.Context, pid int, started time.Time) bool {
	if pid <= 0 {
		return false
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	status, err := p.StatusWithContext(ctx)
	if err == nil && slices.Contains(status, process.Zombie) {
		return false
	}
	if started.IsZero() {
		return true
	}
	ms, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		return false
	}
	created := time.UnixMilli(ms)
	d := created.Sub(started)
	if d < 0 {
		d = -d
	}
	return d <= createTimeSlack
}
