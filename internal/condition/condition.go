// Package condition evaluates the wait and abort conditions of a job.
//
// Conditions are polled, never event driven: file existence is checked with
// stat on every evaluation, so precision is bounded by the polling interval.
package condition

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/CZERTAINLY/Jobman/internal/model"
)

type Result int

const (
	Unsatisfied Result = iota
	Satisfied
	NotExpired
	Expired
)

func (r Result) String() string {
	switch r {
	case Satisfied:
		return "satisfied"
	case Unsatisfied:
		return "unsatisfied"
	case Expired:
		return "expired"
	case NotExpired:
		return "not expired"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Stater is the part of the filesystem the evaluator needs.
type Stater interface {
	Stat(name string) (fs.FileInfo, error)
}

type osFS struct{}

func (osFS) Stat(name string) (fs.FileInfo, error) {
	return os.Stat(name)
}

// OS is the Stater backed by the real filesystem.
var OS Stater = osFS{}

// ConditionError is reported when a file condition can't be evaluated, for
// example due to missing permissions on a parent directory. The condition is
// treated as not holding.
type ConditionError struct {
	Path string
	Err  error
}

func (e *ConditionError) Error() string {
	return fmt.Sprintf("evaluating file condition %s: %v", e.Path, e.Err)
}

func (e *ConditionError) Unwrap() error {
	return e.Err
}

type Evaluator struct {
	FS Stater
}

func New() Evaluator {
	return Evaluator{FS: OS}
}

// Wait returns Satisfied once every condition of spec holds. ref is the
// instant the duration is measured from (job submission). Evaluation errors
// are returned together with Unsatisfied.
func (e Evaluator) Wait(spec model.WaitSpec, ref, now time.Time) (Result, error) {
	if spec.Duration > 0 && now.Before(ref.Add(spec.Duration)) {
		return Unsatisfied, nil
	}
	if spec.Time != nil && now.Before(*spec.Time) {
		return Unsatisfied, nil
	}
	var errs []error
	satisfied := true
	for _, path := range spec.Files {
		ok, err := e.exists(path)
		if err != nil {
			errs = append(errs, err)
		}
		if !ok {
			satisfied = false
		}
	}
	if !satisfied {
		return Unsatisfied, errors.Join(errs...)
	}
	return Satisfied, nil
}

// Abort returns Expired once any condition of spec holds. An empty spec
// never expires.
func (e Evaluator) Abort(spec model.AbortSpec, ref, now time.Time) (Result, error) {
	if spec.Duration > 0 && !now.Before(ref.Add(spec.Duration)) {
		return Expired, nil
	}
	if spec.Time != nil && !now.Before(*spec.Time) {
		return Expired, nil
	}
	var errs []error
	for _, path := range spec.Files {
		ok, err := e.exists(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			return Expired, nil
		}
	}
	return NotExpired, errors.Join(errs...)
}

// Deadline returns the earliest instant the abort spec expires on the clock
// alone, or zero time if only files can expire it.
func Deadline(spec model.AbortSpec, ref time.Time) time.Time {
	var ret time.Time
	if spec.Duration > 0 {
		ret = ref.Add(spec.Duration)
	}
	if spec.Time != nil && (ret.IsZero() || spec.Time.Before(ret)) {
		ret = *spec.Time
	}
	return ret
}

// Earliest returns the instant the clock part of the wait spec is satisfied.
func Earliest(spec model.WaitSpec, ref time.Time) time.Time {
	ret := ref.Add(spec.Duration)
	if spec.Time != nil && spec.Time.After(ret) {
		ret = *spec.Time
	}
	return ret
}

func (e Evaluator) exists(path string) (bool, error) {
	fsys := e.FS
	if fsys == nil {
		fsys = OS
	}
	_, err := fsys.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, &ConditionError{Path: path, Err: err}
	}
}
