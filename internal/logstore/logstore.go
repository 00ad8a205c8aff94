// Package logstore keeps the output of job runs. Every run gets a file
// <job>/<attempt>.log with one JSON record per line. A run has a single
// writer, any number of processes may read the file at the same time.
package logstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/CZERTAINLY/Jobman/internal/runner"
)

var (
	ErrClosed    = errors.New("log writer closed")
	ErrInvalidID = errors.New("invalid job id")
)

const ext = ".log"

// Record is output of a run as it arrived: a complete line, or the
// unterminated end of a chunk, which the next record of the same stream
// continues. Data holds the raw bytes, so binary output survives the JSON
// encoding (base64).
type Record struct {
	TS      time.Time     `json:"ts"`
	Stream  runner.Stream `json:"stream"`
	Attempt int           `json:"attempt"`
	Data    []byte        `json:"data"`
}

// Partial reports whether the line continues in a later record.
func (r Record) Partial() bool {
	return len(r.Data) > 0 && r.Data[len(r.Data)-1] != '\n'
}

// Store is a directory of job logs. All access goes through os.Root, so a
// job id can't point outside of it.
type Store struct {
	root *os.Root
	path string
}

func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating log store: %w", err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("opening log store: %w", err)
	}
	return &Store{root: root, path: dir}, nil
}

func (s *Store) Close() error {
	return s.root.Close()
}

// Path returns the file holding the output of attempt of the job.
func (s *Store) Path(jobID string, attempt int) string {
	return s.path + "/" + fileName(jobID, attempt)
}

// Writer creates or appends the log of a run.
func (s *Store) Writer(jobID string, attempt int) (*Writer, error) {
	if err := validID(jobID); err != nil {
		return nil, err
	}
	if err := s.root.Mkdir(jobID, 0o750); err != nil && !errors.Is(err, fs.ErrExist) {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := s.root.OpenFile(fileName(jobID, attempt), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("opening log: %w", err)
	}
	return newWriter(f, attempt), nil
}

// Size returns the total size of logs of the job.
func (s *Store) Size(jobID string) (int64, error) {
	attempts, err := s.attempts(jobID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, a := range attempts {
		info, err := s.root.Stat(fileName(jobID, a))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}

// Purge removes the run logs of the job modified at or before until. A zero
// until removes all of them. The job directory goes once it is empty.
// Returns the number of removed files.
func (s *Store) Purge(jobID string, until time.Time) (int, error) {
	attempts, err := s.attempts(jobID)
	if err != nil {
		return 0, err
	}
	var removed int
	var errs []error
	for _, a := range attempts {
		name := fileName(jobID, a)
		if !until.IsZero() {
			info, err := s.root.Stat(name)
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					errs = append(errs, err)
				}
				continue
			}
			if info.ModTime().After(until) {
				continue
			}
		}
		if err := s.root.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if len(attempts) == removed {
		if err := s.root.Remove(jobID); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return removed, errors.Join(errs...)
}

// Jobs returns ids of all jobs having a log directory.
func (s *Store) Jobs() ([]string, error) {
	dir, err := s.root.Open(".")
	if err != nil {
		return nil, err
	}
	defer dir.Close()
	entries, err := dir.ReadDir(-1)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// attempts returns attempt numbers having a log, in ascending order. A job
// without logs has none.
func (s *Store) attempts(jobID string) ([]int, error) {
	if err := validID(jobID); err != nil {
		return nil, err
	}
	dir, err := s.root.Open(jobID)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer dir.Close()
	names, err := dir.Readdirnames(-1)
	if err != nil {
		return nil, err
	}
	ret := make([]int, 0, len(names))
	for _, n := range names {
		num, ok := strings.CutSuffix(n, ext)
		if !ok {
			continue
		}
		a, err := strconv.Atoi(num)
		if err != nil || a < 1 {
			continue
		}
		ret = append(ret, a)
	}
	slices.Sort(ret)
	return ret, nil
}

func fileName(jobID string, attempt int) string {
	return path.Join(jobID, strconv.Itoa(attempt)+ext)
}

func validID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}
