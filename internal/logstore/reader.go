package logstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"slices"
	"time"

	"github.com/CZERTAINLY/Jobman/internal/runner"
)

// Query selects records. Zero value selects everything.
type Query struct {
	Streams []runner.Stream // empty means all
	Tail    int             // last N records, 0 means all
	Since   time.Time
	Until   time.Time
}

func (q Query) match(r Record) bool {
	if len(q.Streams) > 0 && !slices.Contains(q.Streams, r.Stream) {
		return false
	}
	if !q.Since.IsZero() && r.TS.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && r.TS.After(q.Until) {
		return false
	}
	return true
}

func tail(recs []Record, n int) []Record {
	if n > 0 && len(recs) > n {
		return recs[len(recs)-n:]
	}
	return recs
}

// Read returns records of all runs of the job in attempt order. An
// unterminated last line belongs to a write in progress and is skipped.
func (s *Store) Read(ctx context.Context, jobID string, q Query) ([]Record, error) {
	c := newCursor(s, jobID)
	recs, err := c.next(ctx, q)
	if err != nil {
		return nil, err
	}
	return tail(recs, q.Tail), nil
}

// Follow emits records as they are written, until done reports the job is
// over and everything written so far was emitted, or ctx is canceled.
func (s *Store) Follow(ctx context.Context, jobID string, q Query, interval time.Duration, done func(context.Context) bool, emit func(Record) error) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	c := newCursor(s, jobID)
	first := true
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		// check before the read, so nothing written before the job ended is lost
		finished := done(ctx)
		recs, err := c.next(ctx, q)
		if err != nil {
			return err
		}
		if first {
			recs = tail(recs, q.Tail)
			first = false
		}
		for _, r := range recs {
			if err := emit(r); err != nil {
				return err
			}
		}
		if finished {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// cursor remembers how far each run log was consumed.
type cursor struct {
	s       *Store
	jobID   string
	offsets map[int]int64
}

func newCursor(s *Store, jobID string) *cursor {
	return &cursor{s: s, jobID: jobID, offsets: make(map[int]int64)}
}

func (c *cursor) next(ctx context.Context, q Query) ([]Record, error) {
	attempts, err := c.s.attempts(c.jobID)
	if err != nil {
		return nil, err
	}
	var ret []Record
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		recs, err := c.readFile(ctx, a, q)
		if err != nil {
			return nil, err
		}
		ret = append(ret, recs...)
	}
	return ret, nil
}

func (c *cursor) readFile(ctx context.Context, attempt int, q Query) ([]Record, error) {
	f, err := c.s.root.Open(fileName(c.jobID, attempt))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	offset := c.offsets[attempt]
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, err
		}
	}

	var ret []Record
	rd := bufio.NewReader(f)
	for {
		line, err := rd.ReadBytes('\n')
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading log: %w", err)
		}
		offset += int64(len(line))
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			slog.WarnContext(ctx, "skipping malformed log record", "job_id", c.jobID, "attempt", attempt, "error", err)
			continue
		}
		if q.match(rec) {
			ret = append(ret, rec)
		}
	}
	c.offsets[attempt] = offset
	return ret, nil
}
