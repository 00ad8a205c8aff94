// Package sqlite is a store.Store kept in a SQLite database file. The file
// is shared by the front end and all supervising processes of a host.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/CZERTAINLY/Jobman/internal/model"
	"github.com/CZERTAINLY/Jobman/internal/store"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// busyTimeout is how long a connection waits for a lock held by another
// process, in milliseconds.
const busyTimeout = 10000

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	host_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	doc TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_state ON jobs (state);
CREATE INDEX IF NOT EXISTS jobs_created_at ON jobs (created_at);
`

// DSN returns the data source name of the database at path. Write
// transactions take the lock on BEGIN, so two processes updating the same
// job never deadlock on lock upgrade.
func DSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// InitDB opens the database at path and creates the schema.
func InitDB(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return db, nil
}

type Store struct {
	db *sql.DB
	// serializes writers of this process, other processes wait on busy_timeout.
	// sqlite has a single write lock, so writes of different jobs queue
	// behind each other too.
	mx sync.Mutex
}

// New returns a store using an initialized db, see InitDB.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open is InitDB followed by New.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := InitDB(ctx, path)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Create(ctx context.Context, job *model.Job) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, state, host_id, created_at, doc) VALUES (?, ?, ?, ?, ?)`,
		job.ID, string(job.State), job.HostID, job.CreatedAt.UnixNano(), string(doc),
	)
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("%w: %s", store.ErrJobExists, job.ID)
		}
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*model.Job, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM jobs WHERE id = ?`, id).Scan(&doc)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	case err != nil:
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	return decode(doc)
}

func (s *Store) List(ctx context.Context, filter store.Filter) ([]*model.Job, error) {
	query, args := listQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()

	var ret []*model.Job
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		job, err := decode(doc)
		if err != nil {
			return nil, err
		}
		ret = append(ret, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return ret, nil
}

func listQuery(f store.Filter) (string, []any) {
	var where []string
	var args []any
	if len(f.States) > 0 {
		where = append(where, "state IN ("+placeholders(len(f.States))+")")
		for _, st := range f.States {
			args = append(args, string(st))
		}
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, f.Until.UnixNano())
	}
	if f.HostID != "" {
		where = append(where, "host_id = ?")
		args = append(args, f.HostID)
	}
	if len(f.IDs) > 0 {
		where = append(where, "id IN ("+placeholders(len(f.IDs))+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}

	var sb strings.Builder
	sb.WriteString("SELECT doc FROM jobs")
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY created_at, id")
	return sb.String(), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (s *Store) Update(ctx context.Context, id string, fn func(*model.Job) error) (*model.Job, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction failed: %w", err)
	}
	defer func(ctx context.Context, id string) {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "rollback failed", "job_id", id, "error", err)
		}
	}(ctx, id)

	var doc string
	err = tx.QueryRowContext(ctx, `SELECT doc FROM jobs WHERE id = ?`, id).Scan(&doc)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	case err != nil:
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	job, err := decode(doc)
	if err != nil {
		return nil, err
	}
	if err := fn(job); err != nil {
		return nil, err
	}
	job.ID = id

	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encoding job: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET state = ?, host_id = ?, doc = ? WHERE id = ?`,
		string(job.State), job.HostID, string(raw), id,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql update failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction failed: %w", err)
	}
	return job, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return nil
}

func decode(doc string) (*model.Job, error) {
	var job model.Job
	if err := json.Unmarshal([]byte(doc), &job); err != nil {
		return nil, fmt.Errorf("decoding job: %w", err)
	}
	return &job, nil
}

func isConstraint(err error) bool {
	var serr *msqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}
