package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/CZERTAINLY/Jobman/internal/engine"
	"github.com/CZERTAINLY/Jobman/internal/log"
	"github.com/CZERTAINLY/Jobman/internal/logstore"
	"github.com/CZERTAINLY/Jobman/internal/model"
	"github.com/CZERTAINLY/Jobman/internal/store"
	"github.com/CZERTAINLY/Jobman/internal/store/sqlite"
)

const dbName = "jobs.db"

type Service struct {
	cfg    model.Config
	store  store.Store
	logs   *logstore.Store
	hostID string
	now    func() time.Time
	// argv of the supervising process, job id is appended
	supervisor []string
}

type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func WithHostID(id string) Option {
	return func(s *Service) {
		s.hostID = id
	}
}

// WithSupervisor sets the command Detach starts, the job id is appended as
// the last argument.
func WithSupervisor(argv ...string) Option {
	return func(s *Service) {
		s.supervisor = argv
	}
}

func New(cfg model.Config, st store.Store, logs *logstore.Store, opts ...Option) *Service {
	s := &Service{
		cfg:   cfg,
		store: st,
		logs:  logs,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hostID == "" {
		s.hostID = HostID()
	}
	return s
}

// Open creates the storage layout of cfg and opens the job and log stores.
func Open(ctx context.Context, cfg model.Config, opts ...Option) (*Service, error) {
	for _, dir := range []string{cfg.DBPath(), cfg.StdioPath(), cfg.LogPath()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating storage: %w", err)
		}
	}
	st, err := sqlite.Open(ctx, filepath.Join(cfg.DBPath(), dbName))
	if err != nil {
		return nil, fmt.Errorf("opening job store: %w", err)
	}
	logs, err := logstore.New(cfg.StdioPath())
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return New(cfg, st, logs, opts...), nil
}

func (s *Service) Close() error {
	return errors.Join(s.store.Close(), s.logs.Close())
}

func (s *Service) HostID() string {
	return s.hostID
}

func (s *Service) Get(ctx context.Context, id string) (*model.Job, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, filter store.Filter) ([]*model.Job, error) {
	return s.store.List(ctx, filter)
}

// LogSize returns the size of the logs of the job in bytes.
func (s *Service) LogSize(id string) (int64, error) {
	return s.logs.Size(id)
}

// Logs emits records of the job. With follow, it keeps emitting new records
// until the job is over.
func (s *Service) Logs(ctx context.Context, id string, q logstore.Query, follow bool, emit func(logstore.Record) error) error {
	if _, err := s.store.Get(ctx, id); err != nil {
		return err
	}
	if !follow {
		recs, err := s.logs.Read(ctx, id, q)
		if err != nil {
			return err
		}
		for _, r := range recs {
			if err := emit(r); err != nil {
				return err
			}
		}
		return nil
	}
	return s.logs.Follow(ctx, id, q, s.cfg.Poll(), func(ctx context.Context) bool {
		return s.terminal(ctx, id)
	}, emit)
}

// WaitTerminal blocks until the job reaches a terminal state.
func (s *Service) WaitTerminal(ctx context.Context, id string) (*model.Job, error) {
	ticker := time.NewTicker(s.cfg.Poll())
	defer ticker.Stop()
	for {
		job, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.State.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Service) terminal(ctx context.Context, id string) bool {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		// a purged job is over as well
		return errors.Is(err, store.ErrNotFound)
	}
	return job.State.Terminal()
}

// Supervise runs the engine for the job. It is what the supervising process
// does for its whole life.
func (s *Service) Supervise(ctx context.Context, id string, notifier engine.Notifier) (*model.Job, error) {
	e := engine.New(engine.Config{
		Store:        s.store,
		Logs:         s.logs,
		Notifier:     notifier,
		PollInterval: s.cfg.Poll(),
		Now:          s.now,
	})
	return e.Run(ctx, id)
}

func withJob(ctx context.Context, id string) context.Context {
	return log.ContextAttrs(ctx, slog.String("job_id", id))
}
