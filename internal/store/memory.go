package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/CZERTAINLY/Jobman/internal/model"
)

// Memory is a Store living in the memory of one process. Jobs are copied on
// the way in and out, so callers never share a job with the store.
type Memory struct {
	mx     sync.RWMutex
	jobs   map[string]*model.Job
	locks  map[string]*sync.Mutex
	closed bool
}

func NewMemory() *Memory {
	return &Memory{
		jobs:  make(map[string]*model.Job),
		locks: make(map[string]*sync.Mutex),
	}
}

func (m *Memory) Create(ctx context.Context, job *model.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	m.jobs[job.ID] = job.Clone()
	m.locks[job.ID] = &sync.Mutex{}
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mx.RLock()
	defer m.mx.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job.Clone(), nil
}

func (m *Memory) List(ctx context.Context, filter Filter) ([]*model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mx.RLock()
	defer m.mx.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	ret := make([]*model.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if filter.Match(job) {
			ret = append(ret, job.Clone())
		}
	}
	SortJobs(ret)
	return ret, nil
}

func (m *Memory) Update(ctx context.Context, id string, fn func(*model.Job) error) (*model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mx.RLock()
	lock, ok := m.locks[id]
	closed := m.closed
	m.mx.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	// the per job lock serializes updates of one job only
	lock.Lock()
	defer lock.Unlock()

	m.mx.RLock()
	cur, ok := m.jobs[id]
	m.mx.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	job := cur.Clone()
	if err := fn(job); err != nil {
		return nil, err
	}
	job.ID = id

	m.mx.Lock()
	defer m.mx.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	m.jobs[id] = job.Clone()
	return job, nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mx.Lock()
	defer m.mx.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.jobs, id)
	delete(m.locks, id)
	return nil
}

func (m *Memory) Close() error {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.closed = true
	return nil
}
