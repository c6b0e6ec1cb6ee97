// Package jobs runs single-item analysis jobs in-process, outside the batch
// queue, while exposing the same job snapshot shape as queued work.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"convoflow/internal/domain"
)

var (
	ErrNotFound        = errors.New("job not found")
	ErrAlreadyTerminal = errors.New("job already terminal")
	ErrNotReady        = errors.New("result not ready")
)

// TaskFunc is the unit of work a job executes. It must respect ctx: both
// cancellation and the job timeout arrive through it.
type TaskFunc func(ctx context.Context) (json.RawMessage, error)

// Manager tracks in-process jobs. Each job runs on its own goroutine;
// cancellation is a request observed at the task's next checkpoint, never a
// forced kill.
type Manager struct {
	mu      sync.Mutex
	jobs    map[string]*domain.Job
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewManager() *Manager {
	return &Manager{
		jobs:    make(map[string]*domain.Job),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Submit creates a job and starts it immediately. timeout bounds the task;
// zero means no limit.
func (m *Manager) Submit(payload json.RawMessage, timeout time.Duration, run TaskFunc) string {
	id := "job_" + uuid.NewString()
	now := time.Now().UTC()
	started := now
	job := &domain.Job{
		ID:         id,
		Status:     domain.StatusRunning,
		Payload:    payload,
		EnqueuedAt: now,
		StartedAt:  &started,
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	m.mu.Lock()
	m.jobs[id] = job
	m.cancels[id] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx, cancel, id, timeout, run)
	return id
}

func (m *Manager) run(ctx context.Context, cancel context.CancelFunc, id string, timeout time.Duration, run TaskFunc) {
	defer m.wg.Done()
	defer cancel()

	result, err := run(ctx)
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	if job == nil || job.Status.Terminal() {
		return
	}
	switch {
	case err == nil:
		job.Status = domain.StatusCompleted
		job.Result = result
	case ctx.Err() == context.DeadlineExceeded:
		job.Status = domain.StatusFailed
		job.Error = fmt.Sprintf("analysis timed out after %s", timeout)
	case ctx.Err() == context.Canceled:
		job.Status = domain.StatusCancelled
		job.Error = "cancelled"
	default:
		job.Status = domain.StatusFailed
		job.Error = err.Error()
	}
	job.FinishedAt = &now
	delete(m.cancels, id)
	log.Info().Str("job_id", id).Str("status", string(job.Status)).Msg("in-process job finished")
}

// Status returns a snapshot of the job.
func (m *Manager) Status(id string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, ErrNotFound
	}
	return *job, nil
}

// Result returns the job's result once completed. A failed or cancelled job
// surfaces its recorded error; a job still in flight returns ErrNotReady.
func (m *Manager) Result(id string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	switch {
	case job.Status == domain.StatusCompleted:
		return job.Result, nil
	case job.Status.Terminal():
		return nil, errors.New(job.Error)
	default:
		return nil, ErrNotReady
	}
}

// Cancel asks a running job to stop at its next checkpoint.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	if cancel, ok := m.cancels[id]; ok {
		cancel()
	}
	return nil
}

// Evict drops terminal jobs older than ttl. Returns the number removed.
func (m *Manager) Evict(ttl time.Duration) int {
	cutoff := time.Now().UTC().Add(-ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, job := range m.jobs {
		if job.Status.Terminal() && job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(m.jobs, id)
			removed++
		}
	}
	return removed
}

// Shutdown cancels everything in flight and waits for goroutines to drain,
// bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, cancel := range m.cancels {
		cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
