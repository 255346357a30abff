package expansion

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ocl/ocl/internal/platform/worker"
)

// Task is a unit of materialization work for one expansion.
type Task func(ctx context.Context) error

// Scheduler decides where materialization tasks run.
type Scheduler interface {
	Schedule(ctx context.Context, name string, expansionID uuid.UUID, task Task) error
}

// SyncScheduler runs tasks inline on the caller's goroutine.
type SyncScheduler struct{}

func (SyncScheduler) Schedule(ctx context.Context, _ string, _ uuid.UUID, task Task) error {
	return task(ctx)
}

// AsyncScheduler hands tasks to a worker pool. Tasks run with the pool's
// context, not the caller's. When the pool's queue is full the task runs
// inline on the caller's context instead.
type AsyncScheduler struct {
	pool   *worker.Pool
	logger zerolog.Logger
}

// NewAsyncScheduler creates a scheduler backed by pool.
func NewAsyncScheduler(pool *worker.Pool, logger zerolog.Logger) *AsyncScheduler {
	return &AsyncScheduler{
		pool:   pool,
		logger: logger.With().Str("component", "expansion-scheduler").Logger(),
	}
}

func (s *AsyncScheduler) Schedule(ctx context.Context, name string, expansionID uuid.UUID, task Task) error {
	job := worker.Job{ID: name + ":" + expansionID.String(), Run: task}
	err := s.pool.TrySubmit(job)
	if !errors.Is(err, worker.ErrQueueFull) {
		return err
	}
	s.logger.Warn().
		Str("job_id", job.ID).
		Msg("worker queue full, materializing inline")
	return task(ctx)
}
