// Package worker runs background jobs on a fixed set of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrPoolClosed is returned when submitting to a closed pool.
var ErrPoolClosed = errors.New("worker pool closed")

// ErrQueueFull is returned by TrySubmit when the queue has no room.
var ErrQueueFull = errors.New("worker queue full")

// Job is one unit of background work.
type Job struct {
	// ID names the job in logs.
	ID  string
	Run func(ctx context.Context) error
}

// Stats contains pool statistics.
type Stats struct {
	Workers       int           `json:"workers"`
	Queued        int           `json:"queued"`
	JobsSubmitted uint64        `json:"jobs_submitted"`
	JobsCompleted uint64        `json:"jobs_completed"`
	JobsFailed    uint64        `json:"jobs_failed"`
	AvgDuration   time.Duration `json:"avg_duration_ns"`
}

// Pool manages worker goroutines draining a bounded job queue. Jobs run
// with the pool's context, which is cancelled by Close after the queue is
// drained or when the close deadline passes.
type Pool struct {
	workers int
	jobs    chan Job
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  zerolog.Logger

	mu     sync.RWMutex
	closed bool

	jobsSubmitted atomic.Uint64
	jobsCompleted atomic.Uint64
	jobsFailed    atomic.Uint64
	totalDuration atomic.Uint64
}

// NewPool starts a pool with the given number of workers. If workers <= 0,
// it defaults to runtime.NumCPU(). The queue holds workers*queueFactor
// jobs.
func NewPool(workers int, logger zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		workers: workers,
		jobs:    make(chan Job, workers*queueFactor),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With().Str("component", "worker-pool").Logger(),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

const queueFactor = 16

// Submit queues a job, blocking while the queue is full.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case <-p.ctx.Done():
		return ErrPoolClosed
	case p.jobs <- job:
		p.jobsSubmitted.Add(1)
		return nil
	}
}

// TrySubmit queues a job without blocking.
func (p *Pool) TrySubmit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.jobs <- job:
		p.jobsSubmitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting jobs and waits for queued jobs to finish. When ctx
// expires first, running jobs are cancelled and ctx's error is returned.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	s := Stats{
		Workers:       p.workers,
		Queued:        len(p.jobs),
		JobsSubmitted: p.jobsSubmitted.Load(),
		JobsCompleted: p.jobsCompleted.Load(),
		JobsFailed:    p.jobsFailed.Load(),
	}
	if s.JobsCompleted > 0 {
		s.AvgDuration = time.Duration(p.totalDuration.Load() / s.JobsCompleted)
	}
	return s
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		start := time.Now()
		err := p.run(job)
		elapsed := time.Since(start)

		p.jobsCompleted.Add(1)
		p.totalDuration.Add(uint64(elapsed))
		if err != nil {
			p.jobsFailed.Add(1)
			p.logger.Error().Err(err).Str("job", job.ID).Dur("duration", elapsed).Msg("job failed")
			continue
		}
		p.logger.Debug().Str("job", job.ID).Dur("duration", elapsed).Msg("job completed")
	}
}

func (p *Pool) run(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			p.logger.Error().Str("job", job.ID).Str("stack", string(debug.Stack())).Msg("job panicked")
		}
	}()
	if job.Run == nil {
		return errors.New("job has no run function")
	}
	return job.Run(p.ctx)
}
