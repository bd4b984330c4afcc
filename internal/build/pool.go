package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/habitio/habit-cortex-orchestrator/internal/metrics"
)

var (
	// ErrQueueFull is returned by Submit when every worker is busy and the queue is at capacity.
	ErrQueueFull = errors.New("build queue full")
	// ErrPoolClosed is returned by Submit after Close.
	ErrPoolClosed = errors.New("build pool closed")
)

// Job is one unit of build work.
type Job struct {
	ImageID int64
	Run     func(ctx context.Context)
}

// Pool runs jobs on a fixed set of workers fed by a bounded queue.
type Pool struct {
	jobs    chan Job
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	base   context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool starts workers goroutines. queue is the number of jobs that may wait.
func NewPool(workers, queue int, timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	p := &Pool{
		base:    base,
		cancel:  cancel,
		jobs:    make(chan Job, queue),
		timeout: timeout,
		logger:  logger.With("component", "build"),
		metrics: m,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// Submit enqueues job without blocking.
func (p *Pool) Submit(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("build job %d has no work", job.ImageID)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.jobs <- job:
		p.metrics.BuildQueued(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting jobs and waits for queued and running jobs to finish.
// If ctx ends first, every remaining job is cancelled and Close returns
// ctx.Err() once the workers have exited.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
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
		p.logger.Warn("cancelling builds on shutdown", "error", ctx.Err())
		p.cancel()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) worker(n int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.metrics.BuildQueued(-1)
		p.run(n, job)
	}
}

func (p *Pool) run(n int, job Job) {
	ctx := p.base
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("build job panicked", "worker", n, "image_id", job.ImageID, "panic", r)
		}
	}()
	job.Run(ctx)
}
