package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/kiranshivaraju/tenantlytics/internal/metrics"
)

var ErrPoolClosed = errors.New("worker pool closed")

// Task is a unit of work executed on a pool worker. ctx is the pool's
// context, not the submitter's.
type Task func(ctx context.Context)

// Pool runs tasks on a fixed number of workers fed by a bounded queue.
type Pool struct {
	workers int
	queue   chan Task

	mu     sync.RWMutex
	closed bool
	quit   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewPool creates a Pool with the given worker count and queue capacity.
func NewPool(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Pool{
		workers: workers,
		queue:   make(chan Task, queueSize),
		quit:    make(chan struct{}),
	}
}

// Start launches the workers. Tasks receive ctx. Calling Start twice is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.work(ctx, i)
		}
		slog.Info("worker pool started", "workers", p.workers, "queue_size", cap(p.queue))
	})
}

func (p *Pool) work(ctx context.Context, id int) {
	defer p.wg.Done()
	for task := range p.queue {
		metrics.QueueDepth.Dec()
		p.run(ctx, id, task)
	}
}

func (p *Pool) run(ctx context.Context, id int, task Task) {
	metrics.TasksInFlight.Inc()
	defer metrics.TasksInFlight.Dec()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in pool task", "worker", id, "error", r)
		}
	}()
	task(ctx)
}

// Submit queues task. It blocks while the queue is full until ctx is done,
// and returns ErrPoolClosed once Shutdown has begun.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.queue <- task:
		metrics.QueueDepth.Inc()
		return nil
	case <-p.quit:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting tasks and waits for queued and running tasks to
// finish, or for ctx to be done.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() {
		close(p.quit)
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
