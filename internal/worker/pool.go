package worker

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Task is a unit of fire-and-forget work, typically a network side effect
// spun off the message handler so classification latency stays flat.
type Task func(ctx context.Context)

// Pool runs queued tasks on a fixed set of workers. Submission never blocks
// the caller: when the queue is full the task is dropped and counted, which
// is preferable to stalling the update loop during a flood.
type Pool struct {
	tasks   chan Task
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	logger  *logrus.Logger
	dropped int64
	closed  bool
	mu      sync.Mutex
}

// NewPool creates and starts a pool with the given worker count and queue
// depth.
func NewPool(workers, depth int, logger *logrus.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if depth <= 0 {
		depth = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		tasks:  make(chan Task, depth),
		cancel: cancel,
		logger: logger,
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run(ctx)
	}
	return p
}

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.safeRun(ctx, task)
		}
	}
}

func (p *Pool) safeRun(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithField("panic", r).Error("Task panicked")
		}
	}()
	task(ctx)
}

// Submit queues a task. Returns false when the queue is full and the task
// was dropped, or when the pool has already stopped. Late submissions from
// timers or the update loop during shutdown are discarded, never a panic on
// the closed channel.
func (p *Pool) Submit(task Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.tasks <- task:
		return true
	default:
		p.dropped++
		p.logger.WithField("dropped_total", p.dropped).Warn("Task queue full, dropping task")
		return false
	}
}

// Dropped returns how many tasks were discarded because the queue was full.
func (p *Pool) Dropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Stop drains the queue and waits for the workers to finish. Safe to call
// more than once.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}
