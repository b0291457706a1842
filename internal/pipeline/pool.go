package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrQueueClosed is returned by Dispatch after the pool has stopped.
var ErrQueueClosed = errors.New("pool stopped")

// Pool runs executions on a fixed number of workers fed by a bounded queue.
// An id that is already queued or running is not queued again.
type Pool struct {
	runner  Runner
	workers int
	queue   chan string
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]bool
	idle    chan struct{}
	ctx     context.Context
	wg      sync.WaitGroup
}

func NewPool(runner Runner, workers, capacity int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1024
	}
	idle := make(chan struct{})
	close(idle)
	return &Pool{
		runner:  runner,
		workers: workers,
		queue:   make(chan string, capacity),
		logger:  logger,
		pending: map[string]bool{},
		idle:    idle,
	}
}

// Start launches the workers. They exit when ctx is cancelled, after which
// Dispatch fails with ErrQueueClosed.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx, i)
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Dispatch queues id, blocking while the queue is full.
func (p *Pool) Dispatch(ctx context.Context, id string) error {
	p.mu.Lock()
	stop := p.ctx
	if stop == nil {
		stop = context.Background()
	}
	if stop.Err() != nil {
		p.mu.Unlock()
		return ErrQueueClosed
	}
	if p.pending[id] {
		p.mu.Unlock()
		p.logger.Debug("Execution already queued.", "executionId", id)
		return nil
	}
	if len(p.pending) == 0 {
		p.idle = make(chan struct{})
	}
	p.pending[id] = true
	p.mu.Unlock()

	select {
	case p.queue <- id:
		return nil
	case <-ctx.Done():
		p.done(id)
		return ctx.Err()
	case <-stop.Done():
		p.done(id)
		return ErrQueueClosed
	}
}

// Idle returns a channel that is closed once nothing is queued or running.
func (p *Pool) Idle() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idle
}

// Depth is the number of queued or running executions.
func (p *Pool) Depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Pool) work(ctx context.Context, n int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-p.queue:
			if err := p.runner.Run(ctx, id); err != nil && ctx.Err() == nil {
				p.logger.Error("Execution run failed", "executionId", id, "worker", n, "error", err)
			}
			p.done(id)
		}
	}
}

func (p *Pool) done(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.pending[id] {
		return
	}
	delete(p.pending, id)
	if len(p.pending) == 0 {
		close(p.idle)
	}
}
