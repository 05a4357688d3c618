package performance

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolStopped is returned when submitting to a pool that is not accepting work.
var ErrPoolStopped = errors.New("worker pool is stopped")

// WorkerPool runs submitted tasks on a fixed number of goroutines.
type WorkerPool struct {
	size  int
	queue chan func()
	quit  chan struct{}
	stop  sync.Once
	wg    sync.WaitGroup

	// mu guards open; submitters hold it for reading while they send.
	mu   sync.RWMutex
	open bool

	submitted atomic.Uint64
	completed atomic.Uint64
}

// PoolStats is a snapshot of a pool.
type PoolStats struct {
	Workers   int
	Open      bool
	Submitted uint64
	Completed uint64
	Queued    int
}

// NewWorkerPool creates a pool of size workers, at least one.
func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{
		size:  size,
		queue: make(chan func(), size),
		quit:  make(chan struct{}),
	}
}

// Start launches the workers. Calling it twice has no effect.
func (p *WorkerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open {
		return
	}
	p.open = true
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.work()
	}
}

func (p *WorkerPool) work() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			task()
			p.completed.Add(1)
		}
	}
}

// SubmitBlocking queues task, waiting for a free slot until ctx is done.
func (p *WorkerPool) SubmitBlocking(ctx context.Context, task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.open {
		return ErrPoolStopped
	}

	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrPoolStopped
	}
}

// Drain stops accepting work and waits until every queued task has run.
func (p *WorkerPool) Drain() {
	if !p.close() {
		return
	}
	close(p.queue)
	p.wg.Wait()
}

// Stop discards queued tasks that have not started and waits for running ones.
func (p *WorkerPool) Stop() {
	p.stop.Do(func() { close(p.quit) })
	if p.close() {
		close(p.queue)
	}
	p.wg.Wait()
}

func (p *WorkerPool) close() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	wasOpen := p.open
	p.open = false
	return wasOpen
}

// Stats returns a snapshot of the pool.
func (p *WorkerPool) Stats() PoolStats {
	p.mu.RLock()
	open := p.open
	p.mu.RUnlock()
	return PoolStats{
		Workers:   p.size,
		Open:      open,
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Queued:    len(p.queue),
	}
}
