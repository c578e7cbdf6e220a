package core

// worker_pool.go bounds how many operations run at once.
//
// Submit never blocks. A submitted task joins a bounded queue and waits
// there, up to maxWait, for one of the workers; it then occupies that worker
// until it returns. Only a full queue is rejected synchronously.

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTooManyOperations is returned when the queue is full, or handed to a
// queued task's expire func when no worker freed up in time. Clients should
// retry after a short delay.
var ErrTooManyOperations = errors.New("too many concurrent operations, please try again later")

// DefaultWorkers is the default number of operations run in parallel.
const DefaultWorkers = 4

// DefaultQueueSize is the default number of operations that may wait for a
// worker.
const DefaultQueueSize = 64

// DefaultMaxWaitTime is how long a queued task waits for a worker.
const DefaultMaxWaitTime = 30 * time.Second

// WorkerPool runs operation tasks on a fixed number of workers using a
// semaphore.
type WorkerPool struct {
	semaphore chan struct{}
	queueSize int
	maxWait   time.Duration

	mu     sync.RWMutex
	active int
	queued int
}

// NewWorkerPool creates a pool with the given number of workers and queue
// slots.
func NewWorkerPool(workers, queueSize int, maxWait time.Duration) *WorkerPool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWaitTime
	}

	return &WorkerPool{
		semaphore: make(chan struct{}, workers),
		queueSize: queueSize,
		maxWait:   maxWait,
	}
}

// Submit queues task and returns at once. The task runs on a worker once
// one is free. If ctx ends or maxWait passes first, expire is called with
// ctx.Err() or ErrTooManyOperations and task never runs. Submit itself
// fails only when the queue is full.
func (p *WorkerPool) Submit(ctx context.Context, task func(), expire func(error)) error {
	p.mu.Lock()
	if p.queued >= p.queueSize {
		p.mu.Unlock()
		return ErrTooManyOperations
	}
	p.queued++
	p.mu.Unlock()

	go func() {
		if err := p.acquire(ctx); err != nil {
			if expire != nil {
				expire(err)
			}
			return
		}
		defer p.release()
		task()
	}()
	return nil
}

// acquire moves a queued task onto a worker.
func (p *WorkerPool) acquire(ctx context.Context) error {
	timer := time.NewTimer(p.maxWait)
	defer timer.Stop()

	select {
	case p.semaphore <- struct{}{}:
		p.mu.Lock()
		p.queued--
		p.active++
		p.mu.Unlock()
		return nil

	case <-ctx.Done():
		p.dequeue()
		return ctx.Err()

	case <-timer.C:
		p.dequeue()
		return ErrTooManyOperations
	}
}

func (p *WorkerPool) dequeue() {
	p.mu.Lock()
	p.queued--
	p.mu.Unlock()
}

func (p *WorkerPool) release() {
	p.mu.Lock()
	p.active--
	p.mu.Unlock()

	<-p.semaphore
}

// ActiveCount returns the number of running operations.
func (p *WorkerPool) ActiveCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active
}

// QueuedCount returns the number of operations waiting for a worker.
func (p *WorkerPool) QueuedCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.queued
}

// Workers returns the pool size.
func (p *WorkerPool) Workers() int {
	return cap(p.semaphore)
}

// Available returns the number of idle workers.
func (p *WorkerPool) Available() int {
	return cap(p.semaphore) - len(p.semaphore)
}

// WaitForDrain blocks until no operation is running or queued, or ctx is
// done. Used for graceful shutdown.
func (p *WorkerPool) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		p.mu.RLock()
		busy := p.active + p.queued
		p.mu.RUnlock()
		if busy == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PoolStatus is a snapshot of the pool for monitoring.
type PoolStatus struct {
	Active    int `json:"active"`
	Queued    int `json:"queued"`
	Available int `json:"available"`
	Workers   int `json:"workers"`
}

// Status returns the current pool state.
func (p *WorkerPool) Status() PoolStatus {
	p.mu.RLock()
	active, queued := p.active, p.queued
	p.mu.RUnlock()

	return PoolStatus{
		Active:    active,
		Queued:    queued,
		Available: cap(p.semaphore) - len(p.semaphore),
		Workers:   cap(p.semaphore),
	}
}
