package pipeline

import (
	"errors"
	"runtime"
	"sync"
)

var ErrPoolClosed = errors.New("worker pool is closed")

// Pool is a fixed set of goroutines shared by every batch. Submit blocks
// while all workers are busy, which bounds the number of model calls in
// flight across the whole process.
type Pool struct {
	tasks   chan func()
	workers int

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool starts workers goroutines; workers < 1 means one per CPU.
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	p := &Pool{
		tasks:   make(chan func()),
		workers: workers,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
	return p
}

func (p *Pool) Size() int { return p.workers }

// Submit hands task to the next free worker.
func (p *Pool) Submit(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.tasks <- task
	return nil
}

// Close waits for queued tasks to finish and stops the workers.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}
