package worker

import (
	"errors"
	"sync"
)

var (
	ErrPoolStarted    = errors.New("worker pool already started")
	ErrPoolNotStarted = errors.New("worker pool is not started")
)

// WorkerPool owns a set of workers and the WaitGroup tracking
// their goroutines.
type WorkerPool struct {
	*sync.Mutex
	workers []Worker
	wg      sync.WaitGroup
	started bool
}

func NewWorkerPool() *WorkerPool {
	return &WorkerPool{Mutex: &sync.Mutex{}, workers: make([]Worker, 0)}
}

// Start spawns a goroutine for each worker in the pool. It
// does not block; see Close for waiting on the workers.
func (pool *WorkerPool) Start() error {
	pool.Lock()
	defer pool.Unlock()

	if pool.started {
		return ErrPoolStarted
	}

	pool.started = true
	for _, w := range pool.workers {
		pool.wg.Add(1)
		go func(w Worker) {
			defer pool.wg.Done()
			w.Start()
		}(w)
	}

	return nil
}

// PushWorker adds workers to the pool. Workers can only be
// added before the pool is started.
func (pool *WorkerPool) PushWorker(workers ...Worker) error {
	pool.Lock()
	defer pool.Unlock()

	if pool.started {
		return ErrPoolStarted
	}

	pool.workers = append(pool.workers, workers...)
	return nil
}

// WakeupWorkers signals every worker in the pool. Workers which are
// busy will observe the signal once their current task returns.
func (pool *WorkerPool) WakeupWorkers() error {
	pool.Lock()
	defer pool.Unlock()

	if !pool.started {
		return ErrPoolNotStarted
	}

	for _, w := range pool.workers {
		select {
		case w.WakeupChan() <- 1:
		default:
		}
	}

	return nil
}

// Size returns the number of workers in the pool
func (pool *WorkerPool) Size() int {
	pool.Lock()
	defer pool.Unlock()

	return len(pool.workers)
}

// Close closes the wakeup channel of every worker and waits for
// the worker goroutines to exit.
func (pool *WorkerPool) Close() {
	pool.Lock()
	if !pool.started {
		pool.Unlock()
		return
	}

	for _, w := range pool.workers {
		w.Close()
	}
	pool.started = false
	pool.Unlock()

	pool.wg.Wait()
}
