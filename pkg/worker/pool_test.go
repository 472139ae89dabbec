package worker_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cratefm/crate/pkg/worker"
	"github.com/stretchr/testify/assert"
)

func Test_PoolWakesSleepingWorkers(t *testing.T) {
	var pending atomic.Int32
	var handled atomic.Int32
	task := func(w worker.Worker) (bool, error) {
		if pending.Load() <= 0 {
			return false, nil
		}

		pending.Add(-1)
		handled.Add(1)
		return true, nil
	}

	pool := worker.NewWorkerPool()
	assert.Nil(t, pool.PushWorker(worker.NewWorker("a", task), worker.NewWorker("b", task)))
	assert.Nil(t, pool.Start())
	defer pool.Close()

	assert.ErrorIs(t, pool.Start(), worker.ErrPoolStarted)
	assert.ErrorIs(t, pool.PushWorker(worker.NewWorker("c", task)), worker.ErrPoolStarted)

	pending.Store(5)
	assert.Nil(t, pool.WakeupWorkers())

	assert.Eventually(t, func() bool { return handled.Load() == 5 }, time.Second, 10*time.Millisecond)
}

func Test_WorkerStopsOnTaskError(t *testing.T) {
	w := worker.NewWorker("failing", func(w worker.Worker) (bool, error) {
		return false, errors.New("boom")
	})

	pool := worker.NewWorkerPool()
	assert.Nil(t, pool.PushWorker(w))
	assert.Nil(t, pool.Start())

	assert.Eventually(t, func() bool { return w.Status() == worker.FINISHED }, time.Second, 10*time.Millisecond)
	pool.Close()
}

func Test_WakeupRequiresStartedPool(t *testing.T) {
	pool := worker.NewWorkerPool()
	assert.ErrorIs(t, pool.WakeupWorkers(), worker.ErrPoolNotStarted)

	// Closing an unstarted pool is a no-op
	pool.Close()
}
