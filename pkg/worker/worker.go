package worker

import (
	"sync"

	"github.com/cratefm/crate/pkg/logger"
)

var log = logger.Get("Worker")

type (
	WorkerWakeupChan chan int
	WorkerStatus     int

	// WorkerTask is executed repeatedly by a worker. The boolean
	// return indicates whether the task found work to do: when false
	// the worker sleeps until it is woken by the pool. A non-nil error
	// stops the worker permanently.
	WorkerTask func(Worker) (bool, error)

	Worker interface {
		Start()
		Status() WorkerStatus
		WakeupChan() WorkerWakeupChan
		Label() string
		Sleep() bool
		Close()
	}

	taskWorker struct {
		*sync.Mutex
		label         string
		task          WorkerTask
		wakeupChan    WorkerWakeupChan
		currentStatus WorkerStatus
	}
)

const (
	SLEEPING WorkerStatus = iota
	WORKING
	FINISHED
)

func (s WorkerStatus) String() string {
	switch s {
	case SLEEPING:
		return "SLEEPING"
	case WORKING:
		return "WORKING"
	case FINISHED:
		return "FINISHED"
	}

	return "UNKNOWN"
}

// NewWorker creates a worker which will execute the task provided
// each time it is woken up. The wakeup channel is buffered so that a
// wakeup sent while the worker is busy is not lost.
func NewWorker(label string, task WorkerTask) *taskWorker {
	return &taskWorker{
		Mutex:         &sync.Mutex{},
		label:         label,
		task:          task,
		wakeupChan:    make(WorkerWakeupChan, 1),
		currentStatus: SLEEPING,
	}
}

// Start runs the workers task in a loop until the task reports an error, or
// the wakeup channel of the worker is closed. This method blocks.
func (worker *taskWorker) Start() {
	log.Emit(logger.NEW, "Starting worker with label %s\n", worker.label)
	worker.setStatus(WORKING)

	for {
		workDone, err := worker.task(worker)
		if err != nil {
			log.Emit(logger.ERROR, "Worker with label %s has reported an error (%T): %v\n", worker.label, err, err)
			break
		}

		if !workDone && !worker.Sleep() {
			break
		}
	}

	worker.setStatus(FINISHED)
	log.Emit(logger.STOP, "Worker with label %s has stopped\n", worker.label)
}

// Status returns the current status of this worker
func (worker *taskWorker) Status() WorkerStatus {
	worker.Lock()
	defer worker.Unlock()

	return worker.currentStatus
}

func (worker *taskWorker) WakeupChan() WorkerWakeupChan {
	return worker.wakeupChan
}

// Close closes the wakeup channel of the worker. A sleeping worker
// will exit, a working worker will exit once its current task completes.
func (worker *taskWorker) Close() {
	close(worker.wakeupChan)
}

func (worker *taskWorker) Label() string {
	return worker.label
}

// Sleep puts a worker to sleep until it's wakeupChan is
// signalled from another goroutine. Returns false if the wakeup
// channel was closed, indicating the worker should quit.
func (worker *taskWorker) Sleep() (isAlive bool) {
	worker.setStatus(SLEEPING)

	if _, isAlive = <-worker.wakeupChan; isAlive {
		worker.setStatus(WORKING)
	} else {
		log.Emit(logger.STOP, "Wakeup channel for worker '%s' has been closed, worker is exiting\n", worker.label)
	}

	return isAlive
}

func (worker *taskWorker) setStatus(status WorkerStatus) {
	worker.Lock()
	defer worker.Unlock()

	worker.currentStatus = status
}
