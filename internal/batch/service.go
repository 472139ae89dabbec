// Package batch accepts batch files for asynchronous processing, running them
// through the pipeline using a pool of workers and exposing a handle for each.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cratefm/crate/internal/event"
	"github.com/cratefm/crate/internal/pipeline"
	"github.com/cratefm/crate/internal/record"
	"github.com/cratefm/crate/pkg/logger"
	"github.com/cratefm/crate/pkg/worker"
	"github.com/google/uuid"
)

var (
	log = logger.Get("BatchServ")

	ErrBatchNotFound    = errors.New("no batch could be found")
	ErrBatchNotTerminal = errors.New("batch has not finished")
	ErrBatchTerminal    = errors.New("batch has already finished")
)

type (
	runner interface {
		Run(ctx context.Context, batchPath string, observer pipeline.Observer) (*pipeline.Outcome, error)
	}

	// batchService is responsible for scheduling submitted batch files on to the
	// pipeline. Each batch is processed by a single worker from the services pool,
	// so that the number of concurrently processing batches is bounded.
	batchService struct {
		*sync.Mutex
		config     Config
		runner     runner
		eventBus   event.EventDispatcher
		scratchDir string
		batches    []*Batch
		workerPool *worker.WorkerPool
	}
)

// New creates a new batch service. The upload directory in the config is created
// if it does not exist. If scratchDir is not empty, retained scratch files
// older than the configured retention are periodically pruned from it.
func New(config Config, runner runner, eventBus event.EventDispatcher, scratchDir string) (*batchService, error) {
	if config.UploadDir != "" {
		if err := ensureDirectory(config.UploadDir); err != nil {
			return nil, err
		}
	}

	service := &batchService{
		Mutex:      &sync.Mutex{},
		config:     config,
		runner:     runner,
		eventBus:   eventBus,
		scratchDir: scratchDir,
		batches:    make([]*Batch, 0),
		workerPool: worker.NewWorkerPool(),
	}

	parallelism := config.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}
	for i := 0; i < parallelism; i++ {
		label := fmt.Sprintf("batch-worker-%d", i)
		service.workerPool.PushWorker(worker.NewWorker(label, service.ExecuteTask))
	}

	return service, nil
}

// Run starts the worker pool and blocks until the context provided is cancelled. On
// shutdown every unfinished batch is cancelled, and the workers are given the chance
// to finish the item they are currently processing.
func (service *batchService) Run(ctx context.Context) error {
	if err := service.workerPool.Start(); err != nil {
		return err
	}
	defer service.workerPool.Close()
	defer service.cancelAll()

	// Batches submitted before the pool started need a wakeup
	service.workerPool.WakeupWorkers()

	var janitor <-chan time.Time
	if service.scratchDir != "" && service.config.ScratchRetention > 0 && service.config.JanitorInterval > 0 {
		ticker := time.NewTicker(service.config.JanitorInterval)
		defer ticker.Stop()
		janitor = ticker.C

		service.PruneScratch()
	}

	for {
		select {
		case <-janitor:
			service.PruneScratch()
		case <-ctx.Done():
			return nil
		}
	}
}

// UploadDir returns the directory which uploaded batch files should be written to.
func (service *batchService) UploadDir() string {
	return service.config.UploadDir
}

// Submit validates the header of the batch file at the path provided and, if valid,
// queues it for processing. A *record.MalformedInputError is returned immediately
// if the header is invalid, in which case the file is left in place and nothing is queued.
func (service *batchService) Submit(path string) (*Batch, error) {
	if err := validateHeader(path); err != nil {
		return nil, err
	}

	batch := newBatch(path, service.eventBus)

	service.Lock()
	service.batches = append(service.batches, batch)
	service.Unlock()

	log.Emit(logger.NEW, "Batch %s received\n", batch)
	service.eventBus.Dispatch(event.BATCH_UPDATE, batch.id)
	service.wakeupWorkerPool()

	return batch, nil
}

// ExecuteTask is the worker function for the service, which is called
// by the services WorkerPool. It claims the oldest RECEIVED batch and
// runs it to completion.
func (service *batchService) ExecuteTask(w worker.Worker) (bool, error) {
	batch := service.claimReceivedBatch()
	if batch == nil {
		return false, nil
	}

	log.Emit(logger.INFO, "Worker %s processing batch %s\n", w.Label(), batch)
	outcome, err := service.runner.Run(batch.ctx, batch.path, batch)

	state := pipeline.COMPLETED
	var malformed *record.MalformedInputError
	switch {
	case errors.Is(err, pipeline.ErrCancelled):
		state = pipeline.CANCELLED
	case errors.As(err, &malformed):
		state = pipeline.REJECTED
	case err != nil:
		state = pipeline.REJECTED
	}

	batch.finish(state, outcome, err)
	log.Emit(logger.SUCCESS, "Batch %s finished in state %s\n", batch, state)

	return true, nil
}

// GetBatch returns the batch with the ID provided, or nil if none exists.
func (service *batchService) GetBatch(id uuid.UUID) *Batch {
	service.Lock()
	defer service.Unlock()

	for _, b := range service.batches {
		if b.id == id {
			return b
		}
	}

	return nil
}

// GetAllBatches returns every batch known to the service, oldest first.
func (service *batchService) GetAllBatches() []*Batch {
	service.Lock()
	defer service.Unlock()

	return append([]*Batch(nil), service.batches...)
}

// CancelBatch cancels the batch with the ID provided. A batch which has not been
// claimed by a worker yet is cancelled immediately; a batch which is processing stops
// before its next item.
func (service *batchService) CancelBatch(id uuid.UUID) error {
	batch := service.GetBatch(id)
	if batch == nil {
		return ErrBatchNotFound
	}

	// Event handlers may call back in to the service, so neither lock can be
	// held when the batch is finished below
	batch.Lock()
	state := batch.state
	if state == pipeline.RECEIVED {
		// Prevent a worker from claiming the batch while we cancel it
		batch.state = pipeline.CANCELLED
	}
	batch.Unlock()

	switch {
	case state.Terminal():
		return ErrBatchTerminal
	case state == pipeline.RECEIVED:
		if err := os.Remove(batch.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Emit(logger.WARNING, "Failed to remove batch file %s for cancelled batch: %v\n", batch.path, err)
		}
		batch.cancel(pipeline.ErrCancelled)
		batch.finish(pipeline.CANCELLED, nil, pipeline.ErrCancelled)
	default:
		batch.Cancel()
	}

	log.Emit(logger.STOP, "Batch %s cancellation requested\n", batch)
	return nil
}

// RemoveBatch forgets the batch with the ID provided. Only batches which have
// finished can be removed.
func (service *batchService) RemoveBatch(id uuid.UUID) error {
	service.Lock()
	defer service.Unlock()

	for k, b := range service.batches {
		if b.id != id {
			continue
		}
		if !b.State().Terminal() {
			return ErrBatchNotTerminal
		}

		service.batches = append(service.batches[:k], service.batches[k+1:]...)
		log.Emit(logger.REMOVE, "Batch %s removed\n", b)
		return nil
	}

	return ErrBatchNotFound
}

// PruneScratch removes files from the scratch directory whose modification
// time is older than the configured retention.
func (service *batchService) PruneScratch() {
	threshold := time.Now().Add(-service.config.ScratchRetention)
	err := filepath.WalkDir(service.scratchDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return nil
		}

		if info.ModTime().Before(threshold) {
			if err := os.Remove(path); err == nil {
				log.Emit(logger.REMOVE, "Pruned expired scratch file %s\n", path)
			}
		}

		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Emit(logger.WARNING, "Scratch directory prune failed: %v\n", err)
	}
}

// claimReceivedBatch finds the oldest RECEIVED batch and claims it, preventing
// another worker from claiming it once the lock is released.
//
// Note: This function takes ownership of the mutex, and releases it when returning
func (service *batchService) claimReceivedBatch() *Batch {
	service.Lock()
	defer service.Unlock()

	for _, b := range service.batches {
		b.Lock()
		claimed := b.claim()
		b.Unlock()

		if claimed {
			return b
		}
	}

	return nil
}

func (service *batchService) cancelAll() {
	for _, b := range service.GetAllBatches() {
		b.Cancel()
	}
}

func (service *batchService) wakeupWorkerPool() {
	if err := service.workerPool.WakeupWorkers(); err != nil {
		log.Emit(logger.DEBUG, "Batch queued before worker pool started\n")
	}
}

func validateHeader(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open batch file %s: %w", path, err)
	}
	defer file.Close()

	_, err = record.NewReader(file)
	return err
}

func ensureDirectory(path string) error {
	if info, err := os.Stat(path); err == nil {
		if !info.IsDir() {
			return fmt.Errorf("path '%s' is not a directory", path)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(path, os.ModeDir|os.ModePerm); err != nil {
			return fmt.Errorf("directory '%s' could not be created: %w", path, err)
		}
	} else {
		return fmt.Errorf("path '%s' could not be accessed: %w", path, err)
	}

	return nil
}
