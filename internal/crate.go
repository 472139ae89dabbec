package internal

import (
	"context"
	"fmt"
	"sync"

	"github.com/cratefm/crate/internal/activity"
	"github.com/cratefm/crate/internal/api"
	"github.com/cratefm/crate/internal/api/batches"
	"github.com/cratefm/crate/internal/batch"
	"github.com/cratefm/crate/internal/database"
	"github.com/cratefm/crate/internal/event"
	"github.com/cratefm/crate/internal/fetch"
	"github.com/cratefm/crate/internal/history"
	"github.com/cratefm/crate/internal/http/websocket"
	"github.com/cratefm/crate/internal/pipeline"
	"github.com/cratefm/crate/internal/tag"
	"github.com/cratefm/crate/internal/watch"
	"github.com/cratefm/crate/pkg/logger"
)

var log = logger.Get("Core")

type (
	RunnableService interface {
		Run(context.Context) error
	}

	// crateImpl is the top-level object for the server, and is responsible for
	// constructing the pipeline and the services which drive it, then running
	// them until shutdown.
	crateImpl struct {
		config   CrateConfig
		eventBus event.EventCoordinator
		db       database.Manager

		batchService    RunnableService
		activityService RunnableService
		restGateway     RunnableService
		watchService    RunnableService
		historyRecorder *history.Recorder
	}
)

func New(config CrateConfig) (*crateImpl, error) {
	log.Emit(logger.DEBUG, "Bootstrapping Crate services using config: %#v\n", config)
	crate := &crateImpl{
		config:   config,
		eventBus: event.New(),
	}

	fetcher, err := fetch.New(config.Fetch)
	if err != nil {
		return nil, fmt.Errorf("failed to construct fetcher: %w", err)
	}
	tagger, err := tag.New(config.Tag)
	if err != nil {
		return nil, fmt.Errorf("failed to construct tagger: %w", err)
	}
	orchestrator := pipeline.NewOrchestrator(config.Pipeline, fetcher, tagger)

	batchService, err := batch.New(config.Batch, orchestrator, crate.eventBus, fetcher.ScratchDir())
	if err != nil {
		return nil, fmt.Errorf("failed to construct batch service: %w", err)
	}
	crate.batchService = batchService

	var historyService batches.HistoryService
	if config.Database.Enabled {
		crate.db = database.New()
		crate.historyRecorder = history.NewRecorder(crate.db, batchService, crate.eventBus)
		historyService = crate.historyRecorder
	}

	socket := websocket.New()
	crate.activityService = activity.New(batchService, socket, crate.eventBus)
	crate.restGateway = api.NewRestGateway(&config.Api, socket, batchService, historyService)

	if config.Watch.Enabled {
		watchService, err := watch.New(config.Watch, batchService)
		if err != nil {
			return nil, fmt.Errorf("failed to construct watch service: %w", err)
		}
		crate.watchService = watchService
	}

	return crate, nil
}

// Run starts all of Crate's services, connecting to the history database first if
// enabled. This function will not return until Crate is stopped, either by cancelling
// the context provided or because a service crashed.
func (crate *crateImpl) Run(parent context.Context) error {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %v\n", label, err)
		cancel(fmt.Errorf("service %s crashed: %w", label, err))
	}

	if crate.db != nil {
		log.Emit(logger.NEW, "Connecting to history database...\n")
		if err := crate.db.Connect(crate.config.Database); err != nil {
			return err
		}
		defer crate.db.Close()
	}

	wg := &sync.WaitGroup{}
	crate.spawnAsyncService(ctx, wg, crate.batchService, "batch-service", crashHandler)
	crate.spawnAsyncService(ctx, wg, crate.activityService, "activity-service", crashHandler)
	crate.spawnAsyncService(ctx, wg, crate.restGateway, "rest-gateway", crashHandler)
	if crate.historyRecorder != nil {
		crate.spawnAsyncService(ctx, wg, crate.historyRecorder, "history-recorder", crashHandler)
	}
	if crate.watchService != nil {
		crate.spawnAsyncService(ctx, wg, crate.watchService, "watch-service", crashHandler)
	}
	log.Emit(logger.SUCCESS, "Crate services spawned!\n")

	wg.Wait()
	if cause := context.Cause(ctx); cause != nil && cause != ctx.Err() {
		return cause
	}

	return nil
}

// spawnAsyncService runs the service provided in its own goroutine, ensuring
// that the waitgroup is updated correctly. Errors and panics from the service
// are reported to the crash handler.
func (crate *crateImpl) spawnAsyncService(ctx context.Context, wg *sync.WaitGroup, service RunnableService, serviceLabel string, crashHandler func(string, error)) {
	log.Emit(logger.NEW, "Spawning %s\n", serviceLabel)
	wg.Add(1)

	go func(label string, crash func(string, error)) {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				crash(label, fmt.Errorf("panic %v", r))
			}
		}()

		if err := service.Run(ctx); err != nil {
			crash(label, err)
		}
	}(serviceLabel, crashHandler)
}
