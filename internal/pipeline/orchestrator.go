// Package pipeline drives a batch file through parsing, fetching and tagging,
// isolating the failures of individual items from the rest of the batch.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cratefm/crate/internal/fetch"
	"github.com/cratefm/crate/internal/record"
	"github.com/cratefm/crate/internal/tag"
	"github.com/cratefm/crate/pkg/logger"
)

var (
	log = logger.Get("Pipeline")

	ErrCancelled = errors.New("batch cancelled")
)

type (
	Fetcher interface {
		Fetch(ctx context.Context, sourceURL string) (*fetch.Result, error)
	}

	Tagger interface {
		Tag(ctx context.Context, sourcePath string, meta tag.Metadata) (string, error)
	}

	// Observer is notified of every state transition made while a batch
	// is processed. Calls are made synchronously from the batch goroutine.
	Observer interface {
		BatchStateChanged(BatchState)
		ItemStateChanged(*ItemResult)
	}

	Config struct {
		// Optional deadlines applied to each fetch and tag step. Zero disables the
		// deadline for that step.
		FetchTimeout time.Duration `yaml:"fetch_timeout" env:"PIPELINE_FETCH_TIMEOUT" env-default:"0s"`
		TagTimeout   time.Duration `yaml:"tag_timeout" env:"PIPELINE_TAG_TIMEOUT" env-default:"0s"`
	}

	// Orchestrator processes batch files one item at a time, in row order.
	Orchestrator struct {
		config  Config
		fetcher Fetcher
		tagger  Tagger
	}

	noopObserver struct{}
)

func (noopObserver) BatchStateChanged(BatchState)  {}
func (noopObserver) ItemStateChanged(*ItemResult) {}

func NewOrchestrator(config Config, fetcher Fetcher, tagger Tagger) *Orchestrator {
	return &Orchestrator{config: config, fetcher: fetcher, tagger: tagger}
}

// RunBatch processes the batch file at the path provided, see Run.
func (orchestrator *Orchestrator) RunBatch(ctx context.Context, batchPath string) (*Outcome, error) {
	return orchestrator.Run(ctx, batchPath, nil)
}

// Run processes every row of the batch file, reporting state transitions to the
// observer provided (which may be nil).
//
// A *record.MalformedInputError is returned if the file cannot be decoded. When
// this happens during header decoding no items are processed; when it happens
// part way through, the outcome of the rows processed so far is returned alongside
// the error. In either case the batch file is left in place.
//
// Item level failures never cause an error to be returned, they are recorded in the
// outcome instead. Once every item is dispositioned the batch file is deleted.
//
// Cancellation of the context is observed between items: the item in progress is
// allowed to finish, after which, if any rows remain, the batch file is deleted and
// ErrCancelled is returned alongside the outcome of the items already processed.
func (orchestrator *Orchestrator) Run(ctx context.Context, batchPath string, observer Observer) (*Outcome, error) {
	if observer == nil {
		observer = noopObserver{}
	}

	outcome := newOutcome()
	observer.BatchStateChanged(PARSING)

	file, err := os.Open(batchPath)
	if err != nil {
		observer.BatchStateChanged(REJECTED)
		return nil, fmt.Errorf("failed to open batch file %s: %w", batchPath, err)
	}
	defer file.Close()

	reader, err := record.NewReader(file)
	if err != nil {
		log.Emit(logger.ERROR, "Batch %s rejected: %v\n", batchPath, err)
		observer.BatchStateChanged(REJECTED)
		return nil, err
	}

	log.Emit(logger.NEW, "Processing batch %s\n", batchPath)
	observer.BatchStateChanged(PROCESSING)
	for {
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			outcome.FinishedAt = time.Now()
			log.Emit(logger.ERROR, "Batch %s could not be fully decoded after %d items: %v\n", batchPath, outcome.Parsed, err)
			observer.BatchStateChanged(REJECTED)
			return outcome, err
		}

		// Only a batch with rows left unprocessed is considered cancelled
		if ctx.Err() != nil {
			outcome.FinishedAt = time.Now()
			file.Close()
			orchestrator.removeBatchFile(batchPath)

			log.Emit(logger.STOP, "Batch %s cancelled after %d items: %s\n", batchPath, outcome.Parsed, outcome)
			observer.BatchStateChanged(CANCELLED)
			return outcome, fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
		}

		item := &ItemResult{Descriptor: DescriptorFromRecord(reader.Line(), rec), State: PENDING}
		observer.ItemStateChanged(item)

		orchestrator.processItem(ctx, item, observer)
		outcome.record(item)
	}

	file.Close()
	orchestrator.removeBatchFile(batchPath)
	outcome.FinishedAt = time.Now()

	log.Emit(logger.SUCCESS, "Batch %s completed: %s\n", batchPath, outcome)
	observer.BatchStateChanged(COMPLETED)
	return outcome, nil
}

// processItem moves a single item through its states until it's either DONE, FAILED or
// SKIPPED. The item steps run using a context which is detached from the cancellation of
// the batch, so that cancelling a batch never interrupts an item part way through; step
// timeouts still apply.
func (orchestrator *Orchestrator) processItem(batchCtx context.Context, item *ItemResult, observer Observer) {
	desc := item.Descriptor
	transition := func(state ItemState, err error) {
		item.State = state
		item.Err = err
		observer.ItemStateChanged(item)
	}

	if !desc.HasSource() {
		log.Emit(logger.WARNING, "Skipping item %s: no source URL\n", desc)
		transition(SKIPPED, &ValidationError{Row: desc.Row, Fields: []string{"SourceURL"}})
		return
	}
	if err := desc.Validate(); err != nil {
		log.Emit(logger.WARNING, "Skipping item %s: %v\n", desc, err)
		transition(SKIPPED, err)
		return
	}

	ctx := context.WithoutCancel(batchCtx)

	transition(FETCHING, nil)
	fetched, err := orchestrator.fetch(ctx, desc)
	if err != nil {
		log.Emit(logger.ERROR, "Failed to fetch item %s: %v\n", desc, err)
		transition(FAILED, err)
		return
	}

	transition(TAGGING, nil)
	artifact, err := orchestrator.tag(ctx, fetched.Path, desc)
	if err != nil {
		log.Emit(logger.ERROR, "Failed to tag item %s, retaining %s: %v\n", desc, fetched.Path, err)
		item.RetainedPath = fetched.Path
		transition(FAILED, err)
		return
	}

	// The tagger removes its source on success; this only catches a source it failed to remove
	if err := os.Remove(fetched.Path); err == nil {
		log.Emit(logger.DEBUG, "Removed leftover scratch file %s\n", fetched.Path)
	}

	item.ArtifactPath = artifact
	log.Emit(logger.SUCCESS, "Item %s published to %s\n", desc, artifact)
	transition(DONE, nil)
}

func (orchestrator *Orchestrator) fetch(ctx context.Context, desc ItemDescriptor) (*fetch.Result, error) {
	if orchestrator.config.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, orchestrator.config.FetchTimeout)
		defer cancel()
	}

	return orchestrator.fetcher.Fetch(ctx, desc.SourceURL)
}

func (orchestrator *Orchestrator) tag(ctx context.Context, path string, desc ItemDescriptor) (string, error) {
	if orchestrator.config.TagTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, orchestrator.config.TagTimeout)
		defer cancel()
	}

	return orchestrator.tagger.Tag(ctx, path, tag.Metadata{Title: desc.Title, Artist: desc.Artist, Album: desc.Album})
}

func (orchestrator *Orchestrator) removeBatchFile(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Emit(logger.WARNING, "Failed to remove batch file %s: %v\n", path, err)
	}
}
