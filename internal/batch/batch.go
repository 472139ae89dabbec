package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cratefm/crate/internal/event"
	"github.com/cratefm/crate/internal/pipeline"
	"github.com/google/uuid"
)

type (
	// Batch is the handle of a submitted batch file. All methods are
	// safe to call from any goroutine.
	Batch struct {
		*sync.Mutex
		id        uuid.UUID
		path      string
		state     pipeline.BatchState
		items     []pipeline.ItemResult
		outcome   *pipeline.Outcome
		err       error
		createdAt time.Time
		updatedAt time.Time

		ctx    context.Context
		cancel context.CancelCauseFunc
		done   chan struct{}
		bus    event.EventDispatcher
	}

	// Snapshot is a consistent, point-in-time copy of a batch.
	Snapshot struct {
		ID        uuid.UUID             `json:"id"`
		Path      string                `json:"path"`
		State     pipeline.BatchState   `json:"state"`
		Items     []pipeline.ItemResult `json:"items"`
		Outcome   *pipeline.Outcome     `json:"outcome,omitempty"`
		Error     string                `json:"error,omitempty"`
		CreatedAt time.Time             `json:"created_at"`
		UpdatedAt time.Time             `json:"updated_at"`
	}
)

func newBatch(path string, bus event.EventDispatcher) *Batch {
	ctx, cancel := context.WithCancelCause(context.Background())
	now := time.Now()
	return &Batch{
		Mutex:     &sync.Mutex{},
		id:        uuid.New(),
		path:      path,
		state:     pipeline.RECEIVED,
		items:     make([]pipeline.ItemResult, 0),
		createdAt: now,
		updatedAt: now,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		bus:       bus,
	}
}

func (b *Batch) ID() uuid.UUID { return b.id }
func (b *Batch) Path() string  { return b.path }

func (b *Batch) State() pipeline.BatchState {
	b.Lock()
	defer b.Unlock()

	return b.state
}

// Done returns a channel which is closed once the batch reaches a terminal state.
func (b *Batch) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until the batch has finished, or the context provided is cancelled. The
// outcome is nil if the batch was rejected before any items were processed.
func (b *Batch) Wait(ctx context.Context) (*pipeline.Outcome, error) {
	select {
	case <-b.done:
		return b.Outcome(), b.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Outcome returns the final outcome of the batch. It is nil until the
// batch reaches a terminal state.
func (b *Batch) Outcome() *pipeline.Outcome {
	b.Lock()
	defer b.Unlock()

	return b.outcome
}

// Err returns the batch level error (rejection or cancellation), if any.
func (b *Batch) Err() error {
	b.Lock()
	defer b.Unlock()

	return b.err
}

// Cancel requests that the batch stops before its next item. It has no
// effect on a batch which has already finished.
func (b *Batch) Cancel() {
	b.cancel(pipeline.ErrCancelled)
}

func (b *Batch) Snapshot() Snapshot {
	b.Lock()
	defer b.Unlock()

	snap := Snapshot{
		ID:        b.id,
		Path:      b.path,
		State:     b.state,
		Items:     append([]pipeline.ItemResult(nil), b.items...),
		Outcome:   b.outcome,
		CreatedAt: b.createdAt,
		UpdatedAt: b.updatedAt,
	}
	if b.err != nil {
		snap.Error = b.err.Error()
	}

	return snap
}

func (b *Batch) String() string {
	return fmt.Sprintf("{batch id=%s path=%s}", b.id, b.path)
}

// BatchStateChanged implements pipeline.Observer
func (b *Batch) BatchStateChanged(state pipeline.BatchState) {
	b.Lock()
	b.state = state
	b.updatedAt = time.Now()
	b.Unlock()

	b.bus.Dispatch(event.BATCH_UPDATE, b.id)
}

// ItemStateChanged implements pipeline.Observer. A copy of the item is
// stored, as the pipeline continues to mutate the original.
func (b *Batch) ItemStateChanged(item *pipeline.ItemResult) {
	b.Lock()
	snapshot := *item
	if n := len(b.items); n > 0 && b.items[n-1].Descriptor.Row == snapshot.Descriptor.Row {
		b.items[n-1] = snapshot
	} else {
		b.items = append(b.items, snapshot)
	}
	b.updatedAt = time.Now()
	b.Unlock()

	b.bus.Dispatch(event.ITEM_UPDATE, event.ItemPayload{BatchID: b.id, Row: snapshot.Descriptor.Row})
}

// claim moves a RECEIVED batch to PARSING, returning false if the
// batch is in any other state (and so should not be processed).
//
// Note: the caller must hold the lock of the batch
func (b *Batch) claim() bool {
	if b.state != pipeline.RECEIVED {
		return false
	}

	b.state = pipeline.PARSING
	b.updatedAt = time.Now()
	return true
}

// finish records the result of processing and releases any waiters.
func (b *Batch) finish(state pipeline.BatchState, outcome *pipeline.Outcome, err error) {
	b.Lock()
	b.state = state
	b.outcome = outcome
	b.err = err
	b.updatedAt = time.Now()
	b.Unlock()

	b.cancel(nil)
	close(b.done)
	b.bus.Dispatch(event.BATCH_COMPLETE, b.id)
}
