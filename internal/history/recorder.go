package history

import (
	"context"

	"github.com/cratefm/crate/internal/batch"
	"github.com/cratefm/crate/internal/database"
	"github.com/cratefm/crate/internal/event"
	"github.com/cratefm/crate/pkg/logger"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var log = logger.Get("History")

type (
	batchProvider interface {
		GetBatch(uuid.UUID) *batch.Batch
	}

	// Recorder listens for finished batches and saves each of them
	// to the history store.
	Recorder struct {
		db      database.Manager
		store   *Store
		batches batchProvider
		events  event.HandlerChannel
	}
)

func NewRecorder(db database.Manager, batches batchProvider, bus event.EventHandler) *Recorder {
	recorder := &Recorder{
		db:      db,
		store:   &Store{},
		batches: batches,
		events:  make(event.HandlerChannel, 100),
	}
	bus.RegisterHandlerChannel(recorder.events, event.BATCH_COMPLETE)

	return recorder
}

// Run saves every batch reported complete on the event bus until the
// context is cancelled.
func (recorder *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-recorder.events:
			id, ok := ev.Payload.(uuid.UUID)
			if !ok {
				continue
			}

			b := recorder.batches.GetBatch(id)
			if b == nil {
				log.Emit(logger.WARNING, "Batch %s completed but is no longer known, history not recorded\n", id)
				continue
			}

			if err := recorder.Record(b.Snapshot()); err != nil {
				log.Emit(logger.ERROR, "Failed to record history of batch %s: %v\n", id, err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Record saves the snapshot provided in a single transaction.
func (recorder *Recorder) Record(snap batch.Snapshot) error {
	rec := RecordFromSnapshot(snap)
	if err := recorder.db.WrapTx(func(tx *sqlx.Tx) error {
		return recorder.store.SaveBatch(tx, rec)
	}); err != nil {
		return err
	}

	log.Emit(logger.SUCCESS, "Recorded history of batch %s (%s)\n", rec.ID, rec.State)
	return nil
}

func (recorder *Recorder) ListBatches(limit uint64) ([]*BatchRecord, error) {
	return recorder.store.ListBatches(recorder.db.GetSqlxDb(), limit)
}

func (recorder *Recorder) GetBatch(id uuid.UUID) (*BatchRecord, error) {
	return recorder.store.GetBatch(recorder.db.GetSqlxDb(), id)
}
