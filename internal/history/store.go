// Package history persists the outcome of finished batches so that they can be
// inspected after the batch service has forgotten them (or the process restarted).
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/cratefm/crate/internal/batch"
	"github.com/cratefm/crate/internal/database"
	"github.com/google/uuid"
)

var (
	ErrBatchNotFound = errors.New("batch does not exist in history")

	psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
)

type (
	BatchRecord struct {
		ID         uuid.UUID     `db:"id" json:"id"`
		SourcePath string        `db:"source_path" json:"source_path"`
		State      string        `db:"state" json:"state"`
		Error      *string       `db:"error" json:"error,omitempty"`
		Parsed     int           `db:"parsed" json:"parsed"`
		Skipped    int           `db:"skipped" json:"skipped"`
		Succeeded  int           `db:"succeeded" json:"succeeded"`
		Failed     int           `db:"failed" json:"failed"`
		CreatedAt  time.Time     `db:"created_at" json:"created_at"`
		StartedAt  *time.Time    `db:"started_at" json:"started_at,omitempty"`
		FinishedAt *time.Time    `db:"finished_at" json:"finished_at,omitempty"`
		Items      []*ItemRecord `db:"-" json:"items,omitempty"`
	}

	ItemRecord struct {
		BatchID      uuid.UUID `db:"batch_id" json:"-"`
		Row          int       `db:"row_number" json:"row"`
		Title        string    `db:"title" json:"title"`
		Artist       string    `db:"artist" json:"artist"`
		Album        string    `db:"album" json:"album"`
		SourceURL    string    `db:"source_url" json:"source_url"`
		State        string    `db:"state" json:"state"`
		ArtifactPath *string   `db:"artifact_path" json:"artifact_path,omitempty"`
		RetainedPath *string   `db:"retained_path" json:"retained_path,omitempty"`
		Cause        *string   `db:"cause" json:"cause,omitempty"`
	}

	Store struct{}
)

// RecordFromSnapshot converts a finished batch in to its history record.
func RecordFromSnapshot(snap batch.Snapshot) *BatchRecord {
	rec := &BatchRecord{
		ID:         snap.ID,
		SourcePath: snap.Path,
		State:      snap.State.String(),
		Error:      optionalString(snap.Error),
		CreatedAt:  snap.CreatedAt,
		Items:      make([]*ItemRecord, 0),
	}

	if outcome := snap.Outcome; outcome != nil {
		rec.Parsed = outcome.Parsed
		rec.Skipped = outcome.Skipped
		rec.Succeeded = outcome.Succeeded
		rec.Failed = outcome.Failed
		rec.StartedAt = optionalTime(outcome.StartedAt)
		rec.FinishedAt = optionalTime(outcome.FinishedAt)

		for _, item := range outcome.Items {
			rec.Items = append(rec.Items, &ItemRecord{
				BatchID:      snap.ID,
				Row:          item.Descriptor.Row,
				Title:        item.Descriptor.Title,
				Artist:       item.Descriptor.Artist,
				Album:        item.Descriptor.Album,
				SourceURL:    item.Descriptor.SourceURL,
				State:        item.State.String(),
				ArtifactPath: optionalString(item.ArtifactPath),
				RetainedPath: optionalString(item.RetainedPath),
				Cause:        optionalString(item.Cause()),
			})
		}
	}

	return rec
}

// SaveBatch inserts the batch record and its items. Saving a batch which already
// exists replaces the previous record. This should be called inside of a transaction.
func (store *Store) SaveBatch(db database.Queryable, rec *BatchRecord) error {
	query, args, err := psql.
		Insert("batch").
		Columns("id", "source_path", "state", "error", "parsed", "skipped", "succeeded", "failed", "created_at", "started_at", "finished_at").
		Values(rec.ID, rec.SourcePath, rec.State, rec.Error, rec.Parsed, rec.Skipped, rec.Succeeded, rec.Failed, rec.CreatedAt, rec.StartedAt, rec.FinishedAt).
		Suffix(`ON CONFLICT(id) DO UPDATE SET
			state=EXCLUDED.state, error=EXCLUDED.error, parsed=EXCLUDED.parsed, skipped=EXCLUDED.skipped,
			succeeded=EXCLUDED.succeeded, failed=EXCLUDED.failed, started_at=EXCLUDED.started_at, finished_at=EXCLUDED.finished_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build batch insert: %w", err)
	}
	if _, err := db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to save batch %s: %w", rec.ID, err)
	}

	deleteQuery, deleteArgs, err := psql.Delete("batch_item").Where(squirrel.Eq{"batch_id": rec.ID}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build item delete: %w", err)
	}
	if _, err := db.Exec(deleteQuery, deleteArgs...); err != nil {
		return fmt.Errorf("failed to clear items of batch %s: %w", rec.ID, err)
	}

	if len(rec.Items) == 0 {
		return nil
	}

	insert := psql.
		Insert("batch_item").
		Columns("batch_id", "row_number", "title", "artist", "album", "source_url", "state", "artifact_path", "retained_path", "cause")
	for _, item := range rec.Items {
		insert = insert.Values(rec.ID, item.Row, item.Title, item.Artist, item.Album, item.SourceURL, item.State, item.ArtifactPath, item.RetainedPath, item.Cause)
	}

	itemQuery, itemArgs, err := insert.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build item insert: %w", err)
	}
	if _, err := db.Exec(itemQuery, itemArgs...); err != nil {
		return fmt.Errorf("failed to save items of batch %s: %w", rec.ID, err)
	}

	return nil
}

// ListBatches returns the most recently created batches, newest first. Items
// are not populated.
func (store *Store) ListBatches(db database.Queryable, limit uint64) ([]*BatchRecord, error) {
	query, args, err := psql.Select("*").From("batch").OrderBy("created_at DESC").Limit(limit).ToSql()
	if err != nil {
		return nil, err
	}

	var results []*BatchRecord
	if err := db.Select(&results, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}

	return results, nil
}

// GetBatch returns the batch with the ID provided, including its items.
func (store *Store) GetBatch(db database.Queryable, id uuid.UUID) (*BatchRecord, error) {
	query, args, err := psql.Select("*").From("batch").Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}

	var rec BatchRecord
	if err := db.Get(&rec, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBatchNotFound
		}

		return nil, fmt.Errorf("failed to get batch %s: %w", id, err)
	}

	itemQuery, itemArgs, err := psql.Select("*").From("batch_item").Where(squirrel.Eq{"batch_id": id}).OrderBy("row_number").ToSql()
	if err != nil {
		return nil, err
	}
	if err := db.Select(&rec.Items, itemQuery, itemArgs...); err != nil {
		return nil, fmt.Errorf("failed to get items of batch %s: %w", id, err)
	}

	return &rec, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}

	return &t
}
