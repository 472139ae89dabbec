package history_test

import (
	"errors"
	"testing"
	"time"

	"github.com/cratefm/crate/internal/batch"
	"github.com/cratefm/crate/internal/database"
	"github.com/cratefm/crate/internal/history"
	"github.com/cratefm/crate/internal/pipeline"
	"github.com/cratefm/crate/tests/helpers"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completedSnapshot() batch.Snapshot {
	started := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)
	return batch.Snapshot{
		ID:        uuid.New(),
		Path:      "/tmp/uploads/1700000000000-batch.csv",
		State:     pipeline.COMPLETED,
		CreatedAt: started,
		Outcome: &pipeline.Outcome{
			Parsed:     2,
			Skipped:    1,
			Succeeded:  1,
			StartedAt:  started,
			FinishedAt: started.Add(time.Second),
			Items: []*pipeline.ItemResult{
				{
					Descriptor:   pipeline.ItemDescriptor{Row: 2, Title: "Song A", Artist: "Artist A", Album: "Album A", SourceURL: "http://x/a.flac"},
					State:        pipeline.DONE,
					ArtifactPath: "/data/music/Artist_A - Song_A.flac",
				},
				{
					Descriptor: pipeline.ItemDescriptor{Row: 3, Title: "Song B", Artist: "Artist B"},
					State:      pipeline.SKIPPED,
					Err:        errors.New("missing source URL"),
				},
			},
		},
	}
}

func Test_RecordFromSnapshot(t *testing.T) {
	snap := completedSnapshot()
	rec := history.RecordFromSnapshot(snap)

	assert.Equal(t, snap.ID, rec.ID)
	assert.Equal(t, "COMPLETED", rec.State)
	assert.Nil(t, rec.Error)
	assert.Equal(t, 2, rec.Parsed)
	assert.Equal(t, 1, rec.Succeeded)
	require.Len(t, rec.Items, 2)

	assert.Equal(t, "DONE", rec.Items[0].State)
	require.NotNil(t, rec.Items[0].ArtifactPath)
	assert.Nil(t, rec.Items[0].Cause)

	assert.Equal(t, "SKIPPED", rec.Items[1].State)
	require.NotNil(t, rec.Items[1].Cause)
	assert.Equal(t, "missing source URL", *rec.Items[1].Cause)
}

func Test_RecordFromRejectedSnapshot(t *testing.T) {
	rec := history.RecordFromSnapshot(batch.Snapshot{ID: uuid.New(), State: pipeline.REJECTED, Error: "malformed batch input"})

	assert.Equal(t, "REJECTED", rec.State)
	require.NotNil(t, rec.Error)
	assert.Empty(t, rec.Items)
	assert.Nil(t, rec.StartedAt)
}

func Test_StoreRoundTrip(t *testing.T) {
	config := helpers.SpawnPostgres(t)

	db := database.New()
	require.NoError(t, db.Connect(config))
	defer db.Close()

	store := &history.Store{}
	snap := completedSnapshot()
	rec := history.RecordFromSnapshot(snap)

	require.NoError(t, db.WrapTx(func(tx *sqlx.Tx) error { return store.SaveBatch(tx, rec) }))
	// Saving again replaces rather than duplicates
	require.NoError(t, db.WrapTx(func(tx *sqlx.Tx) error { return store.SaveBatch(tx, rec) }))

	got, err := store.GetBatch(db.GetSqlxDb(), snap.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.State, got.State)
	assert.Equal(t, rec.Succeeded, got.Succeeded)
	require.Len(t, got.Items, 2)
	assert.Equal(t, 2, got.Items[0].Row)
	require.NotNil(t, got.Items[0].ArtifactPath)
	assert.Equal(t, "/data/music/Artist_A - Song_A.flac", *got.Items[0].ArtifactPath)
	require.NotNil(t, got.Items[1].Cause)
	assert.Equal(t, "missing source URL", *got.Items[1].Cause)

	list, err := store.ListBatches(db.GetSqlxDb(), 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = store.GetBatch(db.GetSqlxDb(), uuid.New())
	assert.ErrorIs(t, err, history.ErrBatchNotFound)
}
