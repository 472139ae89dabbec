package watch_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cratefm/crate/internal/batch"
	"github.com/cratefm/crate/internal/event"
	"github.com/cratefm/crate/internal/pipeline"
	"github.com/cratefm/crate/internal/watch"
	"github.com/cratefm/crate/pkg/logger"
	"github.com/cratefm/crate/tests/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.SetMinLoggingLevel(logger.VERBOSE.Level())
}

type idleRunner struct{}

func (idleRunner) Run(context.Context, string, pipeline.Observer) (*pipeline.Outcome, error) {
	return &pipeline.Outcome{}, nil
}

// recordingSubmitter wraps a real (unstarted) batch service, recording the
// paths submitted to it.
type recordingSubmitter struct {
	sync.Mutex
	service interface {
		UploadDir() string
		Submit(string) (*batch.Batch, error)
	}
	submitted []string
}

func (r *recordingSubmitter) UploadDir() string { return r.service.UploadDir() }

func (r *recordingSubmitter) Submit(path string) (*batch.Batch, error) {
	r.Lock()
	r.submitted = append(r.submitted, path)
	r.Unlock()

	return r.service.Submit(path)
}

func (r *recordingSubmitter) Submitted() []string {
	r.Lock()
	defer r.Unlock()
	return append([]string(nil), r.submitted...)
}

func newSubmitter(t *testing.T) *recordingSubmitter {
	service, err := batch.New(batch.Config{UploadDir: t.TempDir()}, idleRunner{}, event.New(), "")
	require.NoError(t, err)

	return &recordingSubmitter{service: service}
}

func ageFile(t *testing.T, path string, age time.Duration) {
	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, old, old))
}

func TestDiscover_ImportsSettledBatchFiles(t *testing.T) {
	watchDir := t.TempDir()
	submitter := newSubmitter(t)
	service, err := watch.New(watch.Config{Path: watchDir, RequiredModTimeAgeSeconds: 5, Blacklist: []string{`^ignored`}}, submitter)
	require.NoError(t, err)

	settled := helpers.WriteBatchFile(t, watchDir, []string{"Song", "Artist", "", "", "http://x/a.flac"})
	ageFile(t, settled, time.Minute)

	nested := filepath.Join(watchDir, "nested")
	require.NoError(t, os.Mkdir(nested, 0o755))
	nestedFile := helpers.WriteBatchFile(t, nested, []string{"Song", "Artist", "", "", "http://x/b.flac"})
	ageFile(t, nestedFile, time.Minute)

	notCsv := helpers.WriteRawFile(t, watchDir, ".txt", "hello")
	ageFile(t, notCsv, time.Minute)
	hidden := filepath.Join(watchDir, ".partial.csv")
	require.NoError(t, os.WriteFile(hidden, []byte("Title,Artist,FLAC URL\n"), 0o644))
	ageFile(t, hidden, time.Minute)
	blacklisted := filepath.Join(watchDir, "ignored.csv")
	require.NoError(t, os.WriteFile(blacklisted, []byte("Title,Artist,FLAC URL\n"), 0o644))
	ageFile(t, blacklisted, time.Minute)

	service.DiscoverNewFiles()

	submitted := submitter.Submitted()
	require.Len(t, submitted, 2)
	for _, path := range submitted {
		assert.Equal(t, submitter.UploadDir(), filepath.Dir(path))
		assert.FileExists(t, path)
	}
	assert.NoFileExists(t, settled, "imported files are moved out of the watch directory")
	assert.NoFileExists(t, nestedFile)
	assert.FileExists(t, notCsv)
	assert.FileExists(t, hidden)
	assert.FileExists(t, blacklisted)

	// A second scan finds nothing new
	service.DiscoverNewFiles()
	assert.Len(t, submitter.Submitted(), 2)
}

func TestDiscover_HoldsRecentlyModifiedFiles(t *testing.T) {
	watchDir := t.TempDir()
	submitter := newSubmitter(t)
	service, err := watch.New(watch.Config{Path: watchDir, RequiredModTimeAgeSeconds: 1}, submitter)
	require.NoError(t, err)

	fresh := helpers.WriteBatchFile(t, watchDir, []string{"Song", "Artist", "", "", "http://x/a.flac"})
	service.DiscoverNewFiles()

	assert.Empty(t, submitter.Submitted())
	assert.Equal(t, []string{fresh}, service.HeldFiles())

	require.Eventually(t, func() bool { return len(submitter.Submitted()) == 1 }, 3*time.Second, 50*time.Millisecond)
	assert.Empty(t, service.HeldFiles())
	assert.NoFileExists(t, fresh)
}

func TestDiscover_RejectedFileStaysInUploadDir(t *testing.T) {
	watchDir := t.TempDir()
	submitter := newSubmitter(t)
	service, err := watch.New(watch.Config{Path: watchDir}, submitter)
	require.NoError(t, err)

	bad := helpers.WriteBatchFileWithHeader(t, watchDir, []string{"Title", "Album"}, []string{"Song", "Album"})
	service.DiscoverNewFiles()

	submitted := submitter.Submitted()
	require.Len(t, submitted, 1)
	assert.True(t, strings.HasSuffix(submitted[0], filepath.Base(bad)))
	assert.FileExists(t, submitted[0])
	assert.NoFileExists(t, bad)
}

func TestRun_PicksUpNewFiles(t *testing.T) {
	watchDir := t.TempDir()
	submitter := newSubmitter(t)
	service, err := watch.New(watch.Config{Path: watchDir, ForceSyncSeconds: 1}, submitter)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, service.Run(ctx))
	}()
	defer func() {
		cancel()
		<-done
	}()

	helpers.WriteBatchFile(t, watchDir, []string{"Song", "Artist", "", "", "http://x/a.flac"})

	// Either the watcher or the forced sync will find the file
	require.Eventually(t, func() bool { return len(submitter.Submitted()) == 1 }, 5*time.Second, 50*time.Millisecond)
}

func TestNew_InvalidBlacklist(t *testing.T) {
	_, err := watch.New(watch.Config{Path: t.TempDir(), Blacklist: []string{"("}}, newSubmitter(t))
	assert.Error(t, err)
}
