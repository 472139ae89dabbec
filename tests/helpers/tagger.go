package helpers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cratefm/crate/internal/tag"
)

// FakeTagger stands in for the ffmpeg tagger. It publishes the source file
// to the derived output path unchanged (removing the source, as the real tagger
// does) and records every call it receives.
type FakeTagger struct {
	OutputDir string
	// Failures maps a title to the error returned when tagging an item with that title
	Failures map[string]error
	// Delay is slept before each call completes, useful for testing cancellation
	Delay time.Duration

	mu    sync.Mutex
	calls []tag.Metadata
}

func NewFakeTagger(outputDir string) *FakeTagger {
	return &FakeTagger{OutputDir: outputDir, Failures: make(map[string]error)}
}

func (f *FakeTagger) Tag(ctx context.Context, source string, meta tag.Metadata) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, meta)
	failure := f.Failures[meta.Title]
	f.mu.Unlock()

	if f.Delay > 0 {
		time.Sleep(f.Delay)
	}

	if failure != nil {
		return "", &tag.TagError{Source: source, Err: failure}
	}

	finalPath := filepath.Join(f.OutputDir, tag.FileName(meta.Artist, meta.Title, tag.DefaultExtension))
	if err := os.Rename(source, finalPath); err != nil {
		return "", &tag.TagError{Source: source, Output: finalPath, Err: fmt.Errorf("fake publish failed: %w", err)}
	}

	return finalPath, nil
}

func (f *FakeTagger) Calls() []tag.Metadata {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]tag.Metadata(nil), f.calls...)
}
