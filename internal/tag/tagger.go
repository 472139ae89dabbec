// Package tag embeds descriptive metadata in to fetched media files using an
// ffmpeg stream copy, publishing the result in to the output directory.
package tag

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cratefm/crate/pkg/logger"
	"github.com/floostack/transcoder/ffmpeg"
)

var log = logger.Get("Tagger")

type (
	// Metadata contains the tags written to an artifact. An empty
	// Album is written as an empty tag.
	Metadata struct {
		Title  string
		Artist string
		Album  string
	}

	// FfmpegTagger remuxes a source file with new metadata, without
	// re-encoding any of the streams inside of it.
	FfmpegTagger struct {
		config Config
	}
)

// New constructs a tagger which publishes artifacts to the configured output
// directory, creating the directory if it's missing.
func New(config Config) (*FfmpegTagger, error) {
	if config.OutputDir == "" {
		return nil, errors.New("tagger output directory must be provided")
	}
	if info, err := os.Stat(config.OutputDir); err == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("output path '%s' is not a directory", config.OutputDir)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(config.OutputDir, os.ModeDir|os.ModePerm); err != nil {
			return nil, fmt.Errorf("output directory '%s' could not be created: %w", config.OutputDir, err)
		}
	} else {
		return nil, fmt.Errorf("output path '%s' could not be accessed: %w", config.OutputDir, err)
	}

	if config.Extension == "" {
		config.Extension = DefaultExtension
	}

	return &FfmpegTagger{config: config}, nil
}

// OutputPath returns the path an artifact with the metadata provided will
// be published to.
func (tagger *FfmpegTagger) OutputPath(meta Metadata) string {
	return filepath.Join(tagger.config.OutputDir, FileName(meta.Artist, meta.Title, tagger.config.Extension))
}

// Tag writes the metadata provided in to a copy of the source file, and publishes
// that copy at the derived output path. The copy is first written to a hidden
// staging file in the output directory, and is only renamed in to place once
// ffmpeg has exited successfully, so the output path never refers to a partial file.
//
// On success the source file is deleted. On failure a *TagError is returned, the
// staging file is removed, and the source file is left untouched.
func (tagger *FfmpegTagger) Tag(ctx context.Context, sourcePath string, meta Metadata) (string, error) {
	if _, err := os.Stat(sourcePath); err != nil {
		return "", &TagError{Source: sourcePath, Err: fmt.Errorf("%w: %v", ErrSourceMissing, err)}
	}

	finalPath := tagger.OutputPath(meta)
	stagingPath, err := tagger.reserveStagingFile(finalPath)
	if err != nil {
		return "", &TagError{Source: sourcePath, Output: finalPath, Err: err}
	}

	if err := tagger.remux(ctx, sourcePath, stagingPath, meta); err != nil {
		if rmErr := os.Remove(stagingPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.Emit(logger.WARNING, "Failed to remove staging file %s: %v\n", stagingPath, rmErr)
		}

		return "", &TagError{Source: sourcePath, Output: finalPath, Err: err}
	}

	if err := os.Rename(stagingPath, finalPath); err != nil {
		_ = os.Remove(stagingPath)
		return "", &TagError{Source: sourcePath, Output: finalPath, Err: fmt.Errorf("failed to publish artifact: %w", err)}
	}

	if err := os.Remove(sourcePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Emit(logger.WARNING, "Artifact %s published but source %s could not be removed: %v\n", finalPath, sourcePath, err)
	}

	log.Emit(logger.SUCCESS, "Tagged %s\n", finalPath)
	return finalPath, nil
}

// reserveStagingFile creates a uniquely named, hidden, empty file next to the final
// path. Keeping it in the same directory makes the later rename atomic, and the unique
// name prevents two items deriving the same artifact name from sharing a staging file.
func (tagger *FfmpegTagger) reserveStagingFile(finalPath string) (string, error) {
	ext := filepath.Ext(finalPath)
	base := strings.TrimSuffix(filepath.Base(finalPath), ext)

	file, err := os.CreateTemp(filepath.Dir(finalPath), fmt.Sprintf(".%s.*.partial%s", base, ext))
	if err != nil {
		return "", fmt.Errorf("failed to create staging file: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("failed to close staging file: %w", err)
	}

	return file.Name(), nil
}

// remux runs ffmpeg, copying every stream from the source to the staging
// path while setting the title, artist and album tags.
func (tagger *FfmpegTagger) remux(ctx context.Context, sourcePath string, stagingPath string, meta Metadata) error {
	copyCodec := "copy"
	overwrite := true
	opts := ffmpeg.Options{
		AudioCodec: &copyCodec,
		VideoCodec: &copyCodec,
		Overwrite:  &overwrite,
	}

	cmd := ffmpeg.
		New(&ffmpeg.Config{
			ProgressEnabled: true,
			FfmpegBinPath:   tagger.config.FfmpegBinPath,
			FfprobeBinPath:  tagger.config.FfprobeBinPath,
		}).
		Input(sourcePath).
		Output(stagingPath).
		WithContext(&ctx)

	// Options.Metadata is not serialised by the transcoder, and ExtraArgs can only
	// hold one -metadata key, so each tag is its own option group. With a single
	// output every group is placed before the output path.
	for _, arg := range metadataArguments(meta) {
		cmd = cmd.WithAdditionalOptions(ffmpeg.Options{ExtraArgs: map[string]interface{}{"-metadata": arg}})
	}

	log.Emit(logger.DEBUG, "Starting ffmpeg stream copy %s -> %s\n", sourcePath, stagingPath)
	progress, err := cmd.Start(opts)
	if err != nil {
		return parseFfmpegError(err)
	}

	// The progress channel is closed once the ffmpeg process has been waited on
	for prog := range progress {
		log.Emit(logger.VERBOSE, "Tagging %s: %.1f%%\n", sourcePath, prog.GetProgress())
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	running := cmd.GetRunningCmdInstance()
	if running == nil || running.ProcessState == nil || !running.ProcessState.Success() {
		return ErrNonZeroExit
	}

	if info, err := os.Stat(stagingPath); err != nil || info.Size() == 0 {
		return ErrNoOutput
	}

	return nil
}

// metadataArguments returns the key=value pairs passed to ffmpeg's -metadata flag.
func metadataArguments(meta Metadata) []string {
	return []string{
		"title=" + meta.Title,
		"artist=" + meta.Artist,
		"album=" + meta.Album,
	}
}
