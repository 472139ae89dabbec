package internal

import (
	"fmt"

	"github.com/cratefm/crate/internal/api"
	"github.com/cratefm/crate/internal/batch"
	"github.com/cratefm/crate/internal/database"
	"github.com/cratefm/crate/internal/fetch"
	"github.com/cratefm/crate/internal/pipeline"
	"github.com/cratefm/crate/internal/tag"
	"github.com/cratefm/crate/internal/watch"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/mitchellh/go-homedir"
)

// CrateConfig is the struct used to contain the various user config
// supplied by file and/or environment variables.
type CrateConfig struct {
	LogLevel string          `yaml:"log_level" env:"LOG_LEVEL" env-default:"INFO"`
	Pipeline pipeline.Config `yaml:"pipeline"`
	Fetch    fetch.Config    `yaml:"fetch"`
	Tag      tag.Config      `yaml:"tag"`
	Batch    batch.Config    `yaml:"batch"`
	Watch    watch.Config    `yaml:"watch"`
	Api      api.RestConfig  `yaml:"api"`
	Database database.Config `yaml:"database"`
}

// LoadFromFile loads a YAML configuration file in to the config. Environment
// variables override values found in the file. If path is empty, only the
// environment (and the defaults) are used.
func (config *CrateConfig) LoadFromFile(path string) error {
	if path == "" {
		if err := cleanenv.ReadEnv(config); err != nil {
			return fmt.Errorf("failed to load configuration from environment: %w", err)
		}
	} else {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return fmt.Errorf("failed to expand config path %s: %w", path, err)
		}
		if err := cleanenv.ReadConfig(expanded, config); err != nil {
			return fmt.Errorf("failed to load configuration from %s: %w", expanded, err)
		}
	}

	return config.expandPaths()
}

// expandPaths replaces a leading '~' in each of the configured directories
// with the home directory of the current user.
func (config *CrateConfig) expandPaths() error {
	for _, path := range []*string{
		&config.Fetch.ScratchDir,
		&config.Tag.OutputDir,
		&config.Tag.FfmpegBinPath,
		&config.Tag.FfprobeBinPath,
		&config.Batch.UploadDir,
		&config.Watch.Path,
	} {
		expanded, err := homedir.Expand(*path)
		if err != nil {
			return fmt.Errorf("failed to expand path %s: %w", *path, err)
		}
		*path = expanded
	}

	return nil
}
