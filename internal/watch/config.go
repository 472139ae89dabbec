package watch

import "time"

// Config controls how Crate detects batch files dropped in to a watched directory.
type Config struct {
	Enabled bool `yaml:"enabled" env:"WATCH_ENABLED" env-default:"false"`

	// The path to the directory the service should monitor for new batch files
	Path string `yaml:"path" env:"WATCH_PATH" env-default:"/tmp/crate/watch"`

	// The service uses a directory watcher, but a 'force' sync is performed
	// on a regular interval to protect against the watcher failing.
	ForceSyncSeconds int `yaml:"force_sync_seconds" env:"WATCH_FORCE_SYNC_SECONDS" env-default:"60"`

	// A new file is likely still being written by whatever produced it. As we
	// cannot KNOW when it is complete, we instead wait for the 'modtime' of the
	// file to be at least this long in the past before importing it.
	RequiredModTimeAgeSeconds int `yaml:"required_modtime_age_seconds" env:"WATCH_MODTIME_THRESHOLD_SECONDS" env-default:"10"`

	// Regular expressions matched against the file name. Matching files are ignored.
	Blacklist []string `yaml:"blacklist" env:"WATCH_BLACKLIST" env-separator:","`
}

func (config *Config) RequiredModTimeAgeDuration() time.Duration {
	return time.Duration(config.RequiredModTimeAgeSeconds) * time.Second
}

func (config *Config) ForceSyncDuration() time.Duration {
	if config.ForceSyncSeconds < 1 {
		return time.Minute
	}

	return time.Duration(config.ForceSyncSeconds) * time.Second
}
