package batch

import "time"

// Config contains the options which control how submitted batches are
// scheduled, and how long failed downloads are kept around for.
type Config struct {
	// Controls the number of batches which can be processed at once. Items
	// within a batch are always processed one at a time.
	Parallelism int `yaml:"parallelism" env:"BATCH_PARALLELISM" env-default:"2"`

	// The directory uploaded batch files are written to before submission.
	UploadDir string `yaml:"upload_dir" env:"BATCH_UPLOAD_DIR" env-default:"/tmp/crate/uploads"`

	// Fetched files which could not be tagged are retained in the scratch
	// directory for diagnosis. Files older than this are pruned. Zero disables
	// pruning.
	ScratchRetention time.Duration `yaml:"scratch_retention" env:"BATCH_SCRATCH_RETENTION" env-default:"168h"`

	// How often the scratch directory is checked for expired files.
	JanitorInterval time.Duration `yaml:"janitor_interval" env:"BATCH_JANITOR_INTERVAL" env-default:"1h"`
}
