package fetch

import "time"

// Config controls where fetched assets are written, and how
// the fetcher behaves when talking to remote origins.
type Config struct {
	// The directory used for in-flight downloads. This must not be the
	// output directory, as partially written files are stored here.
	ScratchDir string `yaml:"scratch_dir" env:"FETCH_SCRATCH_DIR" env-default:"/tmp/crate/scratch"`

	// URL schemes which the fetcher is willing to retrieve. Any other
	// scheme results in a NetworkError without a request being made.
	AllowedSchemes []string `yaml:"allowed_schemes" env:"FETCH_ALLOWED_SCHEMES" env-separator:"," env-default:"http,https"`

	// Number of additional attempts made for transient failures (connection
	// errors, 5xx and 429 responses). Zero disables retries entirely.
	MaxRetries uint64 `yaml:"max_retries" env:"FETCH_MAX_RETRIES" env-default:"0"`

	InitialBackoff time.Duration `yaml:"initial_backoff" env:"FETCH_INITIAL_BACKOFF" env-default:"1s"`
	MaxBackoff     time.Duration `yaml:"max_backoff" env:"FETCH_MAX_BACKOFF" env-default:"30s"`

	// Requests per second allowed across every batch sharing this fetcher. Zero
	// disables rate limiting.
	RateLimit float64 `yaml:"rate_limit_rps" env:"FETCH_RATE_LIMIT_RPS" env-default:"0"`
	RateBurst int     `yaml:"rate_burst" env:"FETCH_RATE_BURST" env-default:"1"`

	UserAgent string `yaml:"user_agent" env:"FETCH_USER_AGENT" env-default:"crate/1.0"`
}
