package internal_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cratefm/crate/internal"
	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const configYaml = `
log_level: DEBUG
pipeline:
  fetch_timeout: 2m
tag:
  output_dir: ~/music
batch:
  parallelism: 4
  upload_dir: /srv/crate/uploads
fetch:
  allowed_schemes: [https]
  max_retries: 3
api:
  jwt_secret: from-file
database:
  enabled: true
  username: crate
`

func TestLoadFromFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	homedir.DisableCache = true
	t.Cleanup(func() { homedir.DisableCache = false })

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(configYaml), 0o644))

	// Environment overrides the file
	t.Setenv("API_JWT_SECRET", "from-env")

	config := internal.CrateConfig{}
	require.NoError(t, config.LoadFromFile(path))

	assert.Equal(t, "DEBUG", config.LogLevel)
	assert.Equal(t, 2*time.Minute, config.Pipeline.FetchTimeout)
	assert.Equal(t, filepath.Join(home, "music"), config.Tag.OutputDir)
	assert.Equal(t, 4, config.Batch.Parallelism)
	assert.Equal(t, "/srv/crate/uploads", config.Batch.UploadDir)
	assert.Equal(t, []string{"https"}, config.Fetch.AllowedSchemes)
	assert.EqualValues(t, 3, config.Fetch.MaxRetries)
	assert.Equal(t, "from-env", config.Api.JwtSecret)
	assert.True(t, config.Database.Enabled)
	assert.Equal(t, "crate", config.Database.User)

	// Defaults fill in anything not configured
	assert.Equal(t, "flac", config.Tag.Extension)
	assert.Equal(t, "0.0.0.0:8080", config.Api.HostAddr)
	assert.Equal(t, 168*time.Hour, config.Batch.ScratchRetention)
	assert.False(t, config.Watch.Enabled)
	assert.Equal(t, "CRATE_DB", config.Database.Name)
}

func TestLoadFromFile_MissingFile(t *testing.T) {
	config := internal.CrateConfig{}
	assert.Error(t, config.LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestLoadFromEnvironmentOnly(t *testing.T) {
	t.Setenv("BATCH_PARALLELISM", "3")
	t.Setenv("FETCH_ALLOWED_SCHEMES", "http,https,ftp")

	config := internal.CrateConfig{}
	require.NoError(t, config.LoadFromFile(""))

	assert.Equal(t, 3, config.Batch.Parallelism)
	assert.Equal(t, []string{"http", "https", "ftp"}, config.Fetch.AllowedSchemes)
	assert.Equal(t, "INFO", config.LogLevel)
}
