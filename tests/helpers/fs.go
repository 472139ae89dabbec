package helpers

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/labstack/gommon/random"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// BatchHeader is the standard header row of a batch file.
var BatchHeader = []string{"Title", "Artist", "Album", "Duration", "FLAC URL"}

// TempDirWithFiles creates a temporary directory (cleaned up automatically at the end
// of the test) containing an empty file for each of the names provided. The returned
// paths are in the same order as the names.
func TempDirWithFiles(t *testing.T, files []string) (string, []string) {
	dirPath := t.TempDir()
	filePaths := make([]string, 0, len(files))
	for _, filename := range files {
		file, err := os.CreateTemp(dirPath, "*"+filename)
		assert.Nil(t, err, "failed to create temporary file in temporary dir")
		file.Close()
		filePaths = append(filePaths, file.Name())
	}

	assert.Len(t, filePaths, len(files), "Expected file paths recorded to match length of requested files")
	return dirPath, filePaths
}

// WriteBatchFile writes a CSV batch file with the standard header followed
// by the rows provided in to the directory given, returning its path.
func WriteBatchFile(t *testing.T, dir string, rows ...[]string) string {
	return WriteBatchFileWithHeader(t, dir, BatchHeader, rows...)
}

func WriteBatchFileWithHeader(t *testing.T, dir string, header []string, rows ...[]string) string {
	path := filepath.Join(dir, random.String(12, random.Alphanumeric)+".csv")
	file, err := os.Create(path)
	require.NoError(t, err, "failed to create batch file")
	defer file.Close()

	writer := csv.NewWriter(file)
	if header != nil {
		require.NoError(t, writer.Write(header))
	}
	require.NoError(t, writer.WriteAll(rows))

	return path
}

// WriteRawFile writes the content provided to a randomly named file in the directory given.
func WriteRawFile(t *testing.T, dir string, ext string, content string) string {
	path := filepath.Join(dir, random.String(12, random.Alphanumeric)+ext)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}
