package record_test

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/cratefm/crate/internal/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ReaderYieldsTrimmedRecords(t *testing.T) {
	input := "Title, Artist ,Album,Duration,FLAC URL\n" +
		"  Song A , Artist A,Album A,3:21, http://example.com/a.flac \n" +
		"\n" +
		",,,,\n" +
		"Song B,Artist B,,,\n"

	reader, err := record.NewReader(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, []string{"Title", "Artist", "Album", "Duration", "FLAC URL"}, reader.Header())

	records, err := reader.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "Song A", records[0].Get(record.ColumnTitle))
	assert.Equal(t, "Artist A", records[0].Get(record.ColumnArtist))
	assert.Equal(t, "Album A", records[0].Get(record.ColumnAlbum))
	assert.Equal(t, "3:21", records[0].Get(record.ColumnDuration))
	assert.Equal(t, "http://example.com/a.flac", records[0].Get(record.ColumnURL))

	assert.Equal(t, "Song B", records[1].Get(record.ColumnTitle))
	assert.Equal(t, "", records[1].Get(record.ColumnURL))
}

func Test_ReaderColumnOrderAndCaseIndependent(t *testing.T) {
	input := "flac url,ARTIST,title\nhttp://x/y.flac,Someone,Something\n"

	reader, err := record.NewReader(strings.NewReader(input))
	require.NoError(t, err)

	rec, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, "Something", rec.Get(record.ColumnTitle))
	assert.Equal(t, "Someone", rec.Get(record.ColumnArtist))
	assert.Equal(t, "http://x/y.flac", rec.Get(record.ColumnURL))
	assert.Equal(t, "", rec.Get(record.ColumnAlbum))

	_, err = reader.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func Test_ReaderPadsShortRows(t *testing.T) {
	reader, err := record.NewReader(strings.NewReader("Title,Artist,Album,FLAC URL\nOnly Title,Someone\n"))
	require.NoError(t, err)

	rec, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, "Only Title", rec.Get(record.ColumnTitle))
	assert.Equal(t, "", rec.Get(record.ColumnURL))
	assert.Equal(t, 2, reader.Line())
}

func Test_ReaderIgnoresByteOrderMark(t *testing.T) {
	reader, err := record.NewReader(strings.NewReader("\xEF\xBB\xBFTitle,Artist,FLAC URL\na,b,c\n"))
	require.NoError(t, err)
	assert.Equal(t, "Title", reader.Header()[0])
}

func Test_ReaderRejectsMalformedInput(t *testing.T) {
	tests := []struct {
		summary string
		input   string
		cause   error
	}{
		{"empty stream", "", record.ErrMissingHeader},
		{"only blank lines", "\n\n  \n", record.ErrMissingHeader},
		{"missing url column", "Title,Artist,Album\na,b,c\n", record.ErrMissingColumn},
		{"missing title column", "Artist,FLAC URL\nb,http://x\n", record.ErrMissingColumn},
	}

	for _, test := range tests {
		t.Run(test.summary, func(t *testing.T) {
			_, err := record.NewReader(strings.NewReader(test.input))

			var malformed *record.MalformedInputError
			require.True(t, errors.As(err, &malformed), "expected MalformedInputError, got %T", err)
			assert.ErrorIs(t, err, test.cause)
		})
	}
}

func Test_ReaderReportsMidStreamDecodeFailure(t *testing.T) {
	reader, err := record.NewReader(strings.NewReader("Title,Artist,FLAC URL\na,b,c\n\"unterminated,b,c\n"))
	require.NoError(t, err)

	_, err = reader.Next()
	require.NoError(t, err)

	_, err = reader.Next()
	var malformed *record.MalformedInputError
	assert.True(t, errors.As(err, &malformed))
}
