// Package record decodes batch description files: a CSV header row followed by
// one row per media item.
package record

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	ColumnTitle    = "Title"
	ColumnArtist   = "Artist"
	ColumnAlbum    = "Album"
	ColumnDuration = "Duration"
	ColumnURL      = "FLAC URL"
)

var (
	RequiredColumns = []string{ColumnTitle, ColumnArtist, ColumnURL}

	ErrMissingHeader = errors.New("header row is missing")
	ErrMissingColumn = errors.New("header is missing a required column")

	utf8BOM = []byte{0xEF, 0xBB, 0xBF}
)

type (
	// Record is a single data row keyed by its (trimmed) header name.
	Record map[string]string

	// Reader yields the records of a batch file one at a time. The
	// underlying stream is consumed lazily.
	Reader struct {
		csv     *csv.Reader
		header  []string
		columns map[string]int
		line    int
	}
)

// Get returns the value of the column with the canonical name provided. Lookup
// falls back to a case-insensitive match so that 'flac url' and 'FLAC URL'
// columns are treated alike.
func (r Record) Get(column string) string {
	if v, ok := r[column]; ok {
		return v
	}

	for k, v := range r {
		if strings.EqualFold(k, column) {
			return v
		}
	}

	return ""
}

// NewReader consumes the header row from the stream provided and returns a
// Reader positioned at the first data row. A MalformedInputError is returned
// if the header is absent, cannot be decoded, or lacks a required column.
func NewReader(in io.Reader) (*Reader, error) {
	buffered := bufio.NewReader(in)
	if peek, err := buffered.Peek(len(utf8BOM)); err == nil && string(peek) == string(utf8BOM) {
		_, _ = buffered.Discard(len(utf8BOM))
	}

	reader := csv.NewReader(buffered)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	r := &Reader{csv: reader, columns: make(map[string]int)}
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil, &MalformedInputError{Line: 1, Err: ErrMissingHeader}
		} else if err != nil {
			return nil, newMalformedError(err)
		}

		r.line, _ = reader.FieldPos(0)
		if isBlank(row) {
			continue
		}

		r.header = trimAll(row)
		break
	}

	for idx, name := range r.header {
		if name == "" {
			continue
		}
		if _, exists := r.columns[strings.ToLower(name)]; !exists {
			r.columns[strings.ToLower(name)] = idx
		}
	}

	for _, required := range RequiredColumns {
		if _, ok := r.columns[strings.ToLower(required)]; !ok {
			return nil, &MalformedInputError{Line: r.line, Err: fmt.Errorf("%w: %q", ErrMissingColumn, required)}
		}
	}

	return r, nil
}

// Header returns the trimmed header row.
func (r *Reader) Header() []string {
	return append([]string(nil), r.header...)
}

// Line returns the line number of the row most recently returned by Next.
func (r *Reader) Line() int {
	return r.line
}

// Next returns the next non-blank data row, or io.EOF once the stream
// has been fully consumed. Rows shorter than the header are padded
// with empty values; extra trailing fields are ignored.
func (r *Reader) Next() (Record, error) {
	for {
		row, err := r.csv.Read()
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		} else if err != nil {
			return nil, newMalformedError(err)
		}

		r.line, _ = r.csv.FieldPos(0)
		if isBlank(row) {
			continue
		}

		rec := make(Record, len(r.header))
		for idx, name := range r.header {
			if name == "" {
				continue
			}

			value := ""
			if idx < len(row) {
				value = strings.TrimSpace(row[idx])
			}
			rec[name] = value
		}

		return rec, nil
	}
}

// ReadAll drains the reader, returning every remaining record.
func (r *Reader) ReadAll() ([]Record, error) {
	records := make([]Record, 0)
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return records, nil
		} else if err != nil {
			return records, err
		}

		records = append(records, rec)
	}
}

func newMalformedError(err error) *MalformedInputError {
	var parseErr *csv.ParseError
	if errors.As(err, &parseErr) {
		return &MalformedInputError{Line: parseErr.Line, Err: parseErr.Err}
	}

	return &MalformedInputError{Err: err}
}

func isBlank(row []string) bool {
	for _, field := range row {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}

	return true
}

func trimAll(row []string) []string {
	out := make([]string, len(row))
	for i, field := range row {
		out[i] = strings.TrimSpace(field)
	}

	return out
}
