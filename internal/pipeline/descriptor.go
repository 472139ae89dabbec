package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cratefm/crate/internal/record"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ItemDescriptor is the validated form of a single batch row.
type ItemDescriptor struct {
	Row       int    `json:"row"`
	Title     string `json:"title" validate:"required"`
	Artist    string `json:"artist" validate:"required"`
	Album     string `json:"album"`
	Duration  string `json:"duration,omitempty"`
	SourceURL string `json:"source_url" validate:"required,url"`
}

// ValidationError describes the fields of a descriptor which failed validation.
// Items which fail validation are skipped rather than failed.
type ValidationError struct {
	Row    int
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("row %d failed validation: invalid fields [%s]", e.Row, strings.Join(e.Fields, ", "))
}

// DescriptorFromRecord builds a descriptor from a parsed row.
func DescriptorFromRecord(row int, rec record.Record) ItemDescriptor {
	return ItemDescriptor{
		Row:       row,
		Title:     rec.Get(record.ColumnTitle),
		Artist:    rec.Get(record.ColumnArtist),
		Album:     rec.Get(record.ColumnAlbum),
		Duration:  rec.Get(record.ColumnDuration),
		SourceURL: rec.Get(record.ColumnURL),
	}
}

// HasSource reports whether the descriptor names a source to fetch. Descriptors
// without one are skipped, and never reach the fetcher.
func (d ItemDescriptor) HasSource() bool {
	return d.SourceURL != ""
}

// Validate checks the descriptor's fields, returning a *ValidationError
// naming every offending field.
func (d ItemDescriptor) Validate() error {
	err := validate.Struct(d)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, fe.Field())
	}

	return &ValidationError{Row: d.Row, Fields: fields}
}

func (d ItemDescriptor) String() string {
	return fmt.Sprintf("{row=%d artist=%q title=%q}", d.Row, d.Artist, d.Title)
}
