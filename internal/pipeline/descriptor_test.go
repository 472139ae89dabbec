package pipeline_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/cratefm/crate/internal/pipeline"
	"github.com/cratefm/crate/internal/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_DescriptorFromRecord(t *testing.T) {
	desc := pipeline.DescriptorFromRecord(4, record.Record{
		"Title":    "Song",
		"artist":   "Someone",
		"Album":    "",
		"FLAC URL": "https://cdn.example.com/song.flac",
	})

	assert.Equal(t, 4, desc.Row)
	assert.Equal(t, "Song", desc.Title)
	assert.Equal(t, "Someone", desc.Artist)
	assert.True(t, desc.HasSource())
	assert.NoError(t, desc.Validate())
}

func Test_DescriptorValidation(t *testing.T) {
	tests := []struct {
		summary string
		desc    pipeline.ItemDescriptor
		fields  []string
	}{
		{"missing title", pipeline.ItemDescriptor{Artist: "A", SourceURL: "http://x/y"}, []string{"Title"}},
		{"missing artist and title", pipeline.ItemDescriptor{SourceURL: "http://x/y"}, []string{"Title", "Artist"}},
		{"relative url", pipeline.ItemDescriptor{Title: "T", Artist: "A", SourceURL: "y.flac"}, []string{"SourceURL"}},
	}

	for _, test := range tests {
		t.Run(test.summary, func(t *testing.T) {
			err := test.desc.Validate()

			var validationErr *pipeline.ValidationError
			require.True(t, errors.As(err, &validationErr))
			assert.Equal(t, test.fields, validationErr.Fields)
		})
	}
}

func Test_OutcomeJSONIncludesCause(t *testing.T) {
	item := &pipeline.ItemResult{State: pipeline.SKIPPED, Err: errors.New("missing source URL")}
	out, err := json.Marshal(item)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "SKIPPED", decoded["state"])
	assert.Equal(t, "missing source URL", decoded["cause"])
}
