package pipeline

import (
	"encoding/json"
	"fmt"
	"time"
)

type (
	BatchState int
	ItemState  int

	// ItemResult records how a single row of a batch was dispositioned.
	ItemResult struct {
		Descriptor   ItemDescriptor `json:"descriptor"`
		State        ItemState      `json:"state"`
		ArtifactPath string         `json:"artifact_path,omitempty"`
		// RetainedPath is set when the fetched file was kept for diagnosis
		// after the tagger failed to process it.
		RetainedPath string `json:"retained_path,omitempty"`
		Err          error  `json:"-"`
	}

	// Outcome summarises a processed batch. The counters always satisfy
	// Skipped + Succeeded + Failed == Parsed.
	Outcome struct {
		Parsed     int           `json:"parsed"`
		Skipped    int           `json:"skipped"`
		Succeeded  int           `json:"succeeded"`
		Failed     int           `json:"failed"`
		Items      []*ItemResult `json:"items"`
		StartedAt  time.Time     `json:"started_at"`
		FinishedAt time.Time     `json:"finished_at"`
	}
)

const (
	RECEIVED BatchState = iota
	PARSING
	PROCESSING
	COMPLETED
	REJECTED
	CANCELLED
)

const (
	PENDING ItemState = iota
	FETCHING
	TAGGING
	DONE
	FAILED
	SKIPPED
)

func (s BatchState) String() string {
	switch s {
	case RECEIVED:
		return "RECEIVED"
	case PARSING:
		return "PARSING"
	case PROCESSING:
		return "PROCESSING"
	case COMPLETED:
		return "COMPLETED"
	case REJECTED:
		return "REJECTED"
	case CANCELLED:
		return "CANCELLED"
	}

	return fmt.Sprintf("UNKNOWN[%d]", int(s))
}

// Terminal reports whether no further transitions are possible
// from this state.
func (s BatchState) Terminal() bool {
	return s == COMPLETED || s == REJECTED || s == CANCELLED
}

func (s BatchState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s ItemState) String() string {
	switch s {
	case PENDING:
		return "PENDING"
	case FETCHING:
		return "FETCHING"
	case TAGGING:
		return "TAGGING"
	case DONE:
		return "DONE"
	case FAILED:
		return "FAILED"
	case SKIPPED:
		return "SKIPPED"
	}

	return fmt.Sprintf("UNKNOWN[%d]", int(s))
}

func (s ItemState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Cause returns the failure or skip reason of the item, if any.
func (r ItemResult) Cause() string {
	if r.Err == nil {
		return ""
	}

	return r.Err.Error()
}

func (r ItemResult) MarshalJSON() ([]byte, error) {
	type alias ItemResult
	return json.Marshal(struct {
		alias
		Cause string `json:"cause,omitempty"`
	}{alias(r), r.Cause()})
}

func newOutcome() *Outcome {
	return &Outcome{Items: make([]*ItemResult, 0), StartedAt: time.Now()}
}

// record appends an item in a terminal state and updates the counters.
func (o *Outcome) record(item *ItemResult) {
	o.Parsed++
	switch item.State {
	case DONE:
		o.Succeeded++
	case FAILED:
		o.Failed++
	case SKIPPED:
		o.Skipped++
	}

	o.Items = append(o.Items, item)
}

// RetainedFiles returns the paths of fetched files kept after a failed tag.
func (o *Outcome) RetainedFiles() []string {
	paths := make([]string, 0)
	for _, item := range o.Items {
		if item.RetainedPath != "" {
			paths = append(paths, item.RetainedPath)
		}
	}

	return paths
}

func (o *Outcome) String() string {
	return fmt.Sprintf("{parsed=%d skipped=%d succeeded=%d failed=%d}", o.Parsed, o.Skipped, o.Succeeded, o.Failed)
}
