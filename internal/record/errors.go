package record

import "fmt"

// MalformedInputError indicates the batch stream could not be decoded at all.
// It is fatal to the batch: no items are processed when it is returned.
type MalformedInputError struct {
	Line int
	Err  error
}

func (e *MalformedInputError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("malformed batch input (line %d): %v", e.Line, e.Err)
	}

	return fmt.Sprintf("malformed batch input: %v", e.Err)
}

func (e *MalformedInputError) Unwrap() error {
	return e.Err
}
