package tag

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

var (
	ErrSourceMissing = errors.New("source file does not exist")
	ErrNonZeroExit   = errors.New("ffmpeg exited unsuccessfully")
	ErrNoOutput      = errors.New("ffmpeg produced no output")

	ffmpegMessageMatcher = regexp.MustCompile(`(?s)message: ({.*})`)
)

// TagError is returned when the metadata could not be embedded in to the
// source file. The source file is left in place when this error is returned.
type TagError struct {
	Source string
	Output string
	Err    error
}

func (e *TagError) Error() string {
	return fmt.Sprintf("failed to tag %s: %v", e.Source, e.Err)
}

func (e *TagError) Unwrap() error { return e.Err }

// parseFfmpegError extracts the useful part of an error raised by the
// transcoder library. The raw error contains the entire ffprobe/ffmpeg
// output, including build configuration, with the interesting information
// encoded as JSON after a 'message:' marker.
func parseFfmpegError(err error) error {
	groups := ffmpegMessageMatcher.FindStringSubmatch(err.Error())
	if len(groups) < 2 {
		return err
	}

	var out map[string]interface{}
	if jsonErr := json.Unmarshal([]byte(groups[1]), &out); jsonErr != nil {
		return errors.New(groups[1])
	}

	if exception, ok := out["error"].(map[string]interface{}); ok {
		if msg, ok := exception["string"].(string); ok {
			return errors.New(msg)
		}
	}

	return errors.New(groups[1])
}
