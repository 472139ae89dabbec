package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrSchemeNotAllowed = errors.New("url scheme is not allowed")
	ErrNotAbsolute      = errors.New("url is not absolute")
	ErrUnexpectedStatus = errors.New("unexpected response status")
)

type (
	// NetworkError is returned when the remote asset could not be retrieved:
	// the URL was rejected, the connection failed or timed out, or the origin
	// responded with a non-2xx status.
	NetworkError struct {
		URL        string
		StatusCode int
		Err        error
	}

	// WriteError is returned when the retrieved bytes could not be written to
	// the scratch directory.
	WriteError struct {
		Path string
		Err  error
	}
)

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch of %s failed with status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	}

	return fmt.Sprintf("fetch of %s failed: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Transient reports whether repeating the request could plausibly succeed.
func (e *NetworkError) Transient() bool {
	if errors.Is(e.Err, ErrSchemeNotAllowed) || errors.Is(e.Err, ErrNotAbsolute) || errors.Is(e.Err, context.Canceled) {
		return false
	}

	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	}

	return false
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write fetched asset to %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
