package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cratefm/crate/pkg/logger"
	"golang.org/x/time/rate"
)

var (
	log = logger.Get("Fetcher")

	unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)
)

const maxScratchBaseLength = 64

type (
	// Result describes a successfully fetched asset. The file at Path is
	// complete and closed, and is owned by the caller.
	Result struct {
		Path     string
		URL      string
		Size     int64
		Attempts int
	}

	// Fetcher streams remote assets in to uniquely named files inside
	// of the configured scratch directory.
	Fetcher struct {
		config  Config
		client  *http.Client
		limiter *rate.Limiter
		schemes map[string]bool
	}

	// trackedWriter records any error returned by the underlying writer, so
	// that failures writing the destination can be told apart from failures
	// reading the response body.
	trackedWriter struct {
		w   io.Writer
		err error
	}
)

// New constructs a Fetcher using http.DefaultClient. The scratch directory
// is created if it does not exist.
func New(config Config) (*Fetcher, error) {
	return NewWithClient(config, http.DefaultClient)
}

func NewWithClient(config Config, client *http.Client) (*Fetcher, error) {
	if config.ScratchDir == "" {
		return nil, errors.New("fetcher scratch directory must be provided")
	}
	if err := os.MkdirAll(config.ScratchDir, os.ModeDir|os.ModePerm); err != nil {
		return nil, fmt.Errorf("scratch directory '%s' could not be created: %w", config.ScratchDir, err)
	}

	schemes := make(map[string]bool, len(config.AllowedSchemes))
	for _, s := range config.AllowedSchemes {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			schemes[s] = true
		}
	}
	if len(schemes) == 0 {
		schemes["http"] = true
		schemes["https"] = true
	}

	var limiter *rate.Limiter
	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	return &Fetcher{config: config, client: client, limiter: limiter, schemes: schemes}, nil
}

// ScratchDir returns the directory the fetcher writes in to.
func (fetcher *Fetcher) ScratchDir() string {
	return fetcher.config.ScratchDir
}

// Fetch retrieves the asset at the URL provided, streaming the response body
// in to a new file in the scratch directory. The path is only returned once
// the body has been fully written and the file closed. On failure, any
// partially written file is removed before returning.
//
// Errors returned are either a *NetworkError or a *WriteError.
func (fetcher *Fetcher) Fetch(ctx context.Context, sourceURL string) (*Result, error) {
	target, err := fetcher.validateURL(sourceURL)
	if err != nil {
		return nil, err
	}

	policy := backoff.NewExponentialBackOff()
	if fetcher.config.InitialBackoff > 0 {
		policy.InitialInterval = fetcher.config.InitialBackoff
	}
	if fetcher.config.MaxBackoff > 0 {
		policy.MaxInterval = fetcher.config.MaxBackoff
	}
	policy.MaxElapsedTime = 0

	attempts := 0
	operation := func() (*Result, error) {
		attempts++
		res, err := fetcher.attempt(ctx, target)
		if err == nil {
			return res, nil
		}

		var netErr *NetworkError
		if errors.As(err, &netErr) && netErr.Transient() {
			return nil, err
		}

		return nil, backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		log.Emit(logger.WARNING, "Fetch attempt %d for %s failed (%v), retrying in %s\n", attempts, sourceURL, err, wait)
	}

	res, err := backoff.RetryNotifyWithData(
		operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, fetcher.config.MaxRetries), ctx),
		notify,
	)
	if err != nil {
		var netErr *NetworkError
		var writeErr *WriteError
		if !errors.As(err, &netErr) && !errors.As(err, &writeErr) {
			err = &NetworkError{URL: sourceURL, Err: err}
		}

		return nil, err
	}

	res.Attempts = attempts
	log.Emit(logger.DEBUG, "Fetched %s (%d bytes) to %s\n", sourceURL, res.Size, res.Path)
	return res, nil
}

func (fetcher *Fetcher) validateURL(sourceURL string) (*url.URL, error) {
	target, err := url.Parse(strings.TrimSpace(sourceURL))
	if err != nil {
		return nil, &NetworkError{URL: sourceURL, Err: err}
	}
	if !target.IsAbs() {
		return nil, &NetworkError{URL: sourceURL, Err: ErrNotAbsolute}
	}
	if !fetcher.schemes[strings.ToLower(target.Scheme)] {
		return nil, &NetworkError{URL: sourceURL, Err: fmt.Errorf("%w: %s", ErrSchemeNotAllowed, target.Scheme)}
	}
	if target.Host == "" {
		return nil, &NetworkError{URL: sourceURL, Err: ErrNotAbsolute}
	}

	return target, nil
}

// attempt performs a single GET of the target, writing the body to a new scratch
// file. The scratch file is removed if any step fails.
func (fetcher *Fetcher) attempt(ctx context.Context, target *url.URL) (*Result, error) {
	if fetcher.limiter != nil {
		if err := fetcher.limiter.Wait(ctx); err != nil {
			return nil, &NetworkError{URL: target.String(), Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, &NetworkError{URL: target.String(), Err: err}
	}
	if fetcher.config.UserAgent != "" {
		req.Header.Set("User-Agent", fetcher.config.UserAgent)
	}

	resp, err := fetcher.client.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: target.String(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &NetworkError{URL: target.String(), StatusCode: resp.StatusCode, Err: ErrUnexpectedStatus}
	}

	file, err := os.CreateTemp(fetcher.config.ScratchDir, scratchPattern(target))
	if err != nil {
		return nil, &WriteError{Path: fetcher.config.ScratchDir, Err: err}
	}

	tw := &trackedWriter{w: file}
	written, copyErr := io.Copy(tw, resp.Body)
	closeErr := file.Close()
	if copyErr != nil || closeErr != nil {
		if err := os.Remove(file.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Emit(logger.WARNING, "Failed to remove partial download %s: %v\n", file.Name(), err)
		}

		switch {
		case tw.err != nil:
			return nil, &WriteError{Path: file.Name(), Err: tw.err}
		case copyErr != nil:
			return nil, &NetworkError{URL: target.String(), Err: copyErr}
		default:
			return nil, &WriteError{Path: file.Name(), Err: closeErr}
		}
	}

	return &Result{Path: file.Name(), URL: target.String(), Size: written}, nil
}

func (tw *trackedWriter) Write(p []byte) (int, error) {
	n, err := tw.w.Write(p)
	if err != nil {
		tw.err = err
	}

	return n, err
}

// scratchPattern builds an os.CreateTemp pattern for the target. The
// timestamp prefix keeps names roughly ordered by creation, and the random
// component inserted by CreateTemp guarantees uniqueness across concurrent
// fetches of the same URL.
func scratchPattern(target *url.URL) string {
	base := unsafeNameChars.ReplaceAllString(path.Base(target.Path), "_")
	base = strings.Trim(base, ".")
	if base == "" || base == "_" {
		base = "download"
	}
	if len(base) > maxScratchBaseLength {
		base = base[len(base)-maxScratchBaseLength:]
	}

	return fmt.Sprintf("%d-*-%s", time.Now().UnixNano(), base)
}
