package helpers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// Origin is a test HTTP server serving fixed payloads for registered paths, and
// 404 for anything else. Request counts are recorded per path.
type Origin struct {
	*httptest.Server
	mu       sync.Mutex
	payloads map[string][]byte
	statuses map[string]int
	hits     map[string]int
}

func NewOrigin(t *testing.T) *Origin {
	origin := &Origin{
		payloads: make(map[string][]byte),
		statuses: make(map[string]int),
		hits:     make(map[string]int),
	}
	origin.Server = httptest.NewServer(http.HandlerFunc(origin.serve))
	t.Cleanup(origin.Close)

	return origin
}

// Serve registers a payload for the path provided and returns the absolute URL for it.
func (o *Origin) Serve(path string, payload []byte) string {
	o.mu.Lock()
	defer o.mu.Unlock()

	path = "/" + strings.TrimPrefix(path, "/")
	o.payloads[path] = payload
	return o.URL + path
}

// Fail registers a status code to be returned for the path provided, returning its URL.
func (o *Origin) Fail(path string, status int) string {
	o.mu.Lock()
	defer o.mu.Unlock()

	path = "/" + strings.TrimPrefix(path, "/")
	o.statuses[path] = status
	return o.URL + path
}

func (o *Origin) Hits(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.hits["/"+strings.TrimPrefix(path, "/")]
}

func (o *Origin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.hits[r.URL.Path]++
	status, failing := o.statuses[r.URL.Path]
	payload, ok := o.payloads[r.URL.Path]
	o.mu.Unlock()

	if failing {
		w.WriteHeader(status)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}

	_, _ = w.Write(payload)
}
