package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cratefm/crate/internal/api"
	"github.com/cratefm/crate/internal/batch"
	"github.com/cratefm/crate/internal/event"
	"github.com/cratefm/crate/internal/http/websocket"
	"github.com/cratefm/crate/internal/pipeline"
	"github.com/cratefm/crate/tests/helpers"
	"github.com/google/uuid"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

type idleRunner struct{}

func (idleRunner) Run(context.Context, string, pipeline.Observer) (*pipeline.Outcome, error) {
	return &pipeline.Outcome{}, nil
}

type testGateway struct {
	*api.RestGateway
	uploadDir string
	token     string
}

// newGateway builds a gateway around a batch service which is never started, so
// submitted batches remain RECEIVED for the duration of the test.
func newGateway(t *testing.T) *testGateway {
	uploadDir := t.TempDir()
	service, err := batch.New(batch.Config{UploadDir: uploadDir}, idleRunner{}, event.New(), "")
	assert.NilError(t, err)

	gateway := api.NewRestGateway(&api.RestConfig{JwtSecret: helpers.TestJwtSecret, BodyLimit: "1M"}, websocket.New(), service, nil)
	return &testGateway{RestGateway: gateway, uploadDir: uploadDir, token: helpers.SignToken(t)}
}

func (g *testGateway) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, path string, filename string, content string) *http.Request {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if filename != "" {
		part, err := writer.CreateFormFile("file", filename)
		assert.NilError(t, err)
		_, err = part.Write([]byte(content))
		assert.NilError(t, err)
	}
	assert.NilError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func decodeSnapshot(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	var snap map[string]any
	assert.NilError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	return snap
}

const validBatch = "Title,Artist,Album,Duration,FLAC URL\nSong,Artist,Album,3:00,http://origin/a.flac\n"

func TestHealth(t *testing.T) {
	g := newGateway(t)
	g.token = ""

	for _, path := range []string{"/health", api.BasePath + "/health"} {
		rec := g.do(t, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "OK", rec.Body.String())
	}
}

func TestBatches_RequireToken(t *testing.T) {
	g := newGateway(t)
	g.token = ""

	rec := g.do(t, httptest.NewRequest(http.MethodGet, api.BasePath+"/batches", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = g.do(t, uploadRequest(t, "/upload", "batch.csv", validBatch))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBatches_UploadAndGet(t *testing.T) {
	g := newGateway(t)

	rec := g.do(t, uploadRequest(t, api.BasePath+"/batches", "my batch.csv", validBatch))
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	snap := decodeSnapshot(t, rec)
	assert.Equal(t, "RECEIVED", snap["state"])

	stored, ok := snap["path"].(string)
	assert.Assert(t, ok)
	assert.Equal(t, g.uploadDir, filepath.Dir(stored))
	assert.Check(t, is.Regexp(`^\d+-my_batch\.csv$`, filepath.Base(stored)))

	content, err := os.ReadFile(stored)
	assert.NilError(t, err)
	assert.Equal(t, validBatch, string(content))

	id, _ := snap["id"].(string)
	rec = g.do(t, httptest.NewRequest(http.MethodGet, api.BasePath+"/batches/"+id, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, decodeSnapshot(t, rec)["id"])

	rec = g.do(t, httptest.NewRequest(http.MethodGet, api.BasePath+"/batches", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	assert.NilError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Assert(t, is.Len(list, 1))
}

func TestBatches_UploadRejections(t *testing.T) {
	g := newGateway(t)

	t.Run("NoFile", func(t *testing.T) {
		rec := g.do(t, uploadRequest(t, api.BasePath+"/batches", "", ""))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Check(t, is.Contains(rec.Body.String(), "No file uploaded"))
	})

	t.Run("MissingColumn", func(t *testing.T) {
		rec := g.do(t, uploadRequest(t, api.BasePath+"/batches", "bad.csv", "Title,Album\nSong,Album\n"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Check(t, is.Contains(rec.Body.String(), "Artist"))

		// The rejected upload is not left behind in the upload directory
		entries, err := os.ReadDir(g.uploadDir)
		assert.NilError(t, err)
		assert.Check(t, is.Len(entries, 0))
	})
}

func TestBatches_LegacyUpload(t *testing.T) {
	g := newGateway(t)

	rec := g.do(t, uploadRequest(t, "/upload", "batch.csv", validBatch))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Check(t, is.Contains(rec.Body.String(), "File uploaded successfully. Processing started."))
}

func TestBatches_GetUnknownOrMalformedID(t *testing.T) {
	g := newGateway(t)

	rec := g.do(t, httptest.NewRequest(http.MethodGet, api.BasePath+"/batches/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = g.do(t, httptest.NewRequest(http.MethodGet, api.BasePath+"/batches/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBatches_DeleteCancelsThenRemoves(t *testing.T) {
	g := newGateway(t)

	rec := g.do(t, uploadRequest(t, api.BasePath+"/batches", "batch.csv", validBatch))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	snap := decodeSnapshot(t, rec)
	id, _ := snap["id"].(string)
	stored, _ := snap["path"].(string)

	// First delete cancels the queued batch and removes its file
	rec = g.do(t, httptest.NewRequest(http.MethodDelete, api.BasePath+"/batches/"+id, nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "CANCELLED", decodeSnapshot(t, rec)["state"])
	_, err := os.Stat(stored)
	assert.Check(t, os.IsNotExist(err))

	// Second delete forgets the now terminal batch
	rec = g.do(t, httptest.NewRequest(http.MethodDelete, api.BasePath+"/batches/"+id, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = g.do(t, httptest.NewRequest(http.MethodGet, api.BasePath+"/batches/"+id, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBatches_HistoryRoutesAbsentWithoutStore(t *testing.T) {
	g := newGateway(t)

	rec := g.do(t, httptest.NewRequest(http.MethodGet, api.BasePath+"/batches/history", nil))
	// Without a history store "history" is treated as a batch ID
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Check(t, is.Contains(strings.ToLower(rec.Body.String()), "uuid"))
}
