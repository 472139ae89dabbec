package batches

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cratefm/crate/internal/api/util"
	"github.com/cratefm/crate/internal/batch"
	"github.com/cratefm/crate/internal/history"
	"github.com/cratefm/crate/internal/record"
	"github.com/cratefm/crate/internal/tag"
	"github.com/cratefm/crate/pkg/logger"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const (
	UploadFormField = "file"

	defaultHistoryLimit = 50
)

var controllerLogger = logger.Get("BatchesController")

type (
	Service interface {
		UploadDir() string
		Submit(path string) (*batch.Batch, error)
		GetBatch(uuid.UUID) *batch.Batch
		GetAllBatches() []*batch.Batch
		CancelBatch(uuid.UUID) error
		RemoveBatch(uuid.UUID) error
	}

	HistoryService interface {
		ListBatches(limit uint64) ([]*history.BatchRecord, error)
		GetBatch(uuid.UUID) (*history.BatchRecord, error)
	}

	HistoryQuery struct {
		Limit uint64 `query:"limit" validate:"omitempty,min=1,max=500"`
	}

	// Controller defines the routes for submitting batch files and following
	// their progress. The history service is optional.
	Controller struct {
		validate *validator.Validate
		service  Service
		history  HistoryService
	}
)

func New(validate *validator.Validate, service Service, history HistoryService) *Controller {
	return &Controller{validate: validate, service: service, history: history}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/", controller.list)
	eg.POST("/", controller.upload)
	eg.GET("/:id/", controller.get)
	eg.DELETE("/:id/", controller.delete)

	if controller.history != nil {
		eg.GET("/history/", controller.listHistory)
		eg.GET("/history/:id/", controller.getHistory)
	}
}

func (controller *Controller) list(ec echo.Context) error {
	return ec.JSON(http.StatusOK, util.ApplyConversion(controller.service.GetAllBatches(), (*batch.Batch).Snapshot))
}

// upload stores the file from the multipart form in the upload directory and
// submits it for processing, responding with the new batch.
func (controller *Controller) upload(ec echo.Context) error {
	b, err := controller.Upload(ec)
	if err != nil {
		return err
	}

	return ec.JSON(http.StatusAccepted, b.Snapshot())
}

// Upload performs the work of the upload endpoint, returning the submitted batch. It
// is exported so that other routes accepting uploads share the same behaviour.
func (controller *Controller) Upload(ec echo.Context) (*batch.Batch, error) {
	header, err := ec.FormFile(UploadFormField)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "No file uploaded")
	}

	src, err := header.Open()
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "Uploaded file could not be read")
	}
	defer src.Close()

	path := filepath.Join(controller.service.UploadDir(), uploadName(header.Filename, time.Now()))
	if err := writeUpload(path, src); err != nil {
		controllerLogger.Emit(logger.ERROR, "Failed to store upload %s: %v\n", path, err)
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "Uploaded file could not be stored")
	}

	b, err := controller.service.Submit(path)
	if err != nil {
		// A rejected upload is never processed, and nothing else would remove it
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			controllerLogger.Emit(logger.WARNING, "Failed to remove rejected upload %s: %v\n", path, rmErr)
		}

		var malformed *record.MalformedInputError
		if errors.As(err, &malformed) {
			return nil, echo.NewHTTPError(http.StatusBadRequest, malformed.Error())
		}

		controllerLogger.Emit(logger.ERROR, "Failed to submit upload %s: %v\n", path, err)
		return nil, echo.NewHTTPError(http.StatusInternalServerError)
	}

	controllerLogger.Emit(logger.NEW, "Upload %s (%d bytes) submitted as batch %s\n", header.Filename, header.Size, b.ID())
	return b, nil
}

func (controller *Controller) get(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Batch ID is not a valid UUID")
	}

	b := controller.service.GetBatch(id)
	if b == nil {
		return echo.NewHTTPError(http.StatusNotFound)
	}

	return ec.JSON(http.StatusOK, b.Snapshot())
}

// delete cancels the batch if it is still in progress, or forgets it if
// it has already finished.
func (controller *Controller) delete(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Batch ID is not a valid UUID")
	}

	b := controller.service.GetBatch(id)
	if b == nil {
		return echo.NewHTTPError(http.StatusNotFound)
	}

	if b.State().Terminal() {
		if err := controller.service.RemoveBatch(id); err != nil {
			return translateServiceError(err)
		}

		return ec.NoContent(http.StatusNoContent)
	}

	if err := controller.service.CancelBatch(id); err != nil {
		return translateServiceError(err)
	}

	return ec.JSON(http.StatusAccepted, b.Snapshot())
}

func (controller *Controller) listHistory(ec echo.Context) error {
	var query HistoryQuery
	if err := ec.Bind(&query); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid query: %v", err))
	}
	if err := controller.validate.Struct(query); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid query: %v", err))
	}
	if query.Limit == 0 {
		query.Limit = defaultHistoryLimit
	}

	records, err := controller.history.ListBatches(query.Limit)
	if err != nil {
		controllerLogger.Emit(logger.ERROR, "Failed to list batch history: %v\n", err)
		return echo.NewHTTPError(http.StatusInternalServerError)
	}

	return ec.JSON(http.StatusOK, records)
}

func (controller *Controller) getHistory(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Batch ID is not a valid UUID")
	}

	rec, err := controller.history.GetBatch(id)
	if err != nil {
		if errors.Is(err, history.ErrBatchNotFound) {
			return echo.NewHTTPError(http.StatusNotFound)
		}

		controllerLogger.Emit(logger.ERROR, "Failed to get history of batch %s: %v\n", id, err)
		return echo.NewHTTPError(http.StatusInternalServerError)
	}

	return ec.JSON(http.StatusOK, rec)
}

func translateServiceError(err error) error {
	switch {
	case errors.Is(err, batch.ErrBatchNotFound):
		return echo.NewHTTPError(http.StatusNotFound)
	case errors.Is(err, batch.ErrBatchNotTerminal), errors.Is(err, batch.ErrBatchTerminal):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		controllerLogger.Emit(logger.ERROR, "Unexpected batch service error: %v\n", err)
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
}

// uploadName prefixes the client provided file name with the unix millisecond
// timestamp. Only the base of the name is used, with anything other than
// alphanumerics replaced.
func uploadName(original string, now time.Time) string {
	base := filepath.Base(filepath.Clean("/" + original))
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" || stem == "/" {
		stem = "upload"
	}
	if ext != "" {
		ext = "." + tag.SanitizeComponent(strings.TrimPrefix(ext, "."))
	}

	return fmt.Sprintf("%d-%s%s", now.UnixMilli(), tag.SanitizeComponent(stem), ext)
}

func writeUpload(path string, src io.Reader) error {
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return err
	}

	return dst.Close()
}
