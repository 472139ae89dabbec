package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/cratefm/crate/internal/api/auth"
	"github.com/cratefm/crate/internal/api/batches"
	"github.com/cratefm/crate/internal/http/websocket"
	"github.com/cratefm/crate/pkg/logger"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	BasePath = "/api/crate/v1"

	legacyUploadMessage = "File uploaded successfully. Processing started."
)

var log = logger.Get("API")

type (
	RestConfig struct {
		HostAddr  string `yaml:"host_address" env:"API_HOST_ADDR" env-default:"0.0.0.0:8080"`
		JwtSecret string `yaml:"jwt_secret" env:"API_JWT_SECRET"`
		// Maximum accepted request body, in the format accepted by echo's BodyLimit middleware.
		BodyLimit string `yaml:"body_limit" env:"API_BODY_LIMIT" env-default:"32M"`
	}

	// The RestGateway is a thin-wrapper around the Echo HTTP router. It's sole responsibility
	// is to create the routes Crate exposes, manage the activity web socket, and to
	// enforce token verification where applicable.
	RestGateway struct {
		config           *RestConfig
		ec               *echo.Echo
		socket           *websocket.SocketHub
		batchController  *batches.Controller
		socketController *SocketGateway
	}
)

// NewRestGateway constructs the Echo router and populates it with the routes of the
// controllers. historyService may be nil, in which case the history routes are omitted.
func NewRestGateway(config *RestConfig, socket *websocket.SocketHub, batchService batches.Service, historyService batches.HistoryService) *RestGateway {
	ec := echo.New()
	ec.OnAddRouteHandler = func(host string, route echo.Route, handler echo.HandlerFunc, middleware []echo.MiddlewareFunc) {
		log.Emit(logger.DEBUG, "Registered new route %s %s\n", route.Method, route.Path)
	}
	ec.HidePort = true
	ec.HideBanner = true

	validate := validator.New()
	gateway := &RestGateway{
		config:           config,
		ec:               ec,
		socket:           socket,
		batchController:  batches.New(validate, batchService, historyService),
		socketController: NewSocketGateway(batchService),
	}
	gateway.socketController.BindCommands(socket)

	ec.Use(middleware.Logger())
	ec.Use(middleware.Recover())
	ec.Use(middleware.CORS())
	ec.Use(middleware.BodyLimit(config.BodyLimit))
	ec.Pre(middleware.AddTrailingSlash())

	verifier := auth.NewVerifier(config.JwtSecret)
	requireAuth := verifier.Middleware()

	ec.GET("/health/", health)
	ec.POST("/upload/", gateway.legacyUpload, requireAuth)

	v1 := ec.Group(BasePath)
	v1.GET("/health/", health)
	v1.GET("/activity/ws/", func(ec echo.Context) error {
		gateway.socket.UpgradeToSocket(ec.Response(), ec.Request())
		return nil
	}, verifier.SocketMiddleware())

	batchGroup := v1.Group("/batches", requireAuth)
	gateway.batchController.SetRoutes(batchGroup)

	return gateway
}

// Run starts the HTTP server and the websocket hub, blocking until the context
// is cancelled or the server fails.
func (gateway *RestGateway) Run(parentCtx context.Context) error {
	ctx, ctxCancel := context.WithCancelCause(parentCtx)
	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gateway.ec.Start(gateway.config.HostAddr); err != nil && err != http.ErrServerClosed {
			ctxCancel(err)
		}
	}()

	go func(ec *echo.Echo) {
		<-ctx.Done()
		ec.Close()
	}(gateway.ec)

	wg.Add(1)
	go func() {
		defer wg.Done()
		gateway.socket.Start(ctx)
	}()

	log.Emit(logger.SUCCESS, "REST gateway listening on %s\n", gateway.config.HostAddr)
	wg.Wait()

	// Parent context cancellation is not an error worth reporting
	if cause := context.Cause(ctx); cause != ctx.Err() {
		return cause
	}

	return nil
}

// ServeHTTP allows the gateway to be exercised without binding a listener.
func (gateway *RestGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	gateway.ec.ServeHTTP(w, r)
}

func health(ec echo.Context) error {
	return ec.String(http.StatusOK, "OK")
}

// legacyUpload accepts uploads at the unversioned path used by older clients, which
// expect a plain acknowledgement message instead of the batch.
func (gateway *RestGateway) legacyUpload(ec echo.Context) error {
	b, err := gateway.batchController.Upload(ec)
	if err != nil {
		return err
	}

	return ec.JSON(http.StatusOK, map[string]string{"message": legacyUploadMessage, "batch_id": b.ID().String()})
}
