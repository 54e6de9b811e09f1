package echoapi

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"github.com/trezcool/masomo-proctor/core"
	"github.com/trezcool/masomo-proctor/core/channel"
	"github.com/trezcool/masomo-proctor/core/proctor"
)

// SessionService is the monitoring core as seen by the API.
type SessionService interface {
	Open(ctx context.Context, subjectID, examID string, expiresAt time.Time) (proctor.Session, error)
	OpenTimed(ctx context.Context, subjectID, examID string, d time.Duration) (proctor.Session, error)
	Attach(ctx context.Context, id string, ch channel.Channel) error
	Terminate(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (proctor.Session, error)
	List(ctx context.Context, f proctor.Filter) ([]proctor.Session, error)
	Stats(ctx context.Context, f proctor.Filter) (proctor.Stats, error)
}

var _ SessionService = (*proctor.Coordinator)(nil)

type ServerDeps struct {
	Conf       *core.Config
	Logger     core.Logger
	Sessions   SessionService
	Validate   *validator.Validate
	Translator ut.Translator
	// DisableReqLogs silences the access log (tests).
	DisableReqLogs bool
}

type Server struct {
	deps     ServerDeps
	app      *echo.Echo
	errors   chan error
	shutdown chan os.Signal
}

func NewServer(deps ServerDeps) *Server {
	s := &Server{
		deps:     deps,
		app:      echo.New(),
		errors:   make(chan error, 1),
		shutdown: make(chan os.Signal, 1),
	}
	signal.Notify(s.shutdown, os.Interrupt, syscall.SIGTERM)
	s.setup()
	return s
}

func (s *Server) setup() {
	conf := s.deps.Conf

	s.app.HideBanner = true
	s.app.Pre(middleware.RemoveTrailingSlash())
	if !s.deps.DisableReqLogs {
		s.app.Use(middleware.Logger())
	}
	// do not recover in DEV|TEST mode
	if !(conf.Debug || conf.TestMode) {
		s.app.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{LogLevel: log.ERROR}))
	}

	s.app.HTTPErrorHandler = newAppHTTPErrorHandler(s.deps.Logger, s.deps.Translator, s.signalShutdown)
	s.app.Debug = conf.Debug && !conf.TestMode

	s.app.GET("/", home)

	v1 := s.app.Group("/v1")
	jwt := middleware.JWTWithConfig(jwtConfig(conf.SecretKey, "header:Authorization"))
	wsJWT := middleware.JWTWithConfig(jwtConfig(conf.SecretKey, "query:token"))

	registerSessionAPI(v1, jwt, wsJWT, s.deps)
}

// Start blocks serving requests; failures are reported on Errors.
func (s *Server) Start() {
	if err := s.app.Start(s.deps.Conf.Server.Address); err != nil && err != http.ErrServerClosed {
		s.errors <- err
	}
}

func (s *Server) Errors() <-chan error { return s.errors }

func (s *Server) ShutdownSignal() <-chan os.Signal { return s.shutdown }

func (s *Server) signalShutdown() {
	select {
	case s.shutdown <- syscall.SIGTERM:
	default:
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	signal.Stop(s.shutdown)
	return s.app.Shutdown(ctx)
}

func (s *Server) Close() error {
	return s.app.Close()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.app.ServeHTTP(w, r)
}

func home(ctx echo.Context) error {
	return ctx.String(http.StatusOK, "Welcome to Masomo Proctor API!")
}
