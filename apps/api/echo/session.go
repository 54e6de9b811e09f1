package echoapi

import (
	"fmt"
	"net/http"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-proctor/core"
	"github.com/trezcool/masomo-proctor/core/proctor"
	"github.com/trezcool/masomo-proctor/services/wschannel"
)

var NowFunc = time.Now // mockable

type (
	NewSessionRequest struct {
		ExamID    string     `json:"exam_id" validate:"omitempty,slug"`
		ExpiresAt *time.Time `json:"expires_at"`
		Duration  string     `json:"duration"`
	}

	TerminateRequest struct {
		Reason string `json:"reason" validate:"max=500"`
	}

	SessionQuery struct {
		State     string `query:"state" json:"state" validate:"omitempty,slug"`
		ExamID    string `query:"exam_id" json:"exam_id" validate:"omitempty,slug"`
		SubjectID string `query:"subject_id" json:"subject_id"`
	}
)

// Validate checks the request. It returns either a fixed expiry or the exam duration,
// which only starts running once monitoring is active.
func (r NewSessionRequest) Validate(validate *validator.Validate, now time.Time) (time.Time, time.Duration, error) {
	if err := validate.Struct(r); err != nil {
		return time.Time{}, 0, err
	}
	switch {
	case r.ExpiresAt != nil && r.Duration != "":
		return time.Time{}, 0, core.NewValidationError(nil, core.FieldError{Field: "duration", Error: "set either expires_at or duration"})
	case r.ExpiresAt != nil:
		if !r.ExpiresAt.After(now) {
			return time.Time{}, 0, core.NewValidationError(nil, core.FieldError{Field: "expires_at", Error: "must be in the future"})
		}
		return r.ExpiresAt.UTC(), 0, nil
	case r.Duration != "":
		d, err := time.ParseDuration(r.Duration)
		if err != nil || d <= 0 {
			return time.Time{}, 0, core.NewValidationError(nil, core.FieldError{Field: "duration", Error: "must be a positive duration such as 90m"})
		}
		return time.Time{}, d, nil
	}
	return time.Time{}, 0, core.NewValidationError(nil, core.FieldError{Field: "expires_at", Error: "this field is required"})
}

func (r TerminateRequest) Validate(validate *validator.Validate) error {
	return validate.Struct(r)
}

func (q SessionQuery) Validate(validate *validator.Validate) error {
	return validate.Struct(q)
}

func (q SessionQuery) Filter() proctor.Filter {
	return proctor.Filter{State: proctor.State(q.State), SubjectID: q.SubjectID, ExamID: q.ExamID}
}

type sessionApi struct {
	svc        SessionService
	conf       *core.Config
	logger     core.Logger
	validate   *validator.Validate
	translator ut.Translator
}

func registerSessionAPI(g *echo.Group, jwt, wsJWT echo.MiddlewareFunc, deps ServerDeps) {
	api := sessionApi{
		svc:        deps.Sessions,
		conf:       deps.Conf,
		logger:     deps.Logger,
		validate:   deps.Validate,
		translator: deps.Translator,
	}

	// the WebSocket upgrade carries its token in the query string
	g.GET("/sessions/:id/ws", api.connect, wsJWT)

	isProctor := requireRole(RoleProctor)

	sg := g.Group("/sessions", jwt)
	sg.POST("", api.create)
	sg.GET("", api.query, isProctor)
	sg.GET("/:id", api.retrieve)
	sg.POST("/:id/terminate", api.terminate, isProctor)

	g.GET("/stats", api.stats, jwt, isProctor)
}

// Handlers

func (api *sessionApi) create(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	var data NewSessionRequest
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewSessionRequest")
	}
	expiresAt, duration, err := data.Validate(api.validate, NowFunc())
	if err != nil {
		return err
	}

	// tokens scoped to an exam can only open sessions for it
	examID := data.ExamID
	if claims.ExamID != "" {
		if examID != "" && examID != claims.ExamID {
			return errHttpForbidden
		}
		examID = claims.ExamID
	}
	if examID == "" {
		return core.NewValidationError(nil, core.FieldError{Field: "exam_id", Error: "this field is required"})
	}

	var s proctor.Session
	if duration > 0 {
		s, err = api.svc.OpenTimed(ctx.Request().Context(), claims.Subject, examID, duration)
	} else {
		s, err = api.svc.Open(ctx.Request().Context(), claims.Subject, examID, expiresAt)
	}
	if err != nil {
		return errors.Wrap(err, "opening session")
	}
	return ctx.JSON(http.StatusCreated, s)
}

func (api *sessionApi) query(ctx echo.Context) error {
	var q SessionQuery
	if err := ctx.Bind(&q); err != nil {
		return errors.Wrap(err, "binding to SessionQuery")
	}
	if err := q.Validate(api.validate); err != nil {
		return err
	}

	sessions, err := api.svc.List(ctx.Request().Context(), q.Filter())
	if err != nil {
		return errors.Wrap(err, "listing sessions")
	}
	return ctx.JSON(http.StatusOK, sessions)
}

func (api *sessionApi) retrieve(ctx echo.Context) error {
	s, err := api.ownedSession(ctx)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, s)
}

func (api *sessionApi) terminate(ctx echo.Context) error {
	var data TerminateRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to TerminateRequest")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	id := ctx.Param("id")
	rctx := ctx.Request().Context()
	if err := api.svc.Terminate(rctx, id); err != nil {
		return errors.Wrap(err, "terminating session")
	}

	claims, _ := getContextClaims(ctx)
	api.logger.Info(fmt.Sprintf("session %s terminated by %s", id, claims.Subject), map[string]interface{}{"note": data.Reason})

	s, err := api.svc.Get(rctx, id)
	if err != nil {
		return errors.Wrap(err, "getting session")
	}
	return ctx.JSON(http.StatusOK, s)
}

func (api *sessionApi) stats(ctx echo.Context) error {
	var q SessionQuery
	if err := ctx.Bind(&q); err != nil {
		return errors.Wrap(err, "binding to SessionQuery")
	}
	if err := q.Validate(api.validate); err != nil {
		return err
	}

	stats, err := api.svc.Stats(ctx.Request().Context(), q.Filter())
	if err != nil {
		return errors.Wrap(err, "computing stats")
	}
	return ctx.JSON(http.StatusOK, stats)
}

// connect upgrades to a WebSocket and hands it to the session as its Event Channel. Only
// the monitored subject may connect. The handler returns once the channel is closed.
func (api *sessionApi) connect(ctx echo.Context) error {
	s, err := api.ownedSession(ctx)
	if err != nil {
		return err
	}
	if claims, _ := getContextClaims(ctx); claims.Subject != s.SubjectID {
		return errHttpForbidden
	}

	conn, err := wschannel.Accept(ctx.Response(), ctx.Request(), wschannel.Options{OriginPatterns: api.conf.Server.AllowedOrigins})
	if err != nil {
		// the handshake response has been written
		api.logger.Debug(fmt.Sprintf("websocket upgrade for session %s failed: %v", s.ID, err))
		return nil
	}

	rctx := ctx.Request().Context()
	if err = api.svc.Attach(rctx, s.ID, conn); err != nil {
		// terminal sessions have received their outcome; other failures closed the channel
		if errors.Cause(err) != proctor.ErrSessionTerminal {
			api.logger.Warn(fmt.Sprintf("attaching channel to session %s: %v", s.ID, err), err)
		}
		_ = conn.Close(wschannel.ReasonTransportLost)
		return nil
	}

	select {
	case <-conn.Done():
	case <-rctx.Done():
	}
	return nil
}

// ownedSession loads the :id session, visible to its subject and to proctors.
func (api *sessionApi) ownedSession(ctx echo.Context) (proctor.Session, error) {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return proctor.Session{}, errors.Wrap(err, "getting context claims")
	}
	s, err := api.svc.Get(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return proctor.Session{}, errors.Wrap(err, "getting session")
	}
	if s.SubjectID != claims.Subject && !claims.IsProctor() {
		return proctor.Session{}, errHttpNotFound
	}
	return s, nil
}
