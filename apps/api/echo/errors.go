package echoapi

import (
	"net/http"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-proctor/core"
	"github.com/trezcool/masomo-proctor/core/proctor"
)

var (
	errUnauthorized  = echo.NewHTTPError(http.StatusUnauthorized, "user not authenticated")
	errHttpForbidden = echo.NewHTTPError(http.StatusForbidden, "permission denied")
	errHttpNotFound  = echo.NewHTTPError(http.StatusNotFound, "not found")
)

var (
	errSessionEnded   = echo.NewHTTPError(http.StatusConflict, "session already ended")
	errSessionNotLive = echo.NewHTTPError(http.StatusConflict, "session is not live")
	errBadExpiry      = echo.NewHTTPError(http.StatusBadRequest, "expiry must be in the future")
	errShuttingDown   = echo.NewHTTPError(http.StatusServiceUnavailable, "server is shutting down")
)

// proctorHTTPError maps the monitoring core's errors to HTTP responses.
// cause may hold an uncomparable type (validator.ValidationErrors), so it is only
// compared against the sentinels, never used as a map key.
func proctorHTTPError(cause error) (*echo.HTTPError, bool) {
	switch cause {
	case proctor.ErrNotFound:
		return errHttpNotFound, true
	case proctor.ErrSessionTerminal:
		return errSessionEnded, true
	case proctor.ErrNotLive:
		return errSessionNotLive, true
	case proctor.ErrInvalidExpiry:
		return errBadExpiry, true
	case proctor.ErrShuttingDown:
		return errShuttingDown, true
	}
	return nil, false
}

// newAppHTTPErrorHandler returns a custom echo.HTTPErrorHandler that knows how to handle our errors.
// signalShutdown is called in order to gracefully shutdown the Server whenever a core.shutdown error is caught.
func newAppHTTPErrorHandler(logger core.Logger, translator ut.Translator, signalShutdown func()) echo.HTTPErrorHandler {
	return func(err error, ctx echo.Context) {
		var code int
		var message interface{}

		cause := errors.Cause(err)
		if herr, ok := proctorHTTPError(cause); ok {
			cause = herr
		}

		switch origErr := cause.(type) {
		case *echo.HTTPError:
			if origErr == middleware.ErrJWTMissing {
				code = http.StatusUnauthorized
				message = origErr.Message
				break
			}
			if origErr.Internal != nil {
				if herr, ok := origErr.Internal.(*echo.HTTPError); ok {
					origErr = herr
				}
			}
			code = origErr.Code
			message = origErr.Message
		case validator.ValidationErrors:
			code = http.StatusBadRequest
			message = core.FieldMap(core.TranslateErrors(origErr, translator))
		case *core.ValidationError:
			code = http.StatusBadRequest
			if flds := origErr.FieldMap(); flds != nil {
				message = flds
			} else {
				message = origErr.Error()
			}
		default: // any other error is a server error
			code = http.StatusInternalServerError
			msg := http.StatusText(http.StatusInternalServerError)
			message = msg

			extras := map[string]interface{}{"path": ctx.Path()}
			if claims, cErr := getContextClaims(ctx); cErr == nil {
				extras["subject"] = claims.Subject
			}
			logger.Error(msg, errors.Wrap(err, msg), extras)

			// shutting down...
			if core.IsShutdown(err) {
				signalShutdown()
			}
		}

		if ctx.Echo().Debug {
			message = err.Error()
		}
		if m, ok := message.(string); ok {
			message = echo.Map{"error": m}
		}

		// Send response
		if !ctx.Response().Committed {
			if ctx.Request().Method == http.MethodHead { // Issue #608
				err = ctx.NoContent(code)
			} else {
				err = ctx.JSON(code, message)
			}
			if err != nil {
				ctx.Echo().Logger.Error(err)
			}
		}
	}
}
