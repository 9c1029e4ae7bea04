// Package apperr defines the error kinds the service distinguishes and maps
// them onto HTTP responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindInvalidState
	KindConfiguration
	KindUpstream
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvalidState:
		return "invalid_state"
	case KindConfiguration:
		return "configuration"
	case KindUpstream:
		return "upstream_model"
	case KindFatal:
		return "fatal_processing"
	default:
		return "internal"
	}
}

// Error carries a Kind alongside a client-safe message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newf(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error    { return newf(KindValidation, format, args...) }
func NotFound(format string, args ...any) *Error      { return newf(KindNotFound, format, args...) }
func Conflict(format string, args ...any) *Error      { return newf(KindConflict, format, args...) }
func InvalidState(format string, args ...any) *Error  { return newf(KindInvalidState, format, args...) }
func Configuration(format string, args ...any) *Error { return newf(KindConfiguration, format, args...) }

// Upstream wraps a failure of a single external model call.
func Upstream(model string, err error) *Error {
	return &Error{Kind: KindUpstream, Message: fmt.Sprintf("model %s failed", model), Err: err}
}

func Fatal(message string, err error) *Error {
	return &Error{Kind: KindFatal, Message: message, Err: err}
}

// KindOf reports the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// HTTPStatus maps an error onto the status code the API reports for it.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindConflict, KindConfiguration:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidState:
		return http.StatusConflict
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorHandler renders every error as {"error": message}. Errors that are
// neither *Error nor *echo.HTTPError are logged and reported as a generic 500.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		message := "internal server error"

		var ae *Error
		var he *echo.HTTPError
		switch {
		case errors.As(err, &ae):
			status = HTTPStatus(ae)
			if status != http.StatusInternalServerError {
				message = ae.Message
			}
		case errors.As(err, &he):
			status = he.Code
			if m, ok := he.Message.(string); ok {
				message = m
			} else {
				message = http.StatusText(he.Code)
			}
		}

		if status >= http.StatusInternalServerError {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).
				Str("request_id", rid).
				Str("path", c.Request().URL.Path).
				Msg("unhandled error")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(status)
		} else {
			werr = c.JSON(status, map[string]string{"error": message})
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("write error response")
		}
	}
}
