package middleware

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Logger writes one line per request: info for success, warn for client
// errors, error for server errors. Requests on a prescription carry its id.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			} else if err != nil && status < http.StatusBadRequest {
				status = http.StatusInternalServerError
			}

			var evt *zerolog.Event
			switch {
			case status >= http.StatusInternalServerError:
				evt = logger.Error().Err(err)
			case status >= http.StatusBadRequest:
				evt = logger.Warn().Err(err)
			default:
				evt = logger.Info()
			}

			rid, _ := c.Get("request_id").(string)
			evt = evt.Str("request_id", rid).
				Str("method", c.Request().Method).
				Str("route", c.Path()).
				Str("path", c.Request().URL.Path)
			if id := c.Param("id"); id != "" {
				evt = evt.Str("prescription_id", id)
			}
			evt.Int("status", status).
				Int64("bytes_out", c.Response().Size).
				Dur("latency", time.Since(start)).
				Msg("request")
			return err
		}
	}
}
