package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// TimeoutConfig bounds request handling time.
type TimeoutConfig struct {
	Timeout time.Duration
	// Skip exempts requests. Nil exempts the websocket endpoint.
	Skip func(c echo.Context) bool
}

func skipWebsocket(c echo.Context) bool {
	path := c.Request().URL.Path
	return path == "/ws" || strings.HasPrefix(path, "/ws/")
}

// RequestTimeout puts a deadline on the request context and answers 504
// once it passes. The handler goroutine is not stopped; processing runs
// detach from the request context and finish regardless.
func RequestTimeout(cfg TimeoutConfig) echo.MiddlewareFunc {
	skip := cfg.Skip
	if skip == nil {
		skip = skipWebsocket
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Timeout <= 0 || skip(c) {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), cfg.Timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() { done <- next(c) }()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return ctx.Err()
				}
				return echo.NewHTTPError(http.StatusGatewayTimeout,
					fmt.Sprintf("request did not finish within %s", cfg.Timeout))
			}
		}
	}
}
