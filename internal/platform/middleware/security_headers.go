package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// SecurityHeaders hardens every response. API responses hold prescription
// data and are never cached, except stored images, which a browser may keep
// privately for a short while.
func SecurityHeaders(hsts bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Cross-Origin-Resource-Policy", "same-origin")
			h.Set("Content-Security-Policy", "default-src 'none'; img-src 'self' data:; frame-ancestors 'none'")
			if hsts {
				h.Set("Strict-Transport-Security", "max-age=31536000")
			}

			path := c.Request().URL.Path
			switch {
			case strings.HasPrefix(path, "/api/") && strings.HasSuffix(path, "/image"):
				h.Set("Cache-Control", "private, max-age=300")
			case strings.HasPrefix(path, "/api/"):
				h.Set("Cache-Control", "no-store")
			}
			return next(c)
		}
	}
}
