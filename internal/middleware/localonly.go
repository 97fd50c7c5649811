package middleware

import (
	"github.com/labstack/echo/v4"
)

// LocalOnly restricts a route to origin-form requests addressed to this
// server. Absolute-form requests that happen to share the path are proxy
// traffic and are handed to forward instead.
func LocalOnly(forward echo.HandlerFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().URL.Host != "" {
				return forward(c)
			}
			return next(c)
		}
	}
}
