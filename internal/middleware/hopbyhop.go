package middleware

import (
	"github.com/labstack/echo/v4"

	"proxy-rotator-go/internal/model"
)

// StripHopByHop returns an Echo middleware that removes hop-by-hop headers,
// including Proxy-Authorization and any named in Connection, from the
// incoming request before it reaches a handler.
func StripHopByHop() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			model.RemoveHopByHop(c.Request().Header)
			return next(c)
		}
	}
}
