package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	mw "proxy-rotator-go/internal/middleware"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// metrics may be nil when the metrics endpoint is disabled.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler, admin *AdminHandler, metricsPath string, metrics http.Handler) {
	local := mw.LocalOnly(proxy.Handle)

	adminRoute(e, http.MethodGet, "/healthz", health.Healthz, local)
	adminRoute(e, http.MethodGet, "/proxy/status", health.Status, local)
	adminRoute(e, http.MethodPost, "/proxy/refresh", admin.Refresh, local)
	if metrics != nil {
		adminRoute(e, http.MethodGet, metricsPath, echo.WrapHandler(metrics), local)
	}

	e.Any("/*", proxy.Handle)
}

// adminRoute registers h for every method so that absolute-form requests
// sharing the path always reach the proxy, whatever their method.
func adminRoute(e *echo.Echo, method, path string, h echo.HandlerFunc, local echo.MiddlewareFunc) {
	e.Any(path, func(c echo.Context) error {
		if c.Request().Method != method {
			c.Response().Header().Set(echo.HeaderAllow, method)
			return echo.ErrMethodNotAllowed
		}
		return h(c)
	}, local)
}
