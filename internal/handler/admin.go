package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

// PoolRefresher triggers an immediate pool refresh.
type PoolRefresher interface {
	Refresh(ctx context.Context) (int, error)
}

// AdminHandler serves operator endpoints.
type AdminHandler struct {
	refresher PoolRefresher
	logger    *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(r PoolRefresher, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		refresher: r,
		logger:    logger.With("component", "admin_handler"),
	}
}

// Refresh runs a pool refresh now. Concurrent calls share one listing fetch.
func (h *AdminHandler) Refresh(c echo.Context) error {
	n, err := h.refresher.Refresh(c.Request().Context())
	if err != nil {
		h.logger.Warn("manual refresh failed", "err", err)
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		return c.JSON(status, map[string]string{
			"error": err.Error(),
		})
	}

	h.logger.Info("manual refresh completed", "pool_size", n)
	return c.JSON(http.StatusOK, map[string]int{
		"pool_size": n,
	})
}
