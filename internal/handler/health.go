package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"proxy-rotator-go/internal/config"
	"proxy-rotator-go/internal/refresh"
)

// Version is a string type for dependency injection of the build version.
type Version string

// StatusReporter exposes the outcome of recent pool refreshes.
type StatusReporter interface {
	Status() refresh.Status
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	status  StatusReporter
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, status StatusReporter) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, status: status}
}

// Healthz returns a simple OK response for liveness checks.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status      string     `json:"status"`
	Version     string     `json:"version"`
	ListingURL  string     `json:"listing_url"`
	Schedule    string     `json:"refresh_schedule"`
	PoolSize    int        `json:"pool_size"`
	LastAttempt *time.Time `json:"last_refresh_attempt,omitempty"`
	LastSuccess *time.Time `json:"last_refresh_success,omitempty"`
	LastError   string     `json:"last_refresh_error,omitempty"`
}

// Status returns pool and refresh status. status is "degraded" while the pool is empty.
func (h *HealthHandler) Status(c echo.Context) error {
	s := h.status.Status()

	resp := statusResponse{
		Status:     "ok",
		Version:    string(h.version),
		ListingURL: h.cfg.Listing.URL,
		Schedule:   h.cfg.Refresh.Schedule,
		PoolSize:   s.PoolSize,
		LastError:  s.LastError,
	}
	if s.PoolSize == 0 {
		resp.Status = "degraded"
	}
	if !s.LastAttempt.IsZero() {
		resp.LastAttempt = &s.LastAttempt
	}
	if !s.LastSuccess.IsZero() {
		resp.LastSuccess = &s.LastSuccess
	}
	return c.JSON(http.StatusOK, resp)
}
