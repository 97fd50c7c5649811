package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"

	"github.com/labstack/echo/v4"

	"proxy-rotator-go/internal/model"
	"proxy-rotator-go/internal/pool"
	"proxy-rotator-go/internal/service"
)

// userinfoPattern matches credentials embedded in URLs inside error messages.
var userinfoPattern = regexp.MustCompile(`(://[^:/@\s"]*:)[^@\s"]+@`)

// ProxyHandler forwards requests through the rotating upstream proxy pool.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle forwards the request through a random upstream proxy and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Scheme:        req.URL.Scheme,
		Host:          req.URL.Host,
		Path:          req.URL.Path,
		RawPath:       req.URL.RawPath,
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		// The request ID set by this server stays the only one.
		if http.CanonicalHeaderKey(key) == echo.HeaderXRequestID && c.Response().Header().Get(echo.HeaderXRequestID) != "" {
			continue
		}
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// The status is already sent, so a copy failure can only truncate the body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", sanitizeError(err),
			"host", req.URL.Host,
		)
	}

	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	req := c.Request()

	switch {
	case errors.Is(err, pool.ErrPoolEmpty):
		h.logger.Warn("no upstream proxy available", "host", req.URL.Host)
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "no upstream proxy available",
		})

	case errors.Is(err, service.ErrMissingHost):
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "request target must be an absolute URI with a host",
		})

	case errors.Is(err, service.ErrMethodNotAllowed):
		c.Response().Header().Set(echo.HeaderAllow, "GET, HEAD, POST, PUT, PATCH, DELETE, OPTIONS, TRACE")
		return c.JSON(http.StatusMethodNotAllowed, map[string]string{
			"error": "CONNECT is not supported",
		})
	}

	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"method", req.Method,
		"host", req.URL.Host,
	)

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}

// sanitizeError redacts passwords from URLs that may appear in transport errors.
func sanitizeError(err error) string {
	return userinfoPattern.ReplaceAllString(err.Error(), "${1}xxxxx@")
}
