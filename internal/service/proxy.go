// Package service implements the core proxy forwarding logic.
package service

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"proxy-rotator-go/internal/config"
	"proxy-rotator-go/internal/model"
)

var (
	// ErrMissingHost is returned when the inbound request names no destination host.
	ErrMissingHost = errors.New("request target has no host")

	// ErrMethodNotAllowed is returned for CONNECT; tunnelling is not supported.
	ErrMethodNotAllowed = errors.New("CONNECT tunnelling is not supported")
)

// Forwarder executes a request through one upstream proxy.
type Forwarder interface {
	Do(proxy model.UpstreamProxy, req *http.Request) (*model.ProxyResponse, error)
}

// Sampler picks an upstream proxy for a request.
type Sampler interface {
	Sample() (model.UpstreamProxy, error)
}

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	pool   Sampler
	client Forwarder
	scheme string
	logger *slog.Logger
}

// NewProxyService creates a ProxyService.
func NewProxyService(p Sampler, c Forwarder, cfg *config.Config, logger *slog.Logger) *ProxyService {
	scheme := cfg.Upstream.DestinationScheme
	if scheme == "" {
		scheme = "https"
	}
	return &ProxyService{
		pool:   p,
		client: c,
		scheme: scheme,
		logger: logger.With("component", "proxy_service"),
	}
}

// Forward sends a ProxyRequest through a randomly chosen upstream proxy and
// returns the response. The caller is responsible for closing the response body.
//
// Failures are returned as-is: pool.ErrPoolEmpty when no proxy is available,
// ErrMissingHost or ErrMethodNotAllowed for unusable requests, and a wrapped
// transport error otherwise. A failed request is never retried and never
// changes the pool.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	if pr.Method == http.MethodConnect {
		return nil, ErrMethodNotAllowed
	}

	proxy, err := s.pool.Sample()
	if err != nil {
		return nil, err
	}

	if pr.Host == "" {
		return nil, ErrMissingHost
	}

	target := s.destinationURL(pr)
	header := pr.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	model.RemoveHopByHop(header)

	req, err := http.NewRequestWithContext(pr.Ctx, pr.Method, target.String(), requestBody(pr))
	if err != nil {
		return nil, fmt.Errorf("build outbound request: %w", err)
	}
	req.Header = header
	if req.Body != http.NoBody {
		req.ContentLength = pr.ContentLength
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"host", target.Host,
		"path", target.Path,
		"proxy", proxy.Redacted(),
	)

	resp, err := s.client.Do(proxy, req)
	if err != nil {
		return nil, fmt.Errorf("forward to %s: %w", target.Host, err)
	}

	model.RemoveHopByHop(resp.Header)
	return resp, nil
}

// destinationURL rebuilds the request target with the configured scheme.
// An explicit port survives unless it is the default port of the inbound
// scheme. The path keeps its original percent-encoding.
func (s *ProxyService) destinationURL(pr *model.ProxyRequest) *url.URL {
	return &url.URL{
		Scheme:   s.scheme,
		Host:     destinationHost(pr.Scheme, pr.Host),
		Path:     pr.Path,
		RawPath:  pr.RawPath,
		RawQuery: pr.RawQuery,
	}
}

func destinationHost(inboundScheme, hostport string) string {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		// No port present.
		return hostport
	}
	if port == "" || port == defaultPort(inboundScheme) {
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return hostport
}

func defaultPort(scheme string) string {
	switch strings.ToLower(scheme) {
	case "http", "":
		return "80"
	case "https":
		return "443"
	default:
		return ""
	}
}

func requestBody(pr *model.ProxyRequest) io.Reader {
	if pr.Body == nil || pr.Body == http.NoBody || pr.ContentLength == 0 {
		return http.NoBody
	}
	return pr.Body
}
