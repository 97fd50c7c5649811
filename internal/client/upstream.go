package client

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"proxy-rotator-go/internal/config"
	"proxy-rotator-go/internal/metrics"
	"proxy-rotator-go/internal/model"
)

// ProxyClient sends requests through upstream proxies. One http.Client (and
// its connection pool) is kept per upstream proxy and dropped once the proxy
// leaves the pool.
type ProxyClient struct {
	timeout   time.Duration
	idleConns int
	tlsConfig *tls.Config
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	clients map[model.UpstreamProxy]*http.Client
	members map[model.UpstreamProxy]struct{} // current pool; nil until the first Retain
}

// ProxyClientOption configures a ProxyClient.
type ProxyClientOption func(*ProxyClient)

// WithTLSClientConfig sets the TLS configuration used towards origin servers
// and https upstream proxies.
func WithTLSClientConfig(cfg *tls.Config) ProxyClientOption {
	return func(c *ProxyClient) {
		c.tlsConfig = cfg
	}
}

// NewProxyClient creates a ProxyClient.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewProxyClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, opts ...ProxyClientOption) *ProxyClient {
	c := &ProxyClient{
		timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		idleConns: cfg.Upstream.IdleConnections,
		logger:    logger.With("component", "proxy_client"),
		metrics:   m,
		clients:   make(map[model.UpstreamProxy]*http.Client),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do executes req through the given upstream proxy and returns the raw response.
// Redirects are returned to the caller rather than followed.
// The caller is responsible for closing the response body.
func (c *ProxyClient) Do(proxy model.UpstreamProxy, req *http.Request) (*model.ProxyResponse, error) {
	hc, err := c.clientFor(proxy)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
		"proxy", proxy.Redacted(),
	)

	start := time.Now()
	resp, err := hc.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
			c.metrics.UpstreamErrors.WithLabelValues(method).Inc()
		}
		return nil, fmt.Errorf("upstream request via %s: %w", proxy.Redacted(), err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// Retain drops cached clients for proxies not in entries and closes their
// idle connections. It is called after each successful pool refresh.
// Requests that sampled a retired proxy before the refresh still complete,
// on a client that is not cached.
func (c *ProxyClient) Retain(entries []model.UpstreamProxy) {
	keep := make(map[model.UpstreamProxy]struct{}, len(entries))
	for _, p := range entries {
		keep[p] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.members = keep

	dropped := 0
	for p, hc := range c.clients {
		if _, ok := keep[p]; ok {
			continue
		}
		hc.CloseIdleConnections()
		delete(c.clients, p)
		dropped++
	}
	if dropped > 0 {
		c.logger.Debug("dropped clients of retired proxies", "count", dropped)
	}
}

// cached reports how many per-proxy clients are held.
func (c *ProxyClient) cached() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

func (c *ProxyClient) clientFor(proxy model.UpstreamProxy) (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if hc, ok := c.clients[proxy]; ok {
		return hc, nil
	}

	proxyURL, err := proxy.URL()
	if err != nil {
		return nil, err
	}

	if c.members != nil {
		if _, ok := c.members[proxy]; !ok {
			return c.newClient(proxyURL, false), nil
		}
	}

	hc := c.newClient(proxyURL, true)
	c.clients[proxy] = hc
	return hc, nil
}

// newClient builds a client that sends every request through proxyURL.
// Uncached clients do not keep idle connections.
func (c *ProxyClient) newClient(proxyURL *url.URL, keepAlive bool) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyURL(proxyURL),
		MaxIdleConns:        c.idleConns * 4,
		MaxIdleConnsPerHost: c.idleConns,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		// Responses are relayed byte for byte, so no transparent gzip.
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	if c.tlsConfig != nil {
		transport.TLSClientConfig = c.tlsConfig.Clone()
	}
	if !keepAlive {
		transport.DisableKeepAlives = true
	}

	return &http.Client{
		Transport: transport,
		Timeout:   c.timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
