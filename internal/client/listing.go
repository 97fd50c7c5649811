// Package client provides the HTTP clients used by the proxy: one for the
// proxy listing API and one for requests sent through upstream proxies.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"proxy-rotator-go/internal/config"
	"proxy-rotator-go/internal/model"
)

// Listing API failure classes. Every error returned by ListProxies wraps one of these.
var (
	ErrAuthMissing       = errors.New("listing API token not configured")
	ErrTransport         = errors.New("listing API transport failure")
	ErrUpstreamRejected  = errors.New("listing API rejected request")
	ErrMalformedResponse = errors.New("listing API returned malformed response")
)

// maxListingPages bounds how many "next" links are followed in one listing.
const maxListingPages = 100

// maxErrorBody bounds how much of a rejected response body is kept for the error message.
const maxErrorBody = 512

const userAgent = "proxy-rotator-go/1.0"

// ListingClient fetches upstream proxy credentials from the proxy listing API.
type ListingClient struct {
	httpClient *http.Client
	endpoint   *url.URL
	token      string
	mode       string
	pageSize   int
	logger     *slog.Logger
}

// NewListingClient creates a ListingClient. It fails with ErrAuthMissing when
// no API token is configured, since the pool can never be populated without one.
func NewListingClient(cfg *config.Config, logger *slog.Logger) (*ListingClient, error) {
	if strings.TrimSpace(cfg.Listing.APIToken) == "" {
		return nil, ErrAuthMissing
	}
	u, err := url.Parse(cfg.Listing.URL)
	if err != nil {
		return nil, fmt.Errorf("parse listing url: %w", err)
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSHandshakeTimeout: 10 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &ListingClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Listing.TimeoutSeconds) * time.Second,
		},
		endpoint: u,
		token:    cfg.Listing.APIToken,
		mode:     cfg.Listing.Mode,
		pageSize: cfg.Listing.PageSize,
		logger:   logger.With("component", "listing_client"),
	}, nil
}

// ListProxies returns every proxy record of the listing, following
// pagination links until the last page.
func (c *ListingClient) ListProxies(ctx context.Context) ([]model.ProxyRecord, error) {
	if c.token == "" {
		return nil, ErrAuthMissing
	}

	pageURL := c.firstPageURL()
	var records []model.ProxyRecord

	for page := 1; ; page++ {
		if page > maxListingPages {
			return nil, fmt.Errorf("%w: more than %d pages", ErrMalformedResponse, maxListingPages)
		}

		list, err := c.fetchPage(ctx, pageURL)
		if err != nil {
			return nil, err
		}
		records = append(records, list.Results...)

		c.logger.Debug("listing page fetched",
			"page", page,
			"results", len(list.Results),
			"count", list.Count,
		)

		if list.Next == nil || *list.Next == "" {
			if list.Count != len(records) {
				c.logger.Warn("listing count does not match fetched records",
					"count", list.Count,
					"fetched", len(records),
				)
			}
			return records, nil
		}

		next, err := c.resolveNext(*list.Next)
		if err != nil {
			return nil, err
		}
		pageURL = next
	}
}

func (c *ListingClient) firstPageURL() string {
	u := *c.endpoint
	q := u.Query()
	if c.mode != "" {
		q.Set("mode", c.mode)
	}
	if c.pageSize > 0 {
		q.Set("page_size", strconv.Itoa(c.pageSize))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// resolveNext resolves a pagination link against the endpoint. Links to
// another host are refused so the API token is never sent elsewhere.
func (c *ListingClient) resolveNext(next string) (string, error) {
	ref, err := url.Parse(next)
	if err != nil {
		return "", fmt.Errorf("%w: invalid next link: %w", ErrMalformedResponse, err)
	}
	u := c.endpoint.ResolveReference(ref)
	if u.Host != c.endpoint.Host || u.Scheme != c.endpoint.Scheme {
		return "", fmt.Errorf("%w: next link points to foreign origin %q", ErrMalformedResponse, u.Host)
	}
	return u.String(), nil
}

func (c *ListingClient) fetchPage(ctx context.Context, pageURL string) (*model.ProxyList, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build listing request: %w", err)
	}
	req.Header.Set("Authorization", c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUpstreamRejected, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var list model.ProxyList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) {
			return nil, fmt.Errorf("%w: read body: %w", ErrTransport, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if list.Results == nil {
		return nil, fmt.Errorf("%w: missing results", ErrMalformedResponse)
	}
	return &list, nil
}
