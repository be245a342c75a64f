// Package kong is a small typed client for the parts of the Kong Admin API
// that hold JWT credentials: consumers and their jwt credentials.
package kong

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/dskow/kongjwt/internal/config"
	"github.com/dskow/kongjwt/internal/metrics"
	"github.com/dskow/kongjwt/internal/tlsutil"
)

// AdminTokenHeader carries kong.admin_token on every Admin API request.
const AdminTokenHeader = "Kong-Admin-Token"

// Metric labels for the two endpoints; consumer names are not used as
// labels to keep cardinality bounded.
const (
	endpointConsumers = "/consumers"
	endpointJWT       = "/consumers/{consumer}/jwt"
)

// maxPages bounds pagination in case the server keeps returning next links.
const maxPages = 1000

// ErrNotFound is returned when the Admin API answers 404, e.g. for an
// unknown consumer.
var ErrNotFound = errors.New("kong: not found")

// Consumer is a Kong consumer.
type Consumer struct {
	ID        string   `json:"id"`
	Username  string   `json:"username"`
	CustomID  string   `json:"custom_id,omitempty"`
	Tags      []string `json:"tags"`
	CreatedAt int64    `json:"created_at"`
}

// ConsumerRef is the consumer reference embedded in a credential.
type ConsumerRef struct {
	ID string `json:"id"`
}

// JWTCredential is a jwt credential belonging to a consumer.
type JWTCredential struct {
	ID        string      `json:"id"`
	Key       string      `json:"key"`
	Secret    string      `json:"secret"`
	Algorithm string      `json:"algorithm"`
	Consumer  ConsumerRef `json:"consumer"`
	Tags      []string    `json:"tags"`
	CreatedAt int64       `json:"created_at"`
}

// Created returns the credential creation time in UTC.
func (c JWTCredential) Created() time.Time {
	return time.Unix(c.CreatedAt, 0).UTC()
}

// StatusError is returned for non-2xx Admin API responses.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("kong admin %s: HTTP %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("kong admin %s: HTTP %d: %s", e.Endpoint, e.StatusCode, e.Message)
}

// Unwrap lets errors.Is(err, ErrNotFound) match 404 responses.
func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

type page[T any] struct {
	Data []T    `json:"data"`
	Next string `json:"next"`
}

// Client talks to the Kong Admin API. It is safe for concurrent use.
type Client struct {
	base       *url.URL
	adminToken string
	timeout    time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a Client from cfg. A negative RequestsPerSecond (the config
// spelling for "off") or zero disables client-side rate limiting.
func New(cfg config.KongConfig, logger *slog.Logger, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.AdminURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing kong admin url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("kong admin url %q: scheme must be http or https", cfg.AdminURL)
	}

	limit := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.BurstSize
	if burst < 1 {
		burst = 1
	}

	hc, err := tlsutil.HTTPClient(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("kong admin tls: %w", err)
	}

	c := &Client{
		base:       base,
		adminToken: cfg.AdminToken,
		timeout:    cfg.Timeout,
		httpClient: hc,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the Admin API root the client talks to.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// Consumers lists every consumer, following pagination.
func (c *Client) Consumers(ctx context.Context) ([]Consumer, error) {
	return list[Consumer](ctx, c, endpointConsumers, "/consumers")
}

// JWTCredentials lists the jwt credentials of consumer (username or id).
// An unknown consumer yields an error matching ErrNotFound.
func (c *Client) JWTCredentials(ctx context.Context, consumer string) ([]JWTCredential, error) {
	if consumer == "" {
		return nil, fmt.Errorf("kong: consumer name is required")
	}
	creds, err := list[JWTCredential](ctx, c, endpointJWT, "/consumers/"+url.PathEscape(consumer)+"/jwt")
	if err != nil {
		return nil, fmt.Errorf("consumer %q: %w", consumer, err)
	}
	return creds, nil
}

func list[T any](ctx context.Context, c *Client, endpoint, path string) ([]T, error) {
	next, err := c.resolve(path)
	if err != nil {
		return nil, fmt.Errorf("kong admin %s: %w", endpoint, err)
	}
	var all []T
	seen := make(map[string]bool)

	for pages := 0; next != ""; pages++ {
		if pages >= maxPages || seen[next] {
			return nil, fmt.Errorf("kong admin %s: pagination did not terminate", endpoint)
		}
		seen[next] = true

		var p page[T]
		if err := c.get(ctx, endpoint, next, &p); err != nil {
			return nil, err
		}
		all = append(all, p.Data...)

		next = ""
		if p.Next != "" {
			if next, err = c.resolve(p.Next); err != nil {
				return nil, fmt.Errorf("kong admin %s: %w", endpoint, err)
			}
		}
	}
	return all, nil
}

// resolve turns a path (or Kong's next link, which may be absolute or
// root-relative) into a full URL under the admin base.
func (c *Client) resolve(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid next link %q: %w", ref, err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	out := *c.base
	out.Path = strings.TrimRight(c.base.Path, "/") + u.Path
	out.RawPath = ""
	out.RawQuery = u.RawQuery
	if u.RawPath != "" {
		out.RawPath = strings.TrimRight(c.base.EscapedPath(), "/") + u.RawPath
	}
	return out.String(), nil
}

func (c *Client) get(ctx context.Context, endpoint, rawURL string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("kong admin %s: waiting for rate limiter: %w", endpoint, err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("kong admin %s: building request: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.adminToken != "" {
		req.Header.Set(AdminTokenHeader, c.adminToken)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.AdminRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.AdminRequestsTotal.WithLabelValues(endpoint, "error").Inc()
		return fmt.Errorf("kong admin %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	metrics.AdminRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
	c.logger.Debug("kong admin request",
		"endpoint", endpoint,
		"url", rawURL,
		"status", resp.StatusCode,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("kong admin %s: reading response: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(body),
		}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("kong admin %s: decoding response: %w", endpoint, err)
	}
	return nil
}

// errorMessage extracts Kong's {"message": ...} or falls back to the raw body.
func errorMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil && e.Message != "" {
		return e.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	return msg
}
