// Package poller issues a GET request to a randomly chosen target on a
// fixed interval and classifies the outcome of every attempt.
package poller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dskow/kongjwt/internal/circuitbreaker"
	"github.com/dskow/kongjwt/internal/config"
	"github.com/dskow/kongjwt/internal/metrics"
	"github.com/dskow/kongjwt/internal/middleware"
	"github.com/dskow/kongjwt/internal/token"
)

// Outcome classifies a single poll.
type Outcome string

const (
	// OutcomeSuccess: the target answered 2xx.
	OutcomeSuccess Outcome = "success"
	// OutcomeStatus: the target answered with another status.
	OutcomeStatus Outcome = "status"
	// OutcomeNoResponse: no response arrived (connection error or timeout).
	OutcomeNoResponse Outcome = "no_response"
	// OutcomeSkipped: the target's circuit was open.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeRequest: the request could not be built or signed.
	OutcomeRequest Outcome = "request"
)

// maxBodyBytes bounds how much of a response body is read.
const maxBodyBytes = 1 << 20

// maxErrorBodyBytes bounds the error body written to the log.
const maxErrorBodyBytes = 1024

var errNoTargets = errors.New("poller: no targets configured")

// Result describes one poll.
type Result struct {
	Target     string
	RequestID  string
	Outcome    Outcome
	StatusCode int
	Latency    time.Duration
	// Body is the truncated response body for success and status outcomes.
	Body string
	Err  error
}

// TokenSource mints the bearer token sent with each request.
// *manager.Minter implements it.
type TokenSource interface {
	Mint() (*token.Signed, error)
}

// Poller is driven by a single goroutine calling Run; UpdateConfig may be
// called concurrently from a config reload.
type Poller struct {
	mu       sync.RWMutex
	targets  []string
	headers  map[string]string
	interval time.Duration
	timeout  time.Duration
	preview  int

	reset    chan struct{}
	breakers *circuitbreaker.Set
	tokens   TokenSource
	client   *http.Client
	pick     func(n int) int
	logger   *slog.Logger
}

// Option customizes a Poller.
type Option func(*Poller)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Poller) { p.client = hc }
}

// WithPicker replaces the uniform random target choice. pick receives the
// number of targets and returns an index.
func WithPicker(pick func(n int) int) Option {
	return func(p *Poller) { p.pick = pick }
}

// New creates a Poller. breakers and tokens may be nil.
func New(cfg config.PollerConfig, breakers *circuitbreaker.Set, tokens TokenSource, logger *slog.Logger, opts ...Option) *Poller {
	p := &Poller{
		reset:    make(chan struct{}, 1),
		breakers: breakers,
		tokens:   tokens,
		client:   &http.Client{},
		pick:     rand.IntN,
		logger:   logger,
	}
	p.apply(cfg)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Poller) apply(cfg config.PollerConfig) {
	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	p.targets = append([]string(nil), cfg.Targets...)
	p.headers = headers
	p.interval = cfg.Interval
	p.timeout = cfg.RequestTimeout
	p.preview = cfg.BodyPreviewBytes
}

// UpdateConfig swaps targets, headers, timeouts and interval. A new
// interval takes effect from the next tick.
func (p *Poller) UpdateConfig(cfg config.PollerConfig) {
	p.mu.Lock()
	changed := cfg.Interval != p.interval
	p.apply(cfg)
	p.mu.Unlock()

	if changed {
		select {
		case p.reset <- struct{}{}:
		default:
		}
	}
}

// Interval returns the current polling interval.
func (p *Poller) Interval() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.interval
}

// Run polls once immediately and then on every interval until ctx is
// cancelled. Polls never overlap.
func (p *Poller) Run(ctx context.Context) error {
	interval := p.Interval()
	p.logger.Info("poller started", "interval", interval.String(), "targets", len(p.snapshotTargets()))

	p.PollOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return nil
		case <-p.reset:
			interval = p.Interval()
			ticker.Reset(interval)
			p.logger.Info("poll interval updated", "interval", interval.String())
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

func (p *Poller) snapshotTargets() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.targets
}

// PollOnce polls one randomly chosen target and returns the result.
func (p *Poller) PollOnce(ctx context.Context) Result {
	p.mu.RLock()
	targets := p.targets
	headers := p.headers
	timeout := p.timeout
	preview := p.preview
	p.mu.RUnlock()

	if len(targets) == 0 {
		p.logger.Error("poll failed", "outcome", OutcomeRequest, "error", errNoTargets)
		return Result{Outcome: OutcomeRequest, Err: errNoTargets}
	}

	res := Result{
		Target:    targets[p.pick(len(targets))],
		RequestID: uuid.NewString(),
	}
	res = p.poll(ctx, res, headers, timeout, preview)

	metrics.PollRequestsTotal.WithLabelValues(res.Target, string(res.Outcome)).Inc()
	return res
}

func (p *Poller) poll(ctx context.Context, res Result, headers map[string]string, timeout time.Duration, preview int) Result {
	var breaker circuitbreaker.Breaker
	if p.breakers != nil {
		breaker = p.breakers.For(res.Target)
		if !breaker.Allow() {
			res.Outcome = OutcomeSkipped
			p.logger.Warn("poll skipped: circuit open", "target", res.Target, "request_id", res.RequestID)
			return res
		}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := p.newRequest(ctx, res, headers)
	if err != nil {
		res.Outcome = OutcomeRequest
		res.Err = err
		p.logger.Error("poll failed", "target", res.Target, "request_id", res.RequestID, "outcome", res.Outcome, "error", err)
		return res
	}

	p.logger.Info("polling target", "target", res.Target, "request_id", res.RequestID)

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		res.Latency = time.Since(start)
		res.Outcome = OutcomeNoResponse
		res.Err = err
		metrics.PollDuration.WithLabelValues(res.Target).Observe(res.Latency.Seconds())
		if breaker != nil && !errors.Is(err, context.Canceled) {
			breaker.RecordFailure(res.Latency)
		}
		p.logger.Error("poll failed: no response",
			"target", res.Target,
			"request_id", res.RequestID,
			"outcome", res.Outcome,
			"latency_ms", res.Latency.Milliseconds(),
			"error", err,
		)
		return res
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	res.Latency = time.Since(start)
	res.StatusCode = resp.StatusCode
	metrics.PollDuration.WithLabelValues(res.Target).Observe(res.Latency.Seconds())

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		res.Outcome = OutcomeSuccess
		res.Body = Preview(body, preview)
		if breaker != nil {
			breaker.RecordSuccess(res.Latency)
		}
		attrs := []any{
			"target", res.Target,
			"request_id", res.RequestID,
			"status", res.StatusCode,
			"latency_ms", res.Latency.Milliseconds(),
			"body", res.Body,
		}
		if readErr != nil {
			attrs = append(attrs, "read_error", readErr)
		}
		p.logger.Info("poll succeeded", attrs...)
		return res
	}

	res.Outcome = OutcomeStatus
	res.Body = Preview(body, maxErrorBodyBytes)
	res.Err = fmt.Errorf("%s: HTTP %d", res.Target, resp.StatusCode)
	if breaker != nil {
		breaker.RecordFailure(res.Latency)
	}
	attrs := []any{
		"target", res.Target,
		"request_id", res.RequestID,
		"outcome", res.Outcome,
		"status", res.StatusCode,
		"latency_ms", res.Latency.Milliseconds(),
		"body", res.Body,
	}
	if readErr != nil {
		attrs = append(attrs, "read_error", readErr)
	}
	p.logger.Warn("poll failed: error status", attrs...)
	return res
}

func (p *Poller) newRequest(ctx context.Context, res Result, headers map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, res.Target, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(middleware.RequestIDHeader, res.RequestID)

	if p.tokens != nil {
		signed, err := p.tokens.Mint()
		if err != nil {
			return nil, fmt.Errorf("minting token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+signed.Token)
	}
	return req, nil
}
