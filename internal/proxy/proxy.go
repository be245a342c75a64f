// Package proxy forwards authenticated sandbox requests to a real backend,
// adding the consumer headers Kong's JWT plugin sets on upstream requests.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/dskow/kongjwt/internal/apierror"
	"github.com/dskow/kongjwt/internal/metrics"
)

// Upstream headers describing the authenticated consumer.
const (
	HeaderConsumerID         = "X-Consumer-ID"
	HeaderConsumerUsername   = "X-Consumer-Username"
	HeaderConsumerCustomID   = "X-Consumer-Custom-ID"
	HeaderCredentialIdentity = "X-Credential-Identifier"
	HeaderUpstreamLatency    = "X-Kong-Upstream-Latency"
)

var identityHeaders = []string{
	HeaderConsumerID,
	HeaderConsumerUsername,
	HeaderConsumerCustomID,
	HeaderCredentialIdentity,
}

// Identity is the consumer a request was authenticated as.
type Identity struct {
	ConsumerID    string
	Username      string
	CustomID      string
	CredentialKey string
}

// IdentityFunc resolves the identity of an authenticated request.
type IdentityFunc func(r *http.Request) (Identity, bool)

// Options configures a Forwarder.
type Options struct {
	// HideCredentials strips the Authorization header before forwarding.
	HideCredentials bool
	// Timeout bounds each upstream round trip; zero means no limit.
	Timeout time.Duration
	// Transport overrides the upstream transport.
	Transport http.RoundTripper
}

// Forwarder is an http.Handler proxying to a single backend.
type Forwarder struct {
	target   *url.URL
	proxy    *httputil.ReverseProxy
	identify IdentityFunc
	opts     Options
	logger   *slog.Logger
}

// New creates a Forwarder for backend. Requests are sent once; upstream
// failures become 502 responses and timeouts 504.
func New(backend string, identify IdentityFunc, opts Options, logger *slog.Logger) (*Forwarder, error) {
	target, err := url.Parse(backend)
	if err != nil {
		return nil, fmt.Errorf("invalid backend url %q: %w", backend, err)
	}
	if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, fmt.Errorf("invalid backend url %q: must be an absolute http(s) url", backend)
	}

	f := &Forwarder{target: target, identify: identify, opts: opts, logger: logger}
	f.proxy = &httputil.ReverseProxy{
		Rewrite:      f.rewrite,
		Transport:    opts.Transport,
		ErrorHandler: f.upstreamError,
	}
	return f, nil
}

func (f *Forwarder) rewrite(pr *httputil.ProxyRequest) {
	pr.SetURL(f.target)
	pr.SetXForwarded()

	// Never trust identity headers supplied by the client.
	for _, h := range identityHeaders {
		pr.Out.Header.Del(h)
	}
	if f.opts.HideCredentials {
		pr.Out.Header.Del("Authorization")
	}
	if f.identify == nil {
		return
	}
	id, ok := f.identify(pr.In)
	if !ok {
		return
	}
	setIfNotEmpty(pr.Out.Header, HeaderConsumerID, id.ConsumerID)
	setIfNotEmpty(pr.Out.Header, HeaderConsumerUsername, id.Username)
	setIfNotEmpty(pr.Out.Header, HeaderConsumerCustomID, id.CustomID)
	setIfNotEmpty(pr.Out.Header, HeaderCredentialIdentity, id.CredentialKey)
}

func setIfNotEmpty(h http.Header, key, value string) {
	if value != "" {
		h.Set(key, value)
	}
}

func (f *Forwarder) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	f.logger.Error("upstream error", "error", err, "backend", f.target.Host, "path", r.URL.Path)
	if errors.Is(err, context.DeadlineExceeded) {
		apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.GatewayTimeout, apierror.MsgGatewayTimeout)
		return
	}
	apierror.WriteJSON(w, r, http.StatusBadGateway, apierror.BadGateway, apierror.MsgBadGateway)
}

// ServeHTTP forwards r to the backend.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if f.opts.Timeout > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), f.opts.Timeout)
		defer cancel()
		r = r.WithContext(ctx)
	}

	rec := &latencyWriter{ResponseWriter: w, start: start, statusCode: http.StatusOK}
	f.proxy.ServeHTTP(rec, r)

	metrics.ForwardedTotal.WithLabelValues(strconv.Itoa(rec.statusCode)).Inc()
	metrics.ForwardDuration.Observe(time.Since(start).Seconds())
}

// latencyWriter records the status code and sets the upstream latency
// header just before the response is committed.
type latencyWriter struct {
	http.ResponseWriter
	start      time.Time
	statusCode int
	written    bool
}

func (lw *latencyWriter) WriteHeader(code int) {
	if !lw.written {
		lw.written = true
		lw.statusCode = code
		lw.ResponseWriter.Header().Set(HeaderUpstreamLatency, strconv.FormatInt(time.Since(lw.start).Milliseconds(), 10))
	}
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *latencyWriter) Write(b []byte) (int, error) {
	if !lw.written {
		lw.WriteHeader(http.StatusOK)
	}
	return lw.ResponseWriter.Write(b)
}

// Flush lets streamed upstream responses through.
func (lw *latencyWriter) Flush() {
	if fl, ok := lw.ResponseWriter.(http.Flusher); ok {
		fl.Flush()
	}
}
