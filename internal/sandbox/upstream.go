package sandbox

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dskow/kongjwt/internal/apierror"
	"github.com/dskow/kongjwt/internal/auth"
	"github.com/dskow/kongjwt/internal/middleware"
	"github.com/dskow/kongjwt/internal/ratelimit"
	"github.com/dskow/kongjwt/internal/token"
)

// UpstreamOptions configures the JWT-protected echo upstream.
type UpstreamOptions struct {
	// Name is reported as "service" in every echo body.
	Name string
	// MaxBodyBytes limits echoed request bodies (default 1 MiB).
	MaxBodyBytes int64
	// Leeway tolerates clock skew on exp.
	Leeway time.Duration
	// Now is the verifier clock; nil means time.Now.
	Now func() time.Time
	// RateLimit is the per-credential request rate once authenticated.
	// Zero disables limiting.
	RateLimit float64
	// RateBurst is the bucket size used with RateLimit (default 1).
	RateBurst int
	// Forward, when set, serves authenticated requests instead of the echo
	// handler, typically a proxy.Forwarder built with Store.Identify.
	Forward http.Handler
}

// NewUpstreamHandler returns the echo upstream. Every request must carry a
// Bearer token signed with the secret of a credential in store.
//
// /__status/{code} answers with an arbitrary status code; any other path
// echoes the request, including the consumer resolved from the token, or
// goes to opts.Forward when set.
func NewUpstreamHandler(store *Store, opts UpstreamOptions, logger *slog.Logger) http.Handler {
	if opts.Name == "" {
		opts.Name = "sandbox"
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	u := &upstream{store: store, name: opts.Name}

	mux := http.NewServeMux()
	mux.HandleFunc("/__status/{code}", u.status)
	if opts.Forward != nil {
		mux.Handle("/", opts.Forward)
	} else {
		mux.HandleFunc("/", u.echo)
	}

	verifier := token.NewVerifier(opts.Now, opts.Leeway)

	var h http.Handler = mux
	if opts.RateLimit > 0 {
		h = ratelimit.New(opts.RateLimit, opts.RateBurst, credentialKey, logger).Middleware()(h)
	}
	h = auth.Middleware(verifier, store, nil, logger)(h)
	h = middleware.BodyLimit(opts.MaxBodyBytes)(h)
	h = middleware.Logging(logger, nil)(h)
	h = middleware.RequestID(h)
	h = middleware.Recovery(logger)(h)
	return h
}

// credentialKey charges a request to the issuer of its verified token,
// falling back to the client address.
func credentialKey(r *http.Request) string {
	if claims, ok := auth.ClaimsFrom(r.Context()); ok && claims.Issuer != "" {
		return claims.Issuer
	}
	return ratelimit.ClientIP(r)
}

type upstream struct {
	store *Store
	name  string
}

func (u *upstream) status(w http.ResponseWriter, r *http.Request) {
	code, err := strconv.Atoi(r.PathValue("code"))
	if err != nil || code < 200 || code > 599 {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.BadRequest, "status code must be between 200 and 599")
		return
	}
	writeJSON(w, code, map[string]interface{}{
		"service":        u.name,
		"requested_code": code,
		"message":        http.StatusText(code),
	})
}

func (u *upstream) echo(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			middleware.WriteBodyLimitError(w, r)
			return
		}
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.BadRequest, "could not read request body")
		return
	}

	resp := map[string]interface{}{
		"service":    u.name,
		"method":     r.Method,
		"path":       r.URL.Path,
		"query":      r.URL.RawQuery,
		"headers":    flattenHeaders(r.Header),
		"request_id": middleware.GetRequestID(r.Context()),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	if len(body) > 0 {
		resp["body"] = string(body)
	}
	if claims, ok := auth.ClaimsFrom(r.Context()); ok {
		resp["credential_key"] = claims.Issuer
		if name, ok := u.store.ConsumerForKey(claims.Issuer); ok {
			resp["consumer"] = name
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// flattenHeaders joins multi-valued headers; Authorization is masked.
func flattenHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for k, v := range h {
		if k == "Authorization" {
			flat[k] = "***"
			continue
		}
		if len(v) == 1 {
			flat[k] = v[0]
			continue
		}
		flat[k] = strings.Join(v, ", ")
	}
	return flat
}
