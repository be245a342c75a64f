// Package auth provides the Bearer token middleware that guards the sandbox
// upstream. It mirrors Kong's JWT plugin: the signing secret is looked up
// by the token's iss claim among the known credentials.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dskow/kongjwt/internal/apierror"
	"github.com/dskow/kongjwt/internal/metrics"
	"github.com/dskow/kongjwt/internal/token"
)

type contextKey string

// ClaimsKey is the context key used to store validated token claims.
const ClaimsKey contextKey = "jwt_claims"

// ClaimsFrom returns the validated claims stored by Middleware, if any.
func ClaimsFrom(ctx context.Context) (*token.Claims, bool) {
	c, ok := ctx.Value(ClaimsKey).(*token.Claims)
	return c, ok
}

// Middleware returns an HTTP middleware that validates HS256 Bearer tokens
// with verifier, resolving secrets through lookup. Paths for which exempt
// returns true are passed through; exempt may be nil.
func Middleware(verifier *token.Verifier, lookup token.SecretLookup, exempt func(path string) bool, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempt != nil && exempt(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			tokenStr, ok := extractBearerToken(r)
			if !ok {
				metrics.AuthFailures.WithLabelValues("missing_token").Inc()
				apierror.WriteJSON(w, r, http.StatusUnauthorized, apierror.AuthMissingToken, apierror.MsgUnauthorized)
				return
			}

			claims, err := verifier.VerifyWith(tokenStr, lookup)
			if err != nil {
				reason, code, message := describe(err)
				logger.Warn("auth failure", "reason", reason, "error", err, "path", r.URL.Path)
				metrics.AuthFailures.WithLabelValues(reason).Inc()
				apierror.WriteJSON(w, r, http.StatusUnauthorized, code, message)
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractBearerToken reads the Authorization header, falling back to the
// jwt query parameter as Kong's plugin does by default.
func extractBearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if tok := r.URL.Query().Get("jwt"); tok != "" {
			return tok, true
		}
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	tok := strings.TrimSpace(parts[1])
	if tok == "" {
		return "", false
	}
	return tok, true
}

// describe maps a verifier error to a metric reason, an error code and the
// message Kong's JWT plugin uses for the same rejection.
func describe(err error) (reason string, code apierror.ErrorCode, message string) {
	switch {
	case errors.Is(err, token.ErrUnknownIssuer):
		return "unknown_key", apierror.AuthUnknownKey, "No credentials found for given 'iss'"
	case errors.Is(err, token.ErrExpired):
		return "expired", apierror.AuthExpiredToken, "token expired"
	case errors.Is(err, token.ErrSignature):
		return "invalid_signature", apierror.AuthInvalidToken, "Invalid signature"
	case errors.Is(err, token.ErrMalformed):
		return "malformed", apierror.AuthInvalidToken, "Bad token; invalid JSON"
	default:
		return "invalid_token", apierror.AuthInvalidToken, "Invalid token"
	}
}
