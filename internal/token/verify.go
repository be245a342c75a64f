package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMalformed is returned for input that is not a compact JWS.
	ErrMalformed = errors.New("token: malformed")
	// ErrSignature is returned when the signature does not match or the
	// algorithm is not HS256.
	ErrSignature = errors.New("token: signature verification failed")
	// ErrExpired is returned when the exp claim has passed.
	ErrExpired = errors.New("token: expired")
	// ErrUnknownIssuer is returned when no secret is known for the iss claim.
	ErrUnknownIssuer = errors.New("token: unknown issuer")
)

// SecretLookup resolves the shared secret for a credential key, the way
// Kong's JWT plugin resolves it from the iss claim.
type SecretLookup interface {
	SecretFor(key string) (string, bool)
}

// SecretLookupFunc adapts a function to SecretLookup.
type SecretLookupFunc func(key string) (string, bool)

// SecretFor implements SecretLookup.
func (f SecretLookupFunc) SecretFor(key string) (string, bool) { return f(key) }

// Verifier checks tokens on behalf of a verifying party.
type Verifier struct {
	now    func() time.Time
	leeway time.Duration
}

// NewVerifier returns a Verifier using now as its clock (time.Now if nil)
// and tolerating leeway of clock skew on exp.
func NewVerifier(now func() time.Time, leeway time.Duration) *Verifier {
	if now == nil {
		now = time.Now
	}
	return &Verifier{now: now, leeway: leeway}
}

// Verify checks tokenString against a single shared secret.
func (v *Verifier) Verify(tokenString, secret string) (*Claims, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return v.VerifyWith(tokenString, SecretLookupFunc(func(string) (string, bool) {
		return secret, true
	}))
}

// VerifyWith checks tokenString, resolving the secret from its iss claim.
// A token without exp never expires.
func (v *Verifier) VerifyWith(tokenString string, lookup SecretLookup) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		iss, _ := t.Claims.GetIssuer()
		secret, ok := lookup.SecretFor(iss)
		if !ok || secret == "" {
			return nil, fmt.Errorf("%w: %q", ErrUnknownIssuer, iss)
		}
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{Algorithm}),
		jwt.WithTimeFunc(v.now),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return nil, classify(err)
	}
	return claims, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, ErrUnknownIssuer):
		return err
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %w", ErrSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %w", ErrExpired, err)
	default:
		return fmt.Errorf("invalid token: %w", err)
	}
}

// Decode parses tokenString without checking its signature. The result is
// for display only and must not be trusted.
func Decode(tokenString string) (map[string]interface{}, *Claims, error) {
	claims := &Claims{}
	t, _, err := jwt.NewParser().ParseUnverified(tokenString, claims)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return t.Header, claims, nil
}
