// Package token builds and verifies the HS256 JSON Web Tokens that Kong's
// JWT plugin accepts. The issuer claim carries the Kong credential key, and the
// signature is an HMAC-SHA256 over the compact header and claims segments.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// Algorithm is the only signing algorithm produced or accepted.
	Algorithm = "HS256"

	// Type is the typ header value of every produced token.
	Type = "JWT"

	// DefaultSubject is the sub claim used when no subject is configured.
	DefaultSubject = "maximo-client"
)

var (
	// ErrMissingKey is returned when the issuer key is empty.
	ErrMissingKey = errors.New("token: issuer key is required")
	// ErrMissingSecret is returned when the signing secret is empty.
	ErrMissingSecret = errors.New("token: signing secret is required")
	// ErrNegativeExpiry is returned for an expiry below zero.
	ErrNegativeExpiry = errors.New("token: expiry must not be negative")
	// ErrInvalidExpiry is returned for an expiry that is not a whole number of seconds.
	ErrInvalidExpiry = errors.New("token: expiry must be a whole number of seconds")
	// ErrClock is returned when the clock yields an unusable time.
	ErrClock = errors.New("token: clock returned an invalid time")
)

// Claims is the token payload. Fields are declared in wire order; ExpiresAt
// is omitted entirely when the token never expires.
type Claims struct {
	Issuer    string           `json:"iss"`
	IssuedAt  *jwt.NumericDate `json:"iat"`
	ExpiresAt *jwt.NumericDate `json:"exp,omitempty"`
	Subject   string           `json:"sub"`
}

func (c Claims) GetExpirationTime() (*jwt.NumericDate, error) { return c.ExpiresAt, nil }
func (c Claims) GetIssuedAt() (*jwt.NumericDate, error)       { return c.IssuedAt, nil }
func (c Claims) GetNotBefore() (*jwt.NumericDate, error)      { return nil, nil }
func (c Claims) GetIssuer() (string, error)                   { return c.Issuer, nil }
func (c Claims) GetSubject() (string, error)                  { return c.Subject, nil }
func (c Claims) GetAudience() (jwt.ClaimStrings, error)       { return nil, nil }

// Signed is a freshly built token together with the claims it carries.
type Signed struct {
	Token  string
	Claims Claims
}

// ExpiresAt returns the expiry time and true, or the zero time and false
// when the token never expires.
func (s *Signed) ExpiresAt() (time.Time, bool) {
	if s.Claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return s.Claims.ExpiresAt.Time, true
}

// Expiry formats the expiry for display: RFC 3339 in UTC, or "never".
func (s *Signed) Expiry() string {
	exp, ok := s.ExpiresAt()
	if !ok {
		return "never"
	}
	return exp.UTC().Format(time.RFC3339)
}

// Builder signs tokens for a fixed subject. It holds no mutable state and is
// safe for concurrent use.
type Builder struct {
	subject string
	now     func() time.Time
}

// NewBuilder returns a Builder that stamps every token with subject. An empty
// subject selects DefaultSubject; a nil now selects time.Now.
func NewBuilder(subject string, now func() time.Time) *Builder {
	if subject == "" {
		subject = DefaultSubject
	}
	if now == nil {
		now = time.Now
	}
	return &Builder{subject: subject, now: now}
}

// Subject returns the sub claim written by this builder.
func (b *Builder) Subject() string {
	return b.subject
}

// Build signs a token for key using secret. An expiresIn of zero produces a
// token without an exp claim; a positive value sets exp = iat + expiresIn.
// Inputs are validated before anything is signed.
func (b *Builder) Build(key, secret string, expiresIn time.Duration) (*Signed, error) {
	if key == "" {
		return nil, ErrMissingKey
	}
	if secret == "" {
		return nil, ErrMissingSecret
	}
	if expiresIn < 0 {
		return nil, fmt.Errorf("%w: got %s", ErrNegativeExpiry, expiresIn)
	}
	if expiresIn%time.Second != 0 {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidExpiry, expiresIn)
	}

	now := b.now()
	if now.Unix() <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrClock, now)
	}
	iat := time.Unix(now.Unix(), 0)

	claims := Claims{
		Issuer:   key,
		IssuedAt: jwt.NewNumericDate(iat),
		Subject:  b.subject,
	}
	if expiresIn > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(iat.Add(expiresIn))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return nil, fmt.Errorf("signing token: %w", err)
	}

	return &Signed{Token: signed, Claims: claims}, nil
}
