package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/dskow/kongjwt/internal/metrics"
	"github.com/dskow/kongjwt/internal/token"
)

// Minter signs tokens with one fixed credential. It is safe for concurrent
// use.
type Minter struct {
	builder *token.Builder
	key     string
	secret  string
	expiry  time.Duration
	source  string
}

// NewMinter returns a Minter for key and secret. source labels the
// kongjwt_tokens_issued_total counter.
func NewMinter(builder *token.Builder, key, secret string, expiry time.Duration, source string) *Minter {
	return &Minter{
		builder: builder,
		key:     key,
		secret:  secret,
		expiry:  expiry,
		source:  source,
	}
}

// MinterFor fetches the credential of consumer once and returns a Minter
// bound to it.
func (m *Manager) MinterFor(ctx context.Context, consumer string, expiry time.Duration, source string) (*Minter, error) {
	cred, err := m.Credential(ctx, consumer)
	if err != nil {
		return nil, err
	}
	return NewMinter(m.builder, cred.Key, cred.Secret, expiry, source), nil
}

// Key returns the issuer key tokens are signed for.
func (m *Minter) Key() string {
	return m.key
}

// Mint signs a fresh token.
func (m *Minter) Mint() (*token.Signed, error) {
	signed, err := m.builder.Build(m.key, m.secret, m.expiry)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenUnavailable, err)
	}
	metrics.TokensIssued.WithLabelValues(m.source).Inc()
	return signed, nil
}
