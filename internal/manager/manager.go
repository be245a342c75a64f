// Package manager combines the Kong Admin client with the token builder:
// it signs tokens with a consumer's stored credential and summarises the
// credentials of matching consumers.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dskow/kongjwt/internal/kong"
	"github.com/dskow/kongjwt/internal/metrics"
	"github.com/dskow/kongjwt/internal/token"
)

var (
	// ErrNoCredentials means the consumer exists but holds no jwt credential.
	// It matches kong.ErrNotFound.
	ErrNoCredentials = fmt.Errorf("no jwt credentials found: %w", kong.ErrNotFound)

	// ErrTokenUnavailable wraps every failure to obtain a signing credential,
	// so callers can tell it apart from a token being rejected later.
	ErrTokenUnavailable = errors.New("could not build a token")
)

// CredentialSource is the subset of the Kong Admin API the manager needs.
// *kong.Client implements it.
type CredentialSource interface {
	Consumers(ctx context.Context) ([]kong.Consumer, error)
	JWTCredentials(ctx context.Context, consumer string) ([]kong.JWTCredential, error)
}

// Generated is a token signed with a consumer's credential.
type Generated struct {
	*token.Signed
	Consumer string
	Key      string
}

// Summary describes one consumer and its credentials, secrets excluded.
type Summary struct {
	Consumer    string              `json:"consumer"`
	Environment string              `json:"environment"`
	Tags        []string            `json:"tags"`
	Credentials []CredentialSummary `json:"credentials"`
}

// CredentialSummary is one credential in a Summary.
type CredentialSummary struct {
	Key     string   `json:"key"`
	ID      string   `json:"id"`
	Tags    []string `json:"tags"`
	Created string   `json:"created"`
}

// Manager is safe for concurrent use when its source is.
type Manager struct {
	source  CredentialSource
	builder *token.Builder
	filter  string
	logger  *slog.Logger
}

// New creates a Manager. ListCredentials only reports consumers whose
// username contains filter; an empty filter matches every consumer.
func New(source CredentialSource, builder *token.Builder, filter string, logger *slog.Logger) *Manager {
	return &Manager{
		source:  source,
		builder: builder,
		filter:  filter,
		logger:  logger,
	}
}

// Credential returns the first jwt credential of consumer. It fails closed:
// a fetch error or an empty credential list is an error wrapping
// ErrTokenUnavailable.
func (m *Manager) Credential(ctx context.Context, consumer string) (kong.JWTCredential, error) {
	creds, err := m.source.JWTCredentials(ctx, consumer)
	if err != nil {
		return kong.JWTCredential{}, fmt.Errorf("%w: %w", ErrTokenUnavailable, err)
	}
	if len(creds) == 0 {
		return kong.JWTCredential{}, fmt.Errorf("%w: consumer %q: %w", ErrTokenUnavailable, consumer, ErrNoCredentials)
	}
	if len(creds) > 1 {
		m.logger.Debug("consumer has several jwt credentials, using the first",
			"consumer", consumer,
			"count", len(creds),
			"key", creds[0].Key,
		)
	}
	return creds[0], nil
}

// GenerateForConsumer signs a token with the first credential of consumer.
func (m *Manager) GenerateForConsumer(ctx context.Context, consumer string, expiresIn time.Duration) (*Generated, error) {
	cred, err := m.Credential(ctx, consumer)
	if err != nil {
		return nil, err
	}

	signed, err := m.builder.Build(cred.Key, cred.Secret, expiresIn)
	if err != nil {
		return nil, fmt.Errorf("%w: consumer %q: %w", ErrTokenUnavailable, consumer, err)
	}
	metrics.TokensIssued.WithLabelValues("consumer").Inc()

	m.logger.Info("token generated",
		"consumer", consumer,
		"key", cred.Key,
		"expires", signed.Expiry(),
	)
	return &Generated{Signed: signed, Consumer: consumer, Key: cred.Key}, nil
}

// ListCredentials summarises the credentials of every consumer matching the
// filter, in the order the Admin API returns them.
func (m *Manager) ListCredentials(ctx context.Context) ([]Summary, error) {
	consumers, err := m.source.Consumers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing consumers: %w", err)
	}

	out := []Summary{}
	for _, c := range consumers {
		if !strings.Contains(c.Username, m.filter) {
			continue
		}
		creds, err := m.source.JWTCredentials(ctx, c.Username)
		if err != nil {
			return nil, fmt.Errorf("listing credentials: %w", err)
		}

		s := Summary{
			Consumer:    c.Username,
			Environment: EnvironmentFromUsername(c.Username),
			Tags:        nonNil(c.Tags),
			Credentials: make([]CredentialSummary, 0, len(creds)),
		}
		for _, cred := range creds {
			s.Credentials = append(s.Credentials, CredentialSummary{
				Key:     cred.Key,
				ID:      cred.ID,
				Tags:    nonNil(cred.Tags),
				Created: cred.Created().Format(time.RFC3339),
			})
		}
		out = append(out, s)
	}
	return out, nil
}

// EnvironmentFromUsername infers the deployment environment from a consumer
// name. The first matching marker wins.
func EnvironmentFromUsername(username string) string {
	switch {
	case strings.Contains(username, "hldev"):
		return "development"
	case strings.Contains(username, "test"):
		return "test"
	case strings.Contains(username, "prod"):
		return "production"
	default:
		return "unknown"
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
