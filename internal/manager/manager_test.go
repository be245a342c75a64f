package manager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dskow/kongjwt/internal/config"
	"github.com/dskow/kongjwt/internal/kong"
	"github.com/dskow/kongjwt/internal/metrics"
	"github.com/dskow/kongjwt/internal/sandbox"
	"github.com/dskow/kongjwt/internal/token"
)

const testIAT = 1758164179

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func clock() time.Time { return time.Unix(testIAT, 0) }

type fakeSource struct {
	consumers []kong.Consumer
	creds     map[string][]kong.JWTCredential
	err       error
	calls     int
}

func (f *fakeSource) Consumers(context.Context) ([]kong.Consumer, error) {
	return f.consumers, f.err
}

func (f *fakeSource) JWTCredentials(_ context.Context, consumer string) ([]kong.JWTCredential, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	creds, ok := f.creds[consumer]
	if !ok {
		return nil, &kong.StatusError{Endpoint: "/consumers/{consumer}/jwt", StatusCode: 404, Message: "Not found"}
	}
	return creds, nil
}

func newFake() *fakeSource {
	return &fakeSource{
		consumers: []kong.Consumer{
			{Username: "maximo-hldev-api", Tags: []string{"hldev"}},
			{Username: "reporting-service"},
			{Username: "maximo-prod-api"},
		},
		creds: map[string][]kong.JWTCredential{
			"maximo-hldev-api": {
				{ID: "c1", Key: "maximo-hldev-key", Secret: "hldev-maximo-secret-2024", CreatedAt: 1758000100},
				{ID: "c2", Key: "second", Secret: "other"},
			},
			"maximo-prod-api":   {},
			"reporting-service": {{ID: "c3", Key: "reporting-key", Secret: "reporting-secret"}},
		},
	}
}

func TestEnvironmentFromUsername(t *testing.T) {
	tests := map[string]string{
		"maximo-hldev-api":      "development",
		"maximo-test-api":       "test",
		"maximo-prod-api":       "production",
		"hldev-test-prod":       "development",
		"test-prod":             "test",
		"reporting-service":     "unknown",
		"":                      "unknown",
		"maximo-production-api": "production",
	}
	for name, want := range tests {
		assert.Equal(t, want, EnvironmentFromUsername(name), name)
	}
}

func TestGenerateForConsumer_UsesFirstCredential(t *testing.T) {
	m := New(newFake(), token.NewBuilder("", clock), "maximo", quiet)

	before := testutil.ToFloat64(metrics.TokensIssued.WithLabelValues("consumer"))
	g, err := m.GenerateForConsumer(context.Background(), "maximo-hldev-api", time.Hour)
	require.NoError(t, err)

	assert.Equal(t, "maximo-hldev-api", g.Consumer)
	assert.Equal(t, "maximo-hldev-key", g.Key)
	assert.Equal(t, "2025-09-18T03:56:19Z", g.Expiry())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.TokensIssued.WithLabelValues("consumer"))-before)

	claims, err := token.NewVerifier(clock, 0).Verify(g.Token, "hldev-maximo-secret-2024")
	require.NoError(t, err)
	assert.Equal(t, "maximo-hldev-key", claims.Issuer)
	assert.Equal(t, "maximo-client", claims.Subject)
}

func TestGenerateForConsumer_FailsClosed(t *testing.T) {
	tests := []struct {
		name     string
		consumer string
		expires  time.Duration
		source   *fakeSource
		is       []error
	}{
		{"unknown consumer", "ghost", time.Hour, newFake(), []error{ErrTokenUnavailable, kong.ErrNotFound}},
		{"no credentials", "maximo-prod-api", time.Hour, newFake(), []error{ErrTokenUnavailable, ErrNoCredentials, kong.ErrNotFound}},
		{"fetch failure", "maximo-hldev-api", time.Hour, &fakeSource{err: errors.New("connection refused")}, []error{ErrTokenUnavailable}},
		{"negative expiry", "maximo-hldev-api", -time.Second, newFake(), []error{ErrTokenUnavailable, token.ErrNegativeExpiry}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(tt.source, token.NewBuilder("", clock), "", quiet)
			g, err := m.GenerateForConsumer(context.Background(), tt.consumer, tt.expires)
			require.Error(t, err)
			assert.Nil(t, g)
			for _, target := range tt.is {
				assert.ErrorIs(t, err, target)
			}
			assert.NotErrorIs(t, err, token.ErrSignature)
		})
	}
}

func TestListCredentials_FiltersAndSummarises(t *testing.T) {
	m := New(newFake(), token.NewBuilder("", clock), "maximo", quiet)

	got, err := m.ListCredentials(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "maximo-hldev-api", got[0].Consumer)
	assert.Equal(t, "development", got[0].Environment)
	assert.Equal(t, []string{"hldev"}, got[0].Tags)
	require.Len(t, got[0].Credentials, 2)
	assert.Equal(t, CredentialSummary{Key: "maximo-hldev-key", ID: "c1", Tags: []string{}, Created: "2025-09-16T05:21:40Z"}, got[0].Credentials[0])

	assert.Equal(t, "maximo-prod-api", got[1].Consumer)
	assert.Equal(t, []string{}, got[1].Tags)
	assert.Empty(t, got[1].Credentials)
	assert.NotNil(t, got[1].Credentials)
}

func TestListCredentials_EmptyFilterMatchesAll(t *testing.T) {
	m := New(newFake(), token.NewBuilder("", clock), "", quiet)
	got, err := m.ListCredentials(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestListCredentials_Error(t *testing.T) {
	m := New(&fakeSource{err: errors.New("boom")}, token.NewBuilder("", clock), "", quiet)
	_, err := m.ListCredentials(context.Background())
	assert.ErrorContains(t, err, "listing consumers")
}

func TestMinter(t *testing.T) {
	src := newFake()
	m := New(src, token.NewBuilder("", clock), "", quiet)

	minter, err := m.MinterFor(context.Background(), "reporting-service", 5*time.Minute, "poller")
	require.NoError(t, err)
	assert.Equal(t, "reporting-key", minter.Key())

	before := testutil.ToFloat64(metrics.TokensIssued.WithLabelValues("poller"))
	for i := 0; i < 3; i++ {
		signed, err := minter.Mint()
		require.NoError(t, err)
		_, err = token.NewVerifier(clock, 0).Verify(signed.Token, "reporting-secret")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, src.calls, "credential is fetched once")
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.TokensIssued.WithLabelValues("poller"))-before)

	_, err = m.MinterFor(context.Background(), "ghost", time.Minute, "poller")
	assert.ErrorIs(t, err, kong.ErrNotFound)
}

func TestStaticMinter_RejectsEmptySecret(t *testing.T) {
	_, err := NewMinter(token.NewBuilder("", clock), "k", "", 0, "static").Mint()
	assert.ErrorIs(t, err, ErrTokenUnavailable)
	assert.ErrorIs(t, err, token.ErrMissingSecret)
}

func TestAgainstSandbox(t *testing.T) {
	f, err := sandbox.LoadFixture("../sandbox/testdata/fixture.yaml")
	require.NoError(t, err)
	store := sandbox.NewStore(f, nil)
	admin := httptest.NewServer(sandbox.NewAdminHandler(store, sandbox.AdminOptions{PageSize: 2}, quiet))
	defer admin.Close()

	client, err := kong.New(config.KongConfig{AdminURL: admin.URL}, quiet)
	require.NoError(t, err)
	m := New(client, token.NewBuilder("", nil), "maximo", quiet)

	summaries, err := m.ListCredentials(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 3)
	assert.Equal(t, "test", summaries[2].Environment)
	assert.Len(t, summaries[2].Credentials, 2)

	g, err := m.GenerateForConsumer(context.Background(), "maximo-test-api", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "maximo-test-key", g.Key)

	_, err = token.NewVerifier(nil, 0).VerifyWith(g.Token, store)
	require.NoError(t, err)

	_, err = m.GenerateForConsumer(context.Background(), "maximo-prod-api", time.Hour)
	assert.ErrorIs(t, err, ErrNoCredentials)
}
