// Package sandbox is a local stand-in for a Kong deployment: a read-only
// Admin API serving consumers and jwt credentials from a YAML fixture, and
// a JWT-protected echo upstream that verifies tokens the way Kong's JWT
// plugin does.
package sandbox

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/dskow/kongjwt/internal/auth"
	"github.com/dskow/kongjwt/internal/proxy"
)

// fixtureNamespace seeds the deterministic ids given to fixture entries
// that do not declare one.
var fixtureNamespace = uuid.MustParse("6f1b7c52-5a0e-4c71-9a43-2f8f1d3c8b10")

// Fixture is the YAML document describing the sandbox's consumers.
type Fixture struct {
	Consumers []FixtureConsumer `yaml:"consumers"`
}

// FixtureConsumer is one consumer and its jwt credentials.
type FixtureConsumer struct {
	ID        string              `yaml:"id"`
	Username  string              `yaml:"username"`
	CustomID  string              `yaml:"custom_id"`
	Tags      []string            `yaml:"tags"`
	CreatedAt int64               `yaml:"created_at"`
	JWT       []FixtureCredential `yaml:"jwt"`
}

// FixtureCredential is one jwt credential.
type FixtureCredential struct {
	ID        string   `yaml:"id"`
	Key       string   `yaml:"key"`
	Secret    string   `yaml:"secret"`
	Algorithm string   `yaml:"algorithm"`
	Tags      []string `yaml:"tags"`
	CreatedAt int64    `yaml:"created_at"`
}

// LoadFixture reads and validates a fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fixture: %w", err)
	}
	f, err := ParseFixture(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// ParseFixture parses fixture YAML, fills in ids, algorithms and creation
// times, and rejects duplicate usernames or keys.
func ParseFixture(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing fixture: %w", err)
	}

	usernames := make(map[string]bool)
	keys := make(map[string]bool)
	for i := range f.Consumers {
		c := &f.Consumers[i]
		if c.Username == "" {
			return nil, fmt.Errorf("consumers[%d]: username is required", i)
		}
		if usernames[c.Username] {
			return nil, fmt.Errorf("consumers[%d]: duplicate username %q", i, c.Username)
		}
		usernames[c.Username] = true
		if c.ID == "" {
			c.ID = uuid.NewSHA1(fixtureNamespace, []byte("consumer:"+c.Username)).String()
		}
		if c.Tags == nil {
			c.Tags = []string{}
		}

		for j := range c.JWT {
			cred := &c.JWT[j]
			if cred.Key == "" || cred.Secret == "" {
				return nil, fmt.Errorf("consumers[%d].jwt[%d]: key and secret are required", i, j)
			}
			if keys[cred.Key] {
				return nil, fmt.Errorf("consumers[%d].jwt[%d]: duplicate key %q", i, j, cred.Key)
			}
			keys[cred.Key] = true
			if cred.ID == "" {
				cred.ID = uuid.NewSHA1(fixtureNamespace, []byte("jwt:"+cred.Key)).String()
			}
			if cred.Algorithm == "" {
				cred.Algorithm = "HS256"
			}
			if cred.Tags == nil {
				cred.Tags = []string{}
			}
		}
	}
	return &f, nil
}

// Store serves a fixture. It is safe for concurrent use and implements
// token.SecretLookup.
type Store struct {
	mu        sync.RWMutex
	consumers []FixtureConsumer
	byName    map[string]int
	byKey     map[string]keyRef
}

type keyRef struct {
	consumer int
	cred     int
}

// NewStore indexes f. Entries without a creation time get now.
func NewStore(f *Fixture, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	s := &Store{}
	s.replace(f, now().Unix())
	return s
}

func (s *Store) replace(f *Fixture, created int64) {
	consumers := make([]FixtureConsumer, len(f.Consumers))
	copy(consumers, f.Consumers)
	sort.SliceStable(consumers, func(i, j int) bool { return consumers[i].Username < consumers[j].Username })

	byName := make(map[string]int, 2*len(consumers))
	byKey := make(map[string]keyRef)
	for i := range consumers {
		c := &consumers[i]
		if c.CreatedAt == 0 {
			c.CreatedAt = created
		}
		c.JWT = append([]FixtureCredential(nil), c.JWT...)
		byName[c.Username] = i
		byName[c.ID] = i
		for j := range c.JWT {
			if c.JWT[j].CreatedAt == 0 {
				c.JWT[j].CreatedAt = created
			}
			byKey[c.JWT[j].Key] = keyRef{consumer: i, cred: j}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumers = consumers
	s.byName = byName
	s.byKey = byKey
}

var errNoConsumer = errors.New("no such consumer")

// Consumers returns all consumers ordered by username.
func (s *Store) Consumers() []FixtureConsumer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FixtureConsumer, len(s.consumers))
	copy(out, s.consumers)
	return out
}

// Consumer looks a consumer up by username or id.
func (s *Store) Consumer(nameOrID string) (FixtureConsumer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byName[nameOrID]
	if !ok {
		return FixtureConsumer{}, errNoConsumer
	}
	return s.consumers[i], nil
}

// SecretFor returns the secret of the credential with the given key.
func (s *Store) SecretFor(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.byKey[key]
	if !ok {
		return "", false
	}
	return s.consumers[ref.consumer].JWT[ref.cred].Secret, true
}

// ConsumerForKey returns the username owning the credential key.
func (s *Store) ConsumerForKey(key string) (string, bool) {
	c, ok := s.consumerByKey(key)
	return c.Username, ok
}

func (s *Store) consumerByKey(key string) (FixtureConsumer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.byKey[key]
	if !ok {
		return FixtureConsumer{}, false
	}
	return s.consumers[ref.consumer], true
}

// Identify resolves the consumer behind a request that passed the JWT
// check. It is the identity source for proxy.Forwarder.
func (s *Store) Identify(r *http.Request) (proxy.Identity, bool) {
	claims, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		return proxy.Identity{}, false
	}
	c, ok := s.consumerByKey(claims.Issuer)
	if !ok {
		return proxy.Identity{}, false
	}
	return proxy.Identity{
		ConsumerID:    c.ID,
		Username:      c.Username,
		CustomID:      c.CustomID,
		CredentialKey: claims.Issuer,
	}, true
}
