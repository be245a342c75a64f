package token

import (
	"encoding/base64"
	"encoding/json"
	"regexp"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"
)

var compactRe = regexp.MustCompile(`^[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+$`)

func drawInputs(t *rapid.T) (key, secret string, expires time.Duration, iat int64) {
	key = rapid.StringN(1, 64, -1).Draw(t, "key")
	secret = rapid.StringN(1, 64, -1).Draw(t, "secret")
	expires = time.Duration(rapid.Int64Range(0, 10*365*24*3600).Draw(t, "expires")) * time.Second
	iat = rapid.Int64Range(1, 4_000_000_000).Draw(t, "iat")
	return
}

// Property: identical inputs in the same second produce identical tokens.
func TestProperty_Deterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		key, secret, expires, iat := drawInputs(t)
		b := NewBuilder("", fixedClock(iat))

		a, err := b.Build(key, secret, expires)
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		c, err := b.Build(key, secret, expires)
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		if a.Token != c.Token {
			t.Fatalf("tokens differ:\n%s\n%s", a.Token, c.Token)
		}
	})
}

// Property: output uses only the base64url alphabet and exactly two dots.
func TestProperty_Alphabet(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		key, secret, expires, iat := drawInputs(t)
		signed, err := NewBuilder("", fixedClock(iat)).Build(key, secret, expires)
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		if !compactRe.MatchString(signed.Token) {
			t.Fatalf("token %q outside the compact alphabet", signed.Token)
		}
		if strings.Count(signed.Token, ".") != 2 {
			t.Fatalf("token %q must have exactly two separators", signed.Token)
		}
	})
}

// Property: exp is present iff expires > 0, and equals iat + expires.
func TestProperty_ExpiryPresence(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		key, secret, expires, iat := drawInputs(t)
		signed, err := NewBuilder("", fixedClock(iat)).Build(key, secret, expires)
		if err != nil {
			t.Fatalf("Build: %v", err)
		}

		raw, err := base64.RawURLEncoding.DecodeString(strings.Split(signed.Token, ".")[1])
		if err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		var claims map[string]interface{}
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.UseNumber()
		if err := dec.Decode(&claims); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}

		exp, hasExp := claims["exp"]
		if expires == 0 {
			if hasExp {
				t.Fatalf("exp present for zero expiry: %v", exp)
			}
			return
		}
		if !hasExp {
			t.Fatal("exp missing for positive expiry")
		}
		want := iat + int64(expires/time.Second)
		if got, _ := exp.(json.Number).Int64(); got != want {
			t.Fatalf("exp = %d, want %d", got, want)
		}
	})
}

// Property: the original secret verifies; any other secret does not.
func TestProperty_SignatureValidity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		key, secret, _, iat := drawInputs(t)
		other := rapid.StringN(1, 64, -1).Filter(func(s string) bool { return s != secret }).Draw(t, "other")

		signed, err := NewBuilder("", fixedClock(iat)).Build(key, secret, 0)
		if err != nil {
			t.Fatalf("Build: %v", err)
		}

		v := NewVerifier(fixedClock(iat), 0)
		if _, err := v.Verify(signed.Token, secret); err != nil {
			t.Fatalf("Verify with original secret: %v", err)
		}
		if _, err := v.Verify(signed.Token, other); err == nil {
			t.Fatal("Verify succeeded with a different secret")
		}
	})
}

// Property: negative expiries are always rejected.
func TestProperty_NegativeExpiryRejected(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.Int64Range(1, 1<<40).Draw(t, "n")
		_, err := NewBuilder("", fixedClock(1)).Build("k", "s", -time.Duration(n)*time.Second)
		if err == nil {
			t.Fatal("negative expiry accepted")
		}
	})
}
