package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

const (
	testIssuerA  = "https://idp-a.example/"
	testIssuerB  = "https://idp-b.example/tenant/v2.0"
	testAudience = "api://bizregistry"
)

var (
	keyOnce sync.Once
	keyA    *rsa.PrivateKey
	keyB    *rsa.PrivateKey
	keyErr  error
)

// testKeys returns two RSA keys shared by the package tests.
func testKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	keyOnce.Do(func() {
		keyA, keyErr = rsa.GenerateKey(rand.Reader, 2048)
		if keyErr != nil {
			return
		}
		keyB, keyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	if keyErr != nil {
		t.Fatalf("generate rsa key: %v", keyErr)
	}
	return keyA, keyB
}

type namedKey struct {
	kid  string
	priv *rsa.PrivateKey
}

func jwksDocument(t *testing.T, keys ...namedKey) []byte {
	t.Helper()
	set := jwk.NewSet()
	for _, k := range keys {
		key, err := jwk.Import(&k.priv.PublicKey)
		if err != nil {
			t.Fatalf("import key: %v", err)
		}
		if err := key.Set(jwk.KeyIDKey, k.kid); err != nil {
			t.Fatalf("set kid: %v", err)
		}
		if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
			t.Fatalf("set use: %v", err)
		}
		if err := set.AddKey(key); err != nil {
			t.Fatalf("add key: %v", err)
		}
	}
	body, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return body
}

func mintToken(t *testing.T, key namedKey, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if key.kid != "" {
		tok.Header["kid"] = key.kid
	}
	raw, err := tok.SignedString(key.priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}

// fakeFetcher serves fixed key set documents per URL and counts calls.
type fakeFetcher struct {
	mu    sync.Mutex
	docs  map[string][]byte
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (f *fakeFetcher) FetchKeySet(ctx context.Context, url string) ([]byte, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.docs[url], nil
}

func (f *fakeFetcher) setError(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

const (
	jwksURLA = "https://idp-a.example/discovery/keys"
	jwksURLB = "https://idp-b.example/tenant/discovery/v2.0/keys"
)

// testPipeline is a fully wired validator over fake key sets.
type testPipeline struct {
	clock     *manualClock
	fetcher   *fakeFetcher
	keys      *KeyCache
	router    *IssuerRouter
	validator *Validator
	signerA   namedKey
	signerB   namedKey
}

func newTestPipeline(t *testing.T) *testPipeline {
	t.Helper()
	privA, privB := testKeys(t)
	p := &testPipeline{
		clock:   newManualClock(),
		signerA: namedKey{kid: "a-1", priv: privA},
		signerB: namedKey{kid: "b-1", priv: privB},
	}
	p.fetcher = &fakeFetcher{docs: map[string][]byte{
		jwksURLA: jwksDocument(t, p.signerA),
		jwksURLB: jwksDocument(t, p.signerB),
	}}
	var err error
	p.keys, err = NewKeyCache(map[string]string{testIssuerA: jwksURLA, testIssuerB: jwksURLB}, p.fetcher,
		WithKeyCacheClock(p.clock.Now), WithInitialBackoff(time.Millisecond))
	if err != nil {
		t.Fatalf("NewKeyCache: %v", err)
	}
	p.router, err = NewIssuerRouter(testIssuerA, testIssuerB)
	if err != nil {
		t.Fatalf("NewIssuerRouter: %v", err)
	}
	p.validator, err = NewValidator(p.keys, testAudience, []IssuerConfig{
		{Kind: IssuerA, Issuer: testIssuerA, JWKSURL: jwksURLA, PartyClaim: "party_id"},
		{Kind: IssuerB, Issuer: testIssuerB, JWKSURL: jwksURLB},
	}, WithValidatorClock(p.clock.Now))
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return p
}

func (p *testPipeline) interactiveClaims(roles ...string) jwt.MapClaims {
	r := make([]any, 0, len(roles))
	for _, role := range roles {
		r = append(r, role)
	}
	return jwt.MapClaims{
		"iss":      testIssuerA,
		"aud":      testAudience,
		"exp":      p.clock.Now().Add(10 * time.Minute).Unix(),
		"oid":      "8d1f0c2e-user",
		"roles":    r,
		"party_id": "party-1",
	}
}

func (p *testPipeline) machineClaims(clientID string) jwt.MapClaims {
	return jwt.MapClaims{
		"iss": testIssuerB,
		"aud": testAudience,
		"exp": p.clock.Now().Add(10 * time.Minute).Unix(),
		"azp": clientID,
	}
}
