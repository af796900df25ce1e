package auth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"bizregistry.org/internal/obs"
)

const (
	defaultKeyTTL         = 10 * time.Minute
	defaultFetchTimeout   = 3 * time.Second
	defaultFetchAttempts  = 3
	defaultFetchBudget    = 4 * time.Second
	defaultMinRefresh     = 15 * time.Second
	defaultInitialBackoff = 100 * time.Millisecond
	maxKeySetBytes        = 1 << 20
)

var supportedKeyAlgorithms = map[string]struct{}{
	"RS256": {}, "RS384": {}, "RS512": {},
	"PS256": {}, "PS384": {}, "PS512": {},
	"ES256": {}, "ES384": {}, "ES512": {},
}

// KeyProvider resolves the public key an issuer signed a token with.
type KeyProvider interface {
	SigningKey(ctx context.Context, issuer, kid string) (crypto.PublicKey, error)
}

// KeySetFetcher downloads an issuer's published key set document.
type KeySetFetcher interface {
	FetchKeySet(ctx context.Context, url string) ([]byte, error)
}

// HTTPKeySetFetcher fetches key sets with a plain HTTP GET.
type HTTPKeySetFetcher struct {
	Client *http.Client
}

// StatusError is returned for non-2xx key set responses.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("key set %s: unexpected status %d", e.URL, e.Code)
}

// FetchKeySet implements KeySetFetcher.
func (f HTTPKeySetFetcher) FetchKeySet(ctx context.Context, url string) ([]byte, error) {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxKeySetBytes))
}

type cacheKey struct {
	issuer string
	kid    string
}

type cachedKey struct {
	key       crypto.PublicKey
	expiresAt time.Time
}

type parsedKey struct {
	key crypto.PublicKey
	err error
}

// KeyCache caches per-issuer signing keys keyed by (issuer, kid). Misses
// trigger a single coalesced fetch of the issuer's key set; failed fetches
// leave the cache untouched.
type KeyCache struct {
	sources        map[string]string
	fetcher        KeySetFetcher
	ttl            time.Duration
	fetchTimeout   time.Duration
	fetchBudget    time.Duration
	attempts       int
	minRefresh     time.Duration
	initialBackoff time.Duration
	now            func() time.Time
	logger         *zap.Logger

	mu        sync.RWMutex
	entries   map[cacheKey]cachedKey
	lastFetch map[string]time.Time

	group singleflight.Group
}

// KeyCacheOption configures a KeyCache.
type KeyCacheOption func(*KeyCache)

// WithKeyTTL sets how long fetched keys stay valid.
func WithKeyTTL(ttl time.Duration) KeyCacheOption {
	return func(c *KeyCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithFetchTimeout bounds each upstream attempt.
func WithFetchTimeout(d time.Duration) KeyCacheOption {
	return func(c *KeyCache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// WithFetchBudget bounds one whole fetch, retries and backoff included.
func WithFetchBudget(d time.Duration) KeyCacheOption {
	return func(c *KeyCache) {
		if d > 0 {
			c.fetchBudget = d
		}
	}
}

// WithFetchAttempts bounds the number of upstream attempts per miss.
func WithFetchAttempts(n int) KeyCacheOption {
	return func(c *KeyCache) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// WithMinRefreshInterval limits how often an issuer's key set is re-fetched
// because of an unknown key id. Zero disables the limit.
func WithMinRefreshInterval(d time.Duration) KeyCacheOption {
	return func(c *KeyCache) {
		if d >= 0 {
			c.minRefresh = d
		}
	}
}

// WithInitialBackoff sets the first retry delay.
func WithInitialBackoff(d time.Duration) KeyCacheOption {
	return func(c *KeyCache) {
		if d > 0 {
			c.initialBackoff = d
		}
	}
}

// WithKeyCacheClock overrides the time source.
func WithKeyCacheClock(fn func() time.Time) KeyCacheOption {
	return func(c *KeyCache) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithKeyCacheLogger overrides the logger.
func WithKeyCacheLogger(l *zap.Logger) KeyCacheOption {
	return func(c *KeyCache) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewKeyCache builds a cache for the given issuer → key set URL sources.
func NewKeyCache(sources map[string]string, fetcher KeySetFetcher, opts ...KeyCacheOption) (*KeyCache, error) {
	if len(sources) == 0 {
		return nil, errors.New("auth: at least one key source is required")
	}
	if fetcher == nil {
		fetcher = HTTPKeySetFetcher{}
	}
	c := &KeyCache{
		sources:        make(map[string]string, len(sources)),
		fetcher:        fetcher,
		ttl:            defaultKeyTTL,
		fetchTimeout:   defaultFetchTimeout,
		fetchBudget:    defaultFetchBudget,
		attempts:       defaultFetchAttempts,
		minRefresh:     defaultMinRefresh,
		initialBackoff: defaultInitialBackoff,
		now:            time.Now,
		logger:         obs.Logger(),
		entries:        make(map[cacheKey]cachedKey),
		lastFetch:      make(map[string]time.Time),
	}
	for issuer, url := range sources {
		if issuer == "" || url == "" {
			return nil, fmt.Errorf("auth: invalid key source %q -> %q", issuer, url)
		}
		c.sources[issuer] = url
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SigningKey returns the public key for (issuer, kid), fetching the issuer's
// key set on a miss. The caller stops waiting when ctx ends; the shared fetch
// keeps running under its own budget.
func (c *KeyCache) SigningKey(ctx context.Context, issuer, kid string) (crypto.PublicKey, error) {
	key, expired := c.lookup(issuer, kid)
	if key != nil {
		return key, nil
	}
	url, ok := c.sources[issuer]
	if !ok {
		return nil, fmt.Errorf("%w: no key source for issuer %q", ErrKeyFetchFailed, issuer)
	}

	ch := c.group.DoChan(issuer+"\x00"+kid, func() (any, error) {
		if key, _ := c.lookup(issuer, kid); key != nil {
			return key, nil
		}
		// Only unknown kids wait out the refresh interval; an expired key was genuine.
		if !expired && c.recentlyFetched(issuer) {
			return nil, ErrKeyNotFound
		}
		keys, err := c.fetch(ctx, issuer, url)
		if err != nil {
			return nil, err
		}
		pk, ok := keys[kid]
		if !ok {
			return nil, ErrKeyNotFound
		}
		if pk.err != nil {
			return nil, pk.err
		}
		return pk.key, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrKeyFetchFailed, ctx.Err())
	}
}

// lookup returns the cached key, or nil. expired reports that the entry
// existed but outlived its TTL; it is evicted.
func (c *KeyCache) lookup(issuer, kid string) (key crypto.PublicKey, expired bool) {
	k := cacheKey{issuer: issuer, kid: kid}
	c.mu.RLock()
	entry, ok := c.entries[k]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !c.now().Before(entry.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.entries[k]; ok && !c.now().Before(cur.expiresAt) {
			delete(c.entries, k)
		}
		c.mu.Unlock()
		return nil, true
	}
	return entry.key, false
}

func (c *KeyCache) recentlyFetched(issuer string) bool {
	if c.minRefresh <= 0 {
		return false
	}
	c.mu.RLock()
	last, ok := c.lastFetch[issuer]
	c.mu.RUnlock()
	return ok && c.now().Sub(last) < c.minRefresh
}

// fetch downloads and parses the key set with bounded retries, then stores
// every usable key. Transport errors and 5xx responses are retried; 4xx
// responses and unparseable documents are not.
func (c *KeyCache) fetch(ctx context.Context, issuer, url string) (map[string]parsedKey, error) {
	fetchCtx, cancelFetch := context.WithTimeout(context.WithoutCancel(ctx), c.fetchBudget)
	defer cancelFetch()

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = c.initialBackoff
	expBackoff.MaxInterval = 10 * c.initialBackoff
	expBackoff.Reset()

	attempt := 0
	operation := func() (map[string]parsedKey, error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(fetchCtx, c.fetchTimeout)
		defer cancel()
		body, err := c.fetcher.FetchKeySet(attemptCtx, url)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && se.Code < 500 {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		keys, err := parseKeySet(body)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return keys, nil
	}

	keys, err := backoff.Retry(fetchCtx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(c.attempts)), // #nosec G115 -- attempts is validated positive
		backoff.WithMaxElapsedTime(c.fetchBudget),
		backoff.WithNotify(func(err error, d time.Duration) {
			c.logger.Warn("key set fetch failed, retrying",
				zap.String("issuer", issuer), zap.Int("attempt", attempt),
				zap.Duration("retry_in", d), zap.Error(err))
		}),
	)
	if err != nil {
		obs.JWKSFetches.WithLabelValues(issuer, "error").Inc()
		c.logger.Error("key set fetch exhausted",
			zap.String("issuer", issuer), zap.Int("attempts", attempt), zap.Error(err))
		return nil, fmt.Errorf("%w: issuer %s: %v", ErrKeyFetchFailed, issuer, err)
	}
	obs.JWKSFetches.WithLabelValues(issuer, "ok").Inc()

	now := c.now()
	c.mu.Lock()
	for kid, pk := range keys {
		if pk.err != nil {
			continue
		}
		c.entries[cacheKey{issuer: issuer, kid: kid}] = cachedKey{key: pk.key, expiresAt: now.Add(c.ttl)}
	}
	c.lastFetch[issuer] = now
	c.mu.Unlock()
	return keys, nil
}

// parseKeySet extracts signature-verification keys from a JWKS document.
// Keys with an unsupported algorithm or key type are kept with an error so a
// lookup for them fails closed instead of silently missing.
func parseKeySet(body []byte) (map[string]parsedKey, error) {
	set, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse key set: %w", err)
	}
	out := make(map[string]parsedKey, set.Len())
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		kid, ok := key.KeyID()
		if !ok || kid == "" {
			continue
		}
		if use, ok := key.KeyUsage(); ok && use != "" && use != "sig" {
			continue
		}
		if alg, ok := key.Algorithm(); ok {
			if _, supported := supportedKeyAlgorithms[alg.String()]; !supported {
				out[kid] = parsedKey{err: fmt.Errorf("%w: key %s uses unsupported algorithm %s", ErrKeyNotFound, kid, alg.String())}
				continue
			}
		}
		var raw any
		if err := jwk.Export(key, &raw); err != nil {
			out[kid] = parsedKey{err: fmt.Errorf("%w: export key %s: %v", ErrKeyNotFound, kid, err)}
			continue
		}
		switch pub := raw.(type) {
		case *rsa.PublicKey:
			out[kid] = parsedKey{key: pub}
		case *ecdsa.PublicKey:
			out[kid] = parsedKey{key: pub}
		default:
			out[kid] = parsedKey{err: fmt.Errorf("%w: key %s has unsupported type %T", ErrKeyNotFound, kid, raw)}
		}
	}
	if len(out) == 0 {
		return nil, errors.New("key set contains no signing keys")
	}
	return out, nil
}
