// Package jwks fetches and caches the signing keys published by the identity
// provider. The cache is consulted on demand during token verification and is
// never refreshed proactively.
package jwks

import (
	"context"
	"crypto"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/mcpguard/mcpguard/auth"
)

const (
	// DefaultTTL bounds how long a fetched key set is consulted before a
	// lookup forces a refetch.
	DefaultTTL = time.Hour

	// maxDocumentSize caps the JWKS document we are willing to read.
	maxDocumentSize = 1 << 20
)

// KeySource resolves a key id to a public verification key.
type KeySource interface {
	Key(ctx context.Context, kid string) (crypto.PublicKey, error)
}

// snapshot is an immutable fetched key set. Refreshes swap the whole
// snapshot; readers holding an old pointer keep a consistent view.
type snapshot struct {
	set       *jose.JSONWebKeySet
	fetchedAt time.Time
}

func (s *snapshot) lookup(kid string) (crypto.PublicKey, bool) {
	for _, k := range s.set.Key(kid) {
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		return k.Key, true
	}
	return nil, false
}

// Cache lazily fetches the provider's JWKS document and serves key lookups
// from an in-memory snapshot for up to a ttl. A lookup that misses (unknown
// kid or stale snapshot) performs exactly one synchronous refetch before
// failing with auth.ErrKeyNotFound. There is no stale fallback: if the
// refetch fails, the failure propagates.
//
// Concurrent lookups may race into redundant refetches; replacement is
// idempotent so that is tolerated rather than serialized.
type Cache struct {
	endpoint string
	ttl      time.Duration
	client   *http.Client
	log      *slog.Logger

	snap atomic.Pointer[snapshot]
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithTTL overrides the snapshot lifetime (default one hour).
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) { c.ttl = ttl }
}

// WithHTTPClient overrides the HTTP client used for fetches. The default
// carries a 30 second timeout; replacements should too.
func WithHTTPClient(client *http.Client) CacheOption {
	return func(c *Cache) { c.client = client }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) CacheOption {
	return func(c *Cache) { c.log = log }
}

// NewCache creates a cache for the JWKS document at endpoint. No fetch
// happens until the first key lookup.
func NewCache(endpoint string, opts ...CacheOption) *Cache {
	c := &Cache{
		endpoint: endpoint,
		ttl:      DefaultTTL,
		client:   &http.Client{Timeout: 30 * time.Second},
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key implements KeySource.
func (c *Cache) Key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	if s := c.snap.Load(); s != nil && time.Since(s.fetchedAt) <= c.ttl {
		if key, ok := s.lookup(kid); ok {
			return key, nil
		}
	}

	s, err := c.refresh(ctx)
	if err != nil {
		return nil, err
	}
	if key, ok := s.lookup(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: no key with id %q", auth.ErrKeyNotFound, kid)
}

// refresh fetches the key set and replaces the snapshot wholesale.
func (c *Cache) refresh(ctx context.Context) (*snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("jwks: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jwks: fetch %s: %w", c.endpoint, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks: fetch %s: unexpected status %d", c.endpoint, res.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("jwks: read response: %w", err)
	}

	var set jose.JSONWebKeySet
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("jwks: parse key set: %w", err)
	}

	s := &snapshot{set: &set, fetchedAt: time.Now()}
	c.snap.Store(s)
	c.log.DebugContext(ctx, "jwks.refresh.ok", slog.Int("keys", len(set.Keys)))
	return s, nil
}

var _ KeySource = (*Cache)(nil)
