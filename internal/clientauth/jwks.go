package clientauth

import (
	"context"
	"crypto"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	icrypto "github.com/identra/identra/internal/crypto"
)

const (
	maxJWKSBytes = 1 << 20
	fetchTimeout = 3 * time.Second
)

// JWKSFetcher resolves a client's published keys by kid. Documents are
// cached per URI; concurrent cold fetches for the same URI are collapsed
// into one HTTP request.
type JWKSFetcher struct {
	client *http.Client
	ttl    time.Duration
	group  singleflight.Group

	mu    sync.RWMutex
	cache map[string]jwksEntry
}

type jwksEntry struct {
	keys      map[string]crypto.PublicKey
	expiresAt time.Time
}

func NewJWKSFetcher(client *http.Client, ttl time.Duration) *JWKSFetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &JWKSFetcher{client: client, ttl: ttl, cache: make(map[string]jwksEntry)}
}

// Key returns the public key published under kid at the given JWKS URI.
func (f *JWKSFetcher) Key(ctx context.Context, uri, kid string) (crypto.PublicKey, error) {
	f.mu.RLock()
	entry, ok := f.cache[uri]
	f.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		if key, ok := entry.keys[kid]; ok {
			return key, nil
		}
		// Unknown kid on a fresh document means the client rotated;
		// fall through and refetch.
	}

	v, err, _ := f.group.Do(uri, func() (any, error) {
		return f.fetch(ctx, uri)
	})
	if err != nil {
		return nil, err
	}
	keys := v.(map[string]crypto.PublicKey)
	key, ok := keys[kid]
	if !ok {
		return nil, fmt.Errorf("clientauth: jwks at %s has no key %q", uri, kid)
	}
	return key, nil
}

func (f *JWKSFetcher) fetch(ctx context.Context, uri string) (map[string]crypto.PublicKey, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("clientauth: build jwks request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("clientauth: fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("clientauth: jwks endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBytes))
	if err != nil {
		return nil, fmt.Errorf("clientauth: read jwks: %w", err)
	}
	var doc icrypto.JWKS
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("clientauth: parse jwks: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(doc.Keys))
	for _, jwk := range doc.Keys {
		pub, err := jwk.PublicKey()
		if err != nil {
			continue // skip unusable entries, keep the rest
		}
		keys[jwk.Kid] = pub
	}

	f.mu.Lock()
	f.cache[uri] = jwksEntry{keys: keys, expiresAt: time.Now().Add(f.ttl)}
	f.mu.Unlock()
	return keys, nil
}
