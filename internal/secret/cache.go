package secret

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// CachedProvider memoizes another backend's lookups. Vault reads go over
// the network and the same key reference may appear for several providers,
// so resolution hits the backend once per TTL.
type CachedProvider struct {
	inner Provider
	cache *cache.Cache
}

// NewCachedProvider wraps a backend with a TTL cache.
func NewCachedProvider(inner Provider, ttl time.Duration) *CachedProvider {
	return &CachedProvider{
		inner: inner,
		cache: cache.New(ttl, 2*ttl),
	}
}

// Get returns the cached value or resolves and caches it.
func (p *CachedProvider) Get(ctx context.Context, path string) (string, error) {
	if cached, found := p.cache.Get(path); found {
		if value, ok := cached.(string); ok {
			return value, nil
		}
	}

	value, err := p.inner.Get(ctx, path)
	if err != nil {
		return "", err
	}
	p.cache.Set(path, value, cache.DefaultExpiration)
	return value, nil
}

// Close closes the wrapped backend.
func (p *CachedProvider) Close() error {
	return p.inner.Close()
}
