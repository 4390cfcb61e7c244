package blobstore

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// DefaultCacheTTL is how long fetched text stays warm. Text versions are
// immutable, so the TTL only bounds memory, not staleness.
const DefaultCacheTTL = 15 * time.Minute

// CachedFetcher decorates a Fetcher with an in-memory TTL cache keyed by
// etld1@versionID. The orchestrator touches the same text once per field
// of a manufacturer within one ingestion pass; the cache collapses those
// into a single download.
type CachedFetcher struct {
	inner Fetcher
	cache *cache.Cache
}

// NewCachedFetcher wraps a fetcher with a TTL cache.
func NewCachedFetcher(inner Fetcher, ttl time.Duration) *CachedFetcher {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedFetcher{
		inner: inner,
		cache: cache.New(ttl, 2*ttl),
	}
}

// FetchText returns the cached text when warm, otherwise delegates and
// caches the result. Errors are never cached.
func (f *CachedFetcher) FetchText(ctx context.Context, etld1, versionID string) (string, error) {
	key := etld1 + "@" + versionID
	if cached, ok := f.cache.Get(key); ok {
		return cached.(string), nil
	}
	text, err := f.inner.FetchText(ctx, etld1, versionID)
	if err != nil {
		return "", err
	}
	f.cache.Set(key, text, cache.DefaultExpiration)
	return text, nil
}
