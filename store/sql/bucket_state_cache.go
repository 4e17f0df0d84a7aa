package sqlstore

import (
	"context"
	"net/url"

	repositorycache "github.com/goliatone/go-repository-cache/cache"

	"github.com/goliatone/go-deploysync/core"
	"github.com/goliatone/go-deploysync/ratelimit"
)

const bucketStateCachePrefix = "deploysync:bucket_state:"

// cachedBucketStateStore serves bucket reads from go-repository-cache. Upserts
// write through to the base store and evict the bucket.
type cachedBucketStateStore struct {
	base  ratelimit.StateStore
	cache repositorycache.CacheService
}

// bucketCacheKey is deploysync:bucket_state:<provider>/<bucket>, both segments
// path escaped.
func bucketCacheKey(key core.RateLimitKey) string {
	return bucketStateCachePrefix + url.PathEscape(key.ProviderID) + "/" + url.PathEscape(key.BucketKey)
}

func (s *cachedBucketStateStore) Get(ctx context.Context, key core.RateLimitKey) (ratelimit.State, error) {
	key = ratelimit.NormalizeKey(key)
	if err := requireBucketKey(key); err != nil {
		return ratelimit.State{}, err
	}
	return repositorycache.GetOrFetch(ctx, s.cache, bucketCacheKey(key), func(ctx context.Context) (ratelimit.State, error) {
		return s.base.Get(ctx, key)
	})
}

func (s *cachedBucketStateStore) Upsert(ctx context.Context, state ratelimit.State) error {
	state.Key = ratelimit.NormalizeKey(state.Key)
	if err := requireBucketKey(state.Key); err != nil {
		return err
	}
	if err := s.base.Upsert(ctx, state); err != nil {
		return err
	}
	return s.cache.Delete(ctx, bucketCacheKey(state.Key))
}

var _ ratelimit.StateStore = (*cachedBucketStateStore)(nil)
