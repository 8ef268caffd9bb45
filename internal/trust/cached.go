package trust

import (
	"context"
	"time"

	"github.com/basket/actiongate/internal/cache"
)

// DefaultScoreCacheTTL bounds how stale a cached score read may be.
// Webhook bursts for one conversation re-read the same (app, category)
// aggregate many times per second; a freshly recorded outcome shows up
// at worst this much later.
const DefaultScoreCacheTTL = 15 * time.Second

// scoreSource is the reader a CachedReader wraps.
type scoreSource interface {
	CurrentScore(ctx context.Context, appID, category string) (Score, error)
	Strategy() Strategy
}

// CachedReader memoizes score reads per (app, category) with a short
// TTL. Writes through the underlying Scorer invalidate on the next
// expiry, not immediately.
type CachedReader struct {
	inner  scoreSource
	scores *cache.Cache[string, Score]
}

func NewCachedReader(inner scoreSource, ttl time.Duration, now func() time.Time) *CachedReader {
	if ttl <= 0 {
		ttl = DefaultScoreCacheTTL
	}
	return &CachedReader{
		inner:  inner,
		scores: cache.New[string, Score](ttl, now),
	}
}

func (c *CachedReader) CurrentScore(ctx context.Context, appID, category string) (Score, error) {
	key := appID + "\x00" + category
	return c.scores.GetOrLoad(key, func() (Score, error) {
		return c.inner.CurrentScore(ctx, appID, category)
	})
}

func (c *CachedReader) Strategy() Strategy { return c.inner.Strategy() }

// Invalidate drops the cached score for one key, for callers that just
// recorded an outcome and want the next read to hit storage.
func (c *CachedReader) Invalidate(appID, category string) {
	c.scores.Delete(appID + "\x00" + category)
}
