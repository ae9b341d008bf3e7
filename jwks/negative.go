package jwks

import (
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultNegativeTTL is how long an unknown key id is remembered.
const DefaultNegativeTTL = 30 * time.Second

// DefaultNegativeCacheSize bounds the number of remembered unknown key ids.
const DefaultNegativeCacheSize = 1024

// negativeCache remembers key ids that were still unknown after a refresh.
// hashicorp/golang-lru is safe for concurrent use.
type negativeCache struct {
	cache *lru.Cache
	ttl   time.Duration
	now   func() time.Time
}

// newNegativeCache returns nil when ttl is not positive, which disables it.
func newNegativeCache(size int, ttl time.Duration, now func() time.Time) *negativeCache {
	if ttl <= 0 {
		return nil
	}
	if size <= 0 {
		size = DefaultNegativeCacheSize
	}
	cache, _ := lru.New(size)
	return &negativeCache{cache: cache, ttl: ttl, now: now}
}

func (c *negativeCache) Contains(kid string) bool {
	if c == nil {
		return false
	}
	v, ok := c.cache.Get(kid)
	if !ok {
		return false
	}
	if c.now().Before(v.(time.Time)) {
		return true
	}
	c.cache.Remove(kid)
	return false
}

func (c *negativeCache) Add(kid string) {
	if c == nil {
		return
	}
	c.cache.Add(kid, c.now().Add(c.ttl))
}

func (c *negativeCache) Purge() {
	if c == nil {
		return
	}
	c.cache.Purge()
}

func (c *negativeCache) Len() int {
	if c == nil {
		return 0
	}
	return c.cache.Len()
}
