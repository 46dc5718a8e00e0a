package cache

import (
	"time"

	"github.com/maypok86/otter"

	"github.com/skuldlabs/skuld/internal/observability"
	"github.com/skuldlabs/skuld/internal/store"
)

// MemoryCache is the L1 layer: an in-process S3-FIFO cache of flag
// definitions. Lookups here keep the evaluation hot path off the network
// entirely.
type MemoryCache struct {
	flags otter.Cache[string, *store.Flag]
}

// NewMemoryCache builds the L1 cache. Capacity is a hard item cap; the
// TTL is the safety net for a missed invalidation.
func NewMemoryCache(capacity int, ttl time.Duration) (*MemoryCache, error) {
	flags, err := otter.MustBuilder[string, *store.Flag](capacity).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, err
	}
	return &MemoryCache{flags: flags}, nil
}

// Get looks up a flag by feature name.
func (c *MemoryCache) Get(featureName string) (*store.Flag, bool) {
	flag, ok := c.flags.Get(featureName)
	if ok {
		observability.CacheHits.WithLabelValues("l1").Inc()
	}
	return flag, ok
}

// Set stores a flag under its feature name with the configured TTL.
func (c *MemoryCache) Set(featureName string, flag *store.Flag) {
	c.flags.Set(featureName, flag)
}

// Del evicts a flag, typically in response to an invalidation event.
func (c *MemoryCache) Del(featureName string) {
	c.flags.Delete(featureName)
}

// Close stops the cache's background maintenance goroutines.
func (c *MemoryCache) Close() {
	c.flags.Close()
}
