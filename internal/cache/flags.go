package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/skuldlabs/skuld/internal/observability"
	"github.com/skuldlabs/skuld/internal/store"
)

// keyPrefix namespaces flag keys in Redis, e.g. "flag:new-checkout-flow".
const keyPrefix = "flag"

// InvalidationChannel carries feature names of flags whose cached copies
// must be dropped. Every process subscribes; any process may publish.
const InvalidationChannel = "skuld:flag-invalidation"

// FlagSource is where the cache falls back to on a full miss. In
// production this is the Postgres store.
type FlagSource interface {
	GetFlag(ctx context.Context, featureName string) (*store.Flag, error)
}

// Options tunes the two cache layers. Zero values get safe defaults.
type Options struct {
	// L1Capacity is the max number of flags held in process memory.
	L1Capacity int
	// L1TTL bounds staleness of the in-process layer.
	L1TTL time.Duration
	// L2TTL bounds staleness of the Redis layer.
	L2TTL time.Duration
}

func (o *Options) applyDefaults() {
	if o.L1Capacity < 1 {
		o.L1Capacity = 10_000
	}
	if o.L1TTL <= 0 {
		o.L1TTL = 30 * time.Second
	}
	if o.L2TTL <= 0 {
		o.L2TTL = 5 * time.Minute
	}
}

// FlagCache is the layered read-through cache for flag definitions.
// Lookup order is L1, then Redis, then the source; each hit backfills the
// layers above it.
type FlagCache struct {
	logger *slog.Logger
	client *redis.Client
	local  *MemoryCache
	source FlagSource
	l2TTL  time.Duration
}

// NewFlagCache wires the layered cache. The Redis client and source are
// mandatory.
func NewFlagCache(logger *slog.Logger, client *redis.Client, source FlagSource, opts Options) (*FlagCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		return nil, fmt.Errorf("cache: redis client cannot be nil")
	}
	if source == nil {
		return nil, fmt.Errorf("cache: flag source cannot be nil")
	}
	opts.applyDefaults()

	local, err := NewMemoryCache(opts.L1Capacity, opts.L1TTL)
	if err != nil {
		return nil, fmt.Errorf("cache: building memory layer: %w", err)
	}

	return &FlagCache{
		logger: logger,
		client: client,
		local:  local,
		source: source,
		l2TTL:  opts.L2TTL,
	}, nil
}

func redisKey(featureName string) string {
	return keyPrefix + ":" + featureName
}

// GetFlag serves the evaluation read path. A Redis failure degrades to a
// direct source read instead of failing the evaluation.
func (c *FlagCache) GetFlag(ctx context.Context, featureName string) (*store.Flag, error) {
	if flag, ok := c.local.Get(featureName); ok {
		return flag, nil
	}

	payload, err := c.client.Get(ctx, redisKey(featureName)).Bytes()
	switch {
	case err == nil:
		var flag store.Flag
		if jsonErr := json.Unmarshal(payload, &flag); jsonErr == nil {
			observability.CacheHits.WithLabelValues("l2").Inc()
			c.local.Set(featureName, &flag)
			return &flag, nil
		}
		// Undecodable payload: drop it and fall through to the source.
		c.client.Del(ctx, redisKey(featureName))
	case errors.Is(err, redis.Nil):
		// Plain L2 miss.
	default:
		c.logger.Warn("redis read failed, falling back to store",
			slog.String("feature_name", featureName),
			slog.String("error", err.Error()),
		)
	}

	observability.CacheMisses.Inc()
	flag, err := c.source.GetFlag(ctx, featureName)
	if err != nil {
		return nil, err
	}

	c.backfill(ctx, flag)
	return flag, nil
}

// backfill pushes a freshly loaded flag into both layers. Failures are
// logged only; the caller already has the flag.
func (c *FlagCache) backfill(ctx context.Context, flag *store.Flag) {
	c.local.Set(flag.FeatureName, flag)

	payload, err := json.Marshal(flag)
	if err != nil {
		c.logger.Warn("flag encode failed", slog.String("feature_name", flag.FeatureName), slog.String("error", err.Error()))
		return
	}
	if err := c.client.Set(ctx, redisKey(flag.FeatureName), payload, c.l2TTL).Err(); err != nil {
		c.logger.Warn("redis backfill failed",
			slog.String("feature_name", flag.FeatureName),
			slog.String("error", err.Error()),
		)
	}
}

// Invalidate drops a flag from both layers and broadcasts the eviction to
// every other process via pub/sub.
func (c *FlagCache) Invalidate(ctx context.Context, featureName string) error {
	c.local.Del(featureName)

	if err := c.client.Del(ctx, redisKey(featureName)).Err(); err != nil {
		return fmt.Errorf("evicting flag %q from redis: %w", featureName, err)
	}
	if err := c.client.Publish(ctx, InvalidationChannel, featureName).Err(); err != nil {
		return fmt.Errorf("broadcasting invalidation for %q: %w", featureName, err)
	}
	return nil
}

// Listen subscribes to the invalidation channel and evicts the named
// flags from the L1 layer as events arrive. It blocks until the context
// is cancelled; run it in its own goroutine.
func (c *FlagCache) Listen(ctx context.Context) error {
	pubsub := c.client.Subscribe(ctx, InvalidationChannel)
	defer pubsub.Close()

	// Force the subscription before reporting readiness to the caller.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", InvalidationChannel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			c.local.Del(msg.Payload)
			observability.CacheInvalidations.Inc()
			c.logger.Debug("flag invalidated via pub/sub", slog.String("feature_name", msg.Payload))
		}
	}
}

// Close releases the in-process layer. The Redis client is shared and is
// closed by its owner.
func (c *FlagCache) Close() {
	c.local.Close()
}
