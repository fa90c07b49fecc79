package quota

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/quotagate/svc/entitlement"
)

// Config is loaded from the environment.
type Config struct {
	ResultCacheTTL time.Duration `env:"QUOTA_RESULT_CACHE_TTL" envDefault:"5m"`
}

// ResultCache remembers recent successful results so an identical call
// inside the TTL is answered without analyzing or debiting again.
type ResultCache interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Set(ctx context.Context, key string, result json.RawMessage, ttl time.Duration) error
}

// ResultKey scopes a cached result to tenant, user, feature and payload.
func ResultKey(subj Subject, feature entitlement.Feature, payload []byte) string {
	sum := sha256.Sum256(payload)
	return "quota:result:" + subj.TenantID.String() + ":" + subj.UserID.String() + ":" +
		string(feature) + ":" + hex.EncodeToString(sum[:])
}

// RedisResultCache stores results with Redis expiry.
type RedisResultCache struct {
	client redis.UniversalClient
}

func NewRedisResultCache(client redis.UniversalClient) *RedisResultCache {
	return &RedisResultCache{client: client}
}

func (c *RedisResultCache) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return json.RawMessage(data), true, nil
}

func (c *RedisResultCache) Set(ctx context.Context, key string, result json.RawMessage, ttl time.Duration) error {
	return c.client.Set(ctx, key, []byte(result), ttl).Err()
}

type cachedResult struct {
	data      json.RawMessage
	expiresAt time.Time
}

// MemoryResultCache is a ResultCache for tests and single-process runs.
type MemoryResultCache struct {
	mu    sync.Mutex
	items map[string]cachedResult
	now   func() time.Time
}

func NewMemoryResultCache() *MemoryResultCache {
	return &MemoryResultCache{items: make(map[string]cachedResult), now: time.Now}
}

func (c *MemoryResultCache) Get(_ context.Context, key string) (json.RawMessage, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[key]
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(item.expiresAt) {
		delete(c.items, key)
		return nil, false, nil
	}
	return item.data, true, nil
}

func (c *MemoryResultCache) Set(_ context.Context, key string, result json.RawMessage, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, item := range c.items {
		if !now.Before(item.expiresAt) {
			delete(c.items, k)
		}
	}
	c.items[key] = cachedResult{data: result, expiresAt: now.Add(ttl)}
	return nil
}
