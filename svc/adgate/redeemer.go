package adgate

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redeemer marks a token id as used. Redeem reports false when the id
// was already redeemed.
type Redeemer interface {
	Redeem(ctx context.Context, id string, ttl time.Duration) (bool, error)
}

// RedisRedeemer uses SET NX so exactly one replica wins a redemption.
type RedisRedeemer struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRedeemer(client redis.UniversalClient) *RedisRedeemer {
	return &RedisRedeemer{client: client, prefix: "adgate:redeemed:"}
}

func (r *RedisRedeemer) Redeem(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, r.prefix+id, 1, ttl).Result()
}

// MemoryRedeemer is a Redeemer for a single process.
type MemoryRedeemer struct {
	mu   sync.Mutex
	used map[string]time.Time
	now  func() time.Time
}

func NewMemoryRedeemer() *MemoryRedeemer {
	return &MemoryRedeemer{used: make(map[string]time.Time), now: time.Now}
}

func (r *MemoryRedeemer) Redeem(_ context.Context, id string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for k, exp := range r.used {
		if !now.Before(exp) {
			delete(r.used, k)
		}
	}
	if _, ok := r.used[id]; ok {
		return false, nil
	}
	r.used[id] = now.Add(ttl)
	return true, nil
}
