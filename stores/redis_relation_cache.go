package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/medauthz"
)

// RedisRelationCache backs the engine's relation cache with Redis so
// several engine instances share one invalidation domain. Values are
// JSON-encoded subject lists under "relcache:{resource#relation}".
type RedisRelationCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisRelationCache(client *redis.Client, ttl time.Duration) *RedisRelationCache {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &RedisRelationCache{client: client, ttl: ttl, prefix: "relcache:"}
}

func (r *RedisRelationCache) Get(key string) ([]medauthz.Subject, bool) {
	raw, err := r.client.Get(context.Background(), r.prefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	var subjects []medauthz.Subject
	if err := json.Unmarshal(raw, &subjects); err != nil {
		return nil, false
	}
	return subjects, true
}

func (r *RedisRelationCache) Set(key string, subjects []medauthz.Subject) {
	raw, err := json.Marshal(subjects)
	if err != nil {
		return
	}
	r.client.Set(context.Background(), r.prefix+key, raw, r.ttl)
}

func (r *RedisRelationCache) Invalidate(key string) {
	r.client.Del(context.Background(), r.prefix+key)
}

func (r *RedisRelationCache) Clear() {
	ctx := context.Background()
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		r.client.Del(ctx, iter.Val())
	}
}
