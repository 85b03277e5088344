package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisCache is a LoginCache backed by redis. Expiry is delegated to redis
// key TTLs, so no janitor is needed.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

// NewRedisCache wraps an existing redis client.
func NewRedisCache(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{client: client, ttl: ttl, log: logger}
}

func key(studentID string) string {
	return "login:" + studentID
}

// Get returns the cached entry for a student. Redis errors degrade to a
// cache miss; the store remains the source of truth.
func (r *RedisCache) Get(ctx context.Context, studentID string) (Entry, bool) {
	raw, err := r.client.Get(ctx, key(studentID)).Result()
	if err != nil {
		if err != redis.Nil {
			r.log.Warn().Err(err).Msg("login cache get failed")
		}
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Entry{}, false
	}
	return e, true
}

// Set stores an entry with the configured TTL.
func (r *RedisCache) Set(ctx context.Context, studentID string, e Entry) {
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, key(studentID), raw, r.ttl).Err(); err != nil {
		r.log.Warn().Err(err).Msg("login cache set failed")
	}
}
