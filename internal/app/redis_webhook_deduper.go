package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisEventDeduper claims webhook keys with SET NX PX so a redelivered event inside the
// window is dropped across every replica.
type RedisEventDeduper struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisEventDeduper(client redis.UniversalClient, prefix string) *RedisEventDeduper {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "transfa:ledger"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisEventDeduper{
		client: client,
		prefix: trimmedPrefix,
	}
}

func (r *RedisEventDeduper) key(key string) string {
	return fmt.Sprintf("%s:%s", r.prefix, strings.TrimSpace(key))
}

func (r *RedisEventDeduper) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if r == nil || r.client == nil || strings.TrimSpace(key) == "" {
		return true, nil
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	return r.client.SetNX(ctx, r.key(key), time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

func (r *RedisEventDeduper) Release(ctx context.Context, key string) error {
	if r == nil || r.client == nil || strings.TrimSpace(key) == "" {
		return nil
	}
	return r.client.Del(ctx, r.key(key)).Err()
}
