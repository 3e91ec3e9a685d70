package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease grants a run to at most one instance per ttl.
type Lease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type RedisLease struct {
	client *redis.Client
	owner  string
}

// NewRedisLease stores owner as the lease value so the current holder shows
// up in redis-cli.
func NewRedisLease(client *redis.Client, owner string) *RedisLease {
	return &RedisLease{client: client, owner: owner}
}

func (l *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, key, l.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	return ok, nil
}
