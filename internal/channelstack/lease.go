package channelstack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Lease is a mutual-exclusion primitive shared by every controller instance.
type Lease interface {
	// TryAcquire reports whether this holder now owns the lease.
	TryAcquire(ctx context.Context) (bool, error)
	// Release gives the lease up if this holder still owns it.
	Release(ctx context.Context) error
}

const defaultLeaseKey = "playout:channel-stack-sync"

// RedisLease implements Lease with SET NX PX. Each lease carries a random
// token so a holder whose lease expired never deletes a successor's key.
type RedisLease struct {
	client redis.UniversalClient
	key    string
	token  string
	ttl    time.Duration
}

func NewRedisLease(client redis.UniversalClient, key string, ttl time.Duration) (*RedisLease, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lease ttl must be positive, got %s", ttl)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = defaultLeaseKey
	}
	return &RedisLease{client: client, key: key, token: uuid.NewString(), ttl: ttl}, nil
}

func (l *RedisLease) TryAcquire(ctx context.Context) (bool, error) {
	acquired, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("set lease %s: %w", l.key, err)
	}
	return acquired, nil
}

func (l *RedisLease) Release(ctx context.Context) error {
	holder, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read lease %s: %w", l.key, err)
	}
	if holder != l.token {
		return nil
	}
	if err := l.client.Del(ctx, l.key).Err(); err != nil {
		return fmt.Errorf("delete lease %s: %w", l.key, err)
	}
	return nil
}
