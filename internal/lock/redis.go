package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultTTL       = 30 * time.Second
	DefaultRetryWait = 50 * time.Millisecond
)

// Only the holder's token may release the key.
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// Redis is a cross-process lock using SET NX PX. The TTL bounds how long a
// crashed holder can block others.
type Redis struct {
	client    redis.UniversalClient
	prefix    string
	ttl       time.Duration
	retryWait time.Duration
}

func NewRedis(client redis.UniversalClient, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = "licensegate:lock:"
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl, retryWait: DefaultRetryWait}
}

// Lock retries until the key is free or ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	k := r.prefix + key
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
		case <-time.After(r.retryWait):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release must outlive a cancelled request context.
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(rctx, r.client, []string{k}, token).Err()
		})
	}, nil
}
