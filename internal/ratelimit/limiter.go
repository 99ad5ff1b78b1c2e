// Package ratelimit is a fixed-window request counter shared through Redis
// so every server instance sees the same budget.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrRedisUnavailable = errors.New("redis unavailable")

type Scope string

const (
	ScopeIP       Scope = "ip"
	ScopeUser     Scope = "user"
	ScopeEndpoint Scope = "endpoint"
)

type Decision struct {
	Scope      Scope
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter int // seconds
	Allowed    bool
}

type LimitConfig struct {
	Rate   int           `yaml:"rate"`
	Window time.Duration `yaml:"window"`
}

// Enabled reports whether the limit is configured at all.
func (c LimitConfig) Enabled() bool {
	return c.Rate > 0 && c.Window > 0
}

// INCR, set the window expiry on the first hit, and return the count with
// the remaining TTL in one round trip.
var incrScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if tonumber(current) == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

type Limiter struct {
	client redis.UniversalClient
	salt   string
	now    func() time.Time
}

func NewLimiter(client redis.UniversalClient, salt string) *Limiter {
	return &Limiter{client: client, salt: salt, now: time.Now}
}

// HashIP keeps raw client addresses out of Redis keys.
func (l *Limiter) HashIP(ip string) string {
	hash := sha256.Sum256([]byte(ip + l.salt))
	return hex.EncodeToString(hash[:])
}

// Check counts one hit against key. The window starts at the first hit and
// resets once its TTL lapses.
func (l *Limiter) Check(ctx context.Context, scope Scope, key string, cfg LimitConfig) (*Decision, error) {
	res, err := incrScript.Run(ctx, l.client, []string{"rl:" + string(scope) + ":" + key}, cfg.Window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		return nil, ErrRedisUnavailable
	}
	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	if ttl < 0 {
		ttl = cfg.Window
	}

	remaining := cfg.Rate - count
	if remaining < 0 {
		remaining = 0
	}
	retry := int((ttl + time.Second - 1) / time.Second)
	if retry < 1 {
		retry = 1
	}
	return &Decision{
		Scope:      scope,
		Limit:      cfg.Rate,
		Remaining:  remaining,
		Reset:      l.now().Add(ttl),
		RetryAfter: retry,
		Allowed:    count <= cfg.Rate,
	}, nil
}
