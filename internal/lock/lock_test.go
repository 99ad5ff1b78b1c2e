package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_MutualExclusion(t *testing.T) {
	l := NewLocal()
	var inside, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "fp-1")
			require.NoError(t, err)
			n := atomic.AddInt32(&inside, 1)
			if n > atomic.LoadInt32(&peak) {
				atomic.StoreInt32(&peak, n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
	assert.Equal(t, 0, l.Len())
}

func TestLocal_DistinctKeysDoNotBlock(t *testing.T) {
	l := NewLocal()
	unlockA, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	unlockB, err := l.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestLocal_ContextCancel(t *testing.T) {
	l := NewLocal()
	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	assert.Equal(t, 0, l.Len())
}

func newRedisLock(t *testing.T) (*Redis, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, "test:", time.Second), mr
}

func TestRedis_LockUnlock(t *testing.T) {
	l, mr := newRedisLock(t)

	unlock, err := l.Lock(context.Background(), "fp-1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:fp-1"))

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "fp-1")
	assert.ErrorIs(t, err, ErrNotAcquired)

	unlock()
	assert.False(t, mr.Exists("test:fp-1"))

	unlock2, err := l.Lock(context.Background(), "fp-1")
	require.NoError(t, err)
	unlock2()
}

func TestRedis_ReleaseKeepsForeignHolder(t *testing.T) {
	l, mr := newRedisLock(t)

	unlock, err := l.Lock(context.Background(), "fp-2")
	require.NoError(t, err)

	// Our lease expired and another process took the key.
	mr.FastForward(2 * time.Second)
	require.NoError(t, mr.Set("test:fp-2", "someone-else"))

	unlock()
	v, err := mr.Get("test:fp-2")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", v)
}

func TestRedis_Unavailable(t *testing.T) {
	l, mr := newRedisLock(t)
	mr.Close()

	_, err := l.Lock(context.Background(), "fp-3")
	assert.Error(t, err)
}
