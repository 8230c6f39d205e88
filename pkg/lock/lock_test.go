package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// go-redis 连接池的后台回收协程
		goleak.IgnoreTopFunction("github.com/go-redis/redis/v8/internal/pool.(*ConnPool).reaper"),
	)
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func lockers(t *testing.T) map[string]Locker {
	return map[string]Locker{
		"local": NewLocalLocker(),
		"redis": NewRedisLocker(newRedis(t), "test:lock:", time.Second),
	}
}

func TestMutualExclusion(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			var inside, maxInside int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					unlock, err := l.Lock(context.Background(), "k")
					if !assert.NoError(t, err) {
						return
					}
					n := atomic.AddInt32(&inside, 1)
					for {
						m := atomic.LoadInt32(&maxInside)
						if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
							break
						}
					}
					time.Sleep(2 * time.Millisecond)
					atomic.AddInt32(&inside, -1)
					unlock()
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), maxInside)
		})
	}
}

func TestLockTimesOut(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			unlock, err := l.Lock(context.Background(), "busy")
			require.NoError(t, err)
			defer unlock()

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			_, err = l.Lock(ctx, "busy")
			assert.ErrorIs(t, err, ErrLockNotAcquired)

			// 不同的 key 互不影响
			other, err := l.Lock(context.Background(), "free")
			require.NoError(t, err)
			other()
		})
	}
}

func TestUnlockIsIdempotent(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			unlock, err := l.Lock(context.Background(), "k")
			require.NoError(t, err)
			unlock()
			unlock()

			again, err := l.Lock(context.Background(), "k")
			require.NoError(t, err)
			again()
		})
	}
}

func TestLocalLockerForgetsIdleKeys(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	unlock()
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.slots)
}

func TestRedisLockDoesNotReleaseForeignToken(t *testing.T) {
	rdb := newRedis(t)
	l := NewRedisLocker(rdb, "p:", time.Second)
	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	// 模拟锁过期后被其他实例持有
	require.NoError(t, rdb.Set(context.Background(), "p:k", "someone-else", time.Second).Err())
	unlock()
	v, err := rdb.Get(context.Background(), "p:k").Result()
	require.NoError(t, err)
	assert.Equal(t, "someone-else", v)
}

func TestRedisLockerRenewsWhileHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	l := NewRedisLocker(rdb, "p:", 300*time.Millisecond)
	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	// miniredis 的时间只随 FastForward 前进，两次快进合计超过 ttl
	for i := 0; i < 2; i++ {
		mr.FastForward(250 * time.Millisecond)
		require.True(t, mr.Exists("p:k"))
		require.Eventually(t, func() bool { return mr.TTL("p:k") > 200*time.Millisecond },
			time.Second, 10*time.Millisecond, "ttl is extended while the lock is held")
	}

	unlock()
	assert.False(t, mr.Exists("p:k"))
}

func TestRedisLockerStopsRenewingLostLock(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	l := NewRedisLocker(rdb, "p:", 150*time.Millisecond)
	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	defer unlock()

	require.NoError(t, mr.Set("p:k", "someone-else"))
	mr.SetTTL("p:k", 10*time.Second)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 10*time.Second, mr.TTL("p:k"), "foreign lock is not extended")
}
