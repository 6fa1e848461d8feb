package distlock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stockroom/inventory"
)

// redisLocker connects to STOCKROOM_TEST_REDIS_ADDR or skips the test.
func redisLocker(t *testing.T, opts ...Option) *Locker {
	t.Helper()
	addr := os.Getenv("STOCKROOM_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("STOCKROOM_TEST_REDIS_ADDR not set")
	}
	rdb, l, err := Connect(context.Background(), addr, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() })
	return l
}

func testKey() string {
	return "TEST/" + uuid.NewString()
}

func TestErrLockBusyIsRetryable(t *testing.T) {
	assert.True(t, errors.Is(ErrLockBusy, inventory.ErrConcurrentModification))
	assert.True(t, inventory.IsRetryable(ErrLockBusy))
}

func TestUnreachableRedisFallsBackToLocalLock(t *testing.T) {
	// GIVEN: a client pointing at a port nobody listens on
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	t.Run("without fallback the error surfaces", func(t *testing.T) {
		l := New(rdb, WithRetry(time.Millisecond, 1))
		unlock, err := l.Lock(context.Background(), testKey())
		assert.Error(t, err)
		assert.Nil(t, unlock)
		assert.False(t, errors.Is(err, ErrLockBusy))
	})

	t.Run("with fallback writers are still serialized", func(t *testing.T) {
		l := New(rdb, WithRetry(time.Millisecond, 1), WithLocalFallback())
		key := testKey()

		var inside, maxInside int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock, err := l.Lock(context.Background(), key)
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

func TestRedisLockSerializesKey(t *testing.T) {
	l := redisLocker(t)
	key := testKey()

	// WHEN: many writers take the same key
	var inside, maxInside, done int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), key)
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			if n > atomic.LoadInt32(&maxInside) {
				atomic.StoreInt32(&maxInside, n)
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			atomic.AddInt32(&done, 1)
			unlock()
		}()
	}
	wg.Wait()

	// THEN: they ran one at a time
	assert.Equal(t, int32(10), done)
	assert.Equal(t, int32(1), maxInside)
}

func TestRedisLockBusyAfterRetryBudget(t *testing.T) {
	l := redisLocker(t, WithRetry(5*time.Millisecond, 3))
	key := testKey()

	unlock, err := l.Lock(context.Background(), key)
	require.NoError(t, err)
	defer unlock()

	_, err = l.Lock(context.Background(), key)
	assert.ErrorIs(t, err, ErrLockBusy)
	assert.ErrorIs(t, err, inventory.ErrConcurrentModification)
}

func TestRedisLockReleaseLetsNextWriterIn(t *testing.T) {
	l := redisLocker(t, WithRetry(5*time.Millisecond, 3))
	key := testKey()

	unlock, err := l.Lock(context.Background(), key)
	require.NoError(t, err)
	unlock()
	unlock() // releasing twice only logs

	unlock, err = l.Lock(context.Background(), key)
	require.NoError(t, err)
	unlock()
}

func TestRedisLockExpiresAfterTTL(t *testing.T) {
	l := redisLocker(t, WithTTL(50*time.Millisecond), WithRetry(20*time.Millisecond, 20))
	key := testKey()

	// GIVEN: a holder that never releases
	_, err := l.Lock(context.Background(), key)
	require.NoError(t, err)

	// THEN: the next writer gets in once the TTL passes
	unlock, err := l.Lock(context.Background(), key)
	require.NoError(t, err)
	unlock()
}
