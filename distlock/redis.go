/*
Package distlock provides a Redis-backed inventory.KeyLocker.

PURPOSE:
  inventory.LocalLocker serializes writers inside one process. When several
  API replicas write the same ledger, Locker extends that to all of them with
  a Redis lock per (store, product) key (bsm/redislock).

FAILURE MODES:
  - Lock held elsewhere past the retry budget -> ErrLockBusy, which matches
    inventory.ErrConcurrentModification (the caller retries from scratch)
  - Redis unreachable -> by default the error is returned. With
    WithLocalFallback the locker logs a warning and falls back to an
    in-process lock; the store's append-if-latest check still rejects any
    lost update.

TTL:
  Locks expire after the TTL so a crashed holder cannot block a key forever.
  Keep it well above the slowest read-then-append.
*/
package distlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/warp/stockroom/inventory"
)

// ErrLockBusy is returned when the key stays locked for the whole retry budget.
var ErrLockBusy = fmt.Errorf("%w: key locked by another writer", inventory.ErrConcurrentModification)

const (
	DefaultTTL     = 10 * time.Second
	DefaultBackoff = 25 * time.Millisecond
	DefaultRetries = 200
	keyPrefix      = "stockroom:lock:"
)

var _ inventory.KeyLocker = (*Locker)(nil)

// Locker implements inventory.KeyLocker with Redis.
type Locker struct {
	client   *redislock.Client
	ttl      time.Duration
	backoff  time.Duration
	retries  int
	fallback *inventory.LocalLocker
	log      logrus.FieldLogger
}

// Option configures a Locker.
type Option func(*Locker)

func WithTTL(ttl time.Duration) Option { return func(l *Locker) { l.ttl = ttl } }

// WithRetry sets how long Lock keeps trying: up to retries attempts, backoff apart.
func WithRetry(backoff time.Duration, retries int) Option {
	return func(l *Locker) { l.backoff, l.retries = backoff, retries }
}

// WithLocalFallback serializes in-process when Redis cannot be reached.
func WithLocalFallback() Option {
	return func(l *Locker) { l.fallback = inventory.NewLocalLocker() }
}

func WithLogger(log logrus.FieldLogger) Option { return func(l *Locker) { l.log = log } }

// New creates a Locker on an existing Redis client.
func New(rdb redis.UniversalClient, opts ...Option) *Locker {
	l := &Locker{
		client:  redislock.New(rdb),
		ttl:     DefaultTTL,
		backoff: DefaultBackoff,
		retries: DefaultRetries,
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Connect dials addr, checks it answers, and returns the client and a Locker on it.
func Connect(ctx context.Context, addr string, opts ...Option) (*redis.Client, *Locker, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return rdb, New(rdb, opts...), nil
}

// Lock obtains the Redis lock for key, retrying with linear backoff.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	lock, err := l.client.Obtain(ctx, keyPrefix+key, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(l.backoff), l.retries),
	})
	switch {
	case err == nil:
		return func() {
			// Release with a fresh context: the request may already be done.
			rctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := lock.Release(rctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				l.log.WithError(err).WithField("key", key).Warn("failed to release redis lock")
			}
		}, nil
	case errors.Is(err, redislock.ErrNotObtained):
		return nil, fmt.Errorf("%w: %s", ErrLockBusy, key)
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case l.fallback != nil:
		l.log.WithError(err).WithField("key", key).Warn("redis lock unavailable; using in-process lock")
		return l.fallback.Lock(ctx, key)
	default:
		return nil, fmt.Errorf("obtain redis lock %s: %w", key, err)
	}
}
