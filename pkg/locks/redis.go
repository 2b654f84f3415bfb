package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/logger"
)

const (
	defaultLockTTL   = 30 * time.Second
	defaultPollDelay = 50 * time.Millisecond
)

// ErrNotAcquired is returned when the distributed lock stays held by another owner.
var ErrNotAcquired = errors.New("lock not acquired")

type redisStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	LockKey(name string) string
}

// RedisLocker layers a SETNX lock over the in-process mutex so replicas sharing
// a database serialize on the same keys.
type RedisLocker struct {
	local     *KeyedMutex
	store     redisStore
	ttl       time.Duration
	pollDelay time.Duration
	logg      *logger.Logger
}

type RedisOption func(*RedisLocker)

func WithTTL(ttl time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

func WithPollDelay(d time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if d > 0 {
			l.pollDelay = d
		}
	}
}

func NewRedisLocker(store redisStore, logg *logger.Logger, opts ...RedisOption) (*RedisLocker, error) {
	if store == nil {
		return nil, errors.New("redis client required for lock")
	}
	l := &RedisLocker{
		local:     NewKeyedMutex(),
		store:     store,
		ttl:       defaultLockTTL,
		pollDelay: defaultPollDelay,
		logg:      logg,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Lock waits for the local mutex, then polls SETNX until it wins or ctx ends.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	releaseLocal, err := l.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	redisKey := l.store.LockKey(key)
	owner := uuid.NewString()
	backoff := retry.WithMaxDuration(l.ttl, retry.NewConstant(l.pollDelay))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		ok, err := l.store.SetNX(ctx, redisKey, owner, l.ttl)
		if err != nil {
			return fmt.Errorf("setnx: %w", err)
		}
		if !ok {
			return retry.RetryableError(ErrNotAcquired)
		}
		return nil
	})
	if err != nil {
		releaseLocal()
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}

	return func() {
		defer releaseLocal()
		if err := l.release(context.WithoutCancel(ctx), redisKey, owner); err != nil && l.logg != nil {
			l.logg.Error(l.logg.WithField(ctx, "lock_key", key), "failed to release distributed lock", err)
		}
	}, nil
}

// release frees the lock only while this owner still holds it; a lock that
// expired and was taken over is left to its new owner.
func (l *RedisLocker) release(ctx context.Context, redisKey, owner string) error {
	if _, err := l.store.CompareAndDelete(ctx, redisKey, owner); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
