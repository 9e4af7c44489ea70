package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Redis holds keyed locks in Redis so several processes sharing one
// database serialize on the same key.
type Redis struct {
	client *redis.Client
	locker *redislock.Client
	ttl    time.Duration
	prefix string
	logger logrus.FieldLogger
}

// DefaultTTL covers the longest storage retry budget so a lock is not lost
// while its holder is still retrying.
const DefaultTTL = 10 * time.Minute

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Logger   logrus.FieldLogger
}

func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Redis{
		client: client,
		locker: redislock.New(client),
		ttl:    ttl,
		prefix: "reportline:lock:",
		logger: logger,
	}, nil
}

// Acquire blocks until the lock is obtained or ctx is done.
func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	l, err := r.locker.Obtain(ctx, r.prefix+key, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(50 * time.Millisecond),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("lock %s not obtained: %w", key, err)
	}
	if err != nil {
		return nil, err
	}
	return func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			r.logger.WithFields(logrus.Fields{"module": "lock", "key": key}).WithError(err).Warn("failed to release redis lock")
		}
	}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
