// Package lock keeps two sync runs from ingesting at the same time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/renderinc/research-reports/internal/config"
	"github.com/renderinc/research-reports/internal/logger"
)

// ErrLocked is returned when another run holds the lock.
var ErrLocked = errors.New("sync already running")

// Locker grants exclusive runs. The returned func releases the lock.
type Locker interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// Local is an in-process Locker.
type Local struct {
	mu sync.Mutex
}

func NewLocal() *Local { return &Local{} }

func (l *Local) Acquire(ctx context.Context) (func(), error) {
	if !l.mu.TryLock() {
		return nil, ErrLocked
	}
	var once sync.Once
	return func() { once.Do(l.mu.Unlock) }, nil
}

// Redis is a Locker shared by every process pointed at the same Redis.
// The lock is refreshed while held so long runs keep it.
type Redis struct {
	locker *redislock.Client
	key    string
	ttl    time.Duration
}

const DefaultKey = "lock:research-reports:sync"

func NewRedis(client redis.UniversalClient, key string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Redis{locker: redislock.New(client), key: key, ttl: ttl}
}

func (r *Redis) Acquire(ctx context.Context) (func(), error) {
	lk, err := r.locker.Obtain(ctx, r.key, r.ttl, nil)
	if err == redislock.ErrNotObtained {
		return nil, ErrLocked
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock: %w", err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := lk.Refresh(context.Background(), r.ttl, nil); err != nil {
					logger.Log.WithError(err).Warn("refresh sync lock")
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lk.Release(ctx); err != nil && err != redislock.ErrLockNotHeld {
				logger.Log.WithError(err).Warn("release sync lock")
			}
		})
	}, nil
}

// FromConfig returns a Redis locker when an address is configured and a
// Local one otherwise. The Redis client is pinged first so a bad address
// fails at startup.
func FromConfig(ctx context.Context, cfg config.RedisConfig) (Locker, func() error, error) {
	if cfg.Addr == "" {
		return NewLocal(), func() error { return nil }, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	logger.Log.WithField("addr", cfg.Addr).Info("connected to redis")
	return NewRedis(client, DefaultKey, cfg.LockTTL), client.Close, nil
}
