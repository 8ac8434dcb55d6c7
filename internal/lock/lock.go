// Package lock provides a Redis-backed mutex that keeps panel sync passes
// from overlapping across bot instances.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultKey is the Redis key guarding panel sync passes.
const DefaultKey = "panelsync:run"

// ErrNotAcquired means another holder owns the lock.
var ErrNotAcquired = errors.New("lock already held")

// Deletes the key only while it still carries our token, so an expired lock
// that was taken over by someone else is left alone.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// Pushes the expiry forward only while the key still carries our token.
const extendScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

const extendTimeout = 5 * time.Second

type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisLock is a single-key lock with an expiry. While held, the expiry is
// renewed every third of the ttl so long passes keep exclusivity.
type RedisLock struct {
	client       redisClient
	key          string
	ttl          time.Duration
	refreshEvery time.Duration
	newToken     func() string
}

// NewRedisLock builds a lock on key. An empty key falls back to DefaultKey.
func NewRedisLock(client redisClient, key string, ttl time.Duration) (*RedisLock, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl <= 0 {
		return nil, errors.New("lock ttl must be greater than 0")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = DefaultKey
	}
	return &RedisLock{
		client:       client,
		key:          key,
		ttl:          ttl,
		refreshEvery: ttl / 3,
		newToken:     uuid.NewString,
	}, nil
}

// Acquire takes the lock or fails with ErrNotAcquired. The returned func
// stops renewal and releases the lock.
func (l *RedisLock) Acquire(ctx context.Context) (func(context.Context) error, error) {
	token := l.newToken()

	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(token, stop, done)

	var once sync.Once
	release := func(ctx context.Context) error {
		once.Do(func() { close(stop) })
		<-done

		if err := l.client.Eval(ctx, releaseScript, []string{l.key}, token).Err(); err != nil {
			return fmt.Errorf("release lock %s: %w", l.key, err)
		}
		return nil
	}
	return release, nil
}

// keepAlive renews the expiry until stop is closed or the lock is lost.
// Failed renewals are retried on the next tick.
func (l *RedisLock) keepAlive(token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if l.refreshEvery <= 0 {
		return
	}

	ticker := time.NewTicker(l.refreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), extendTimeout)
			held, err := l.client.Eval(ctx, extendScript, []string{l.key}, token, l.ttl.Milliseconds()).Int64()
			cancel()
			if err == nil && held == 0 {
				return
			}
		}
	}
}
