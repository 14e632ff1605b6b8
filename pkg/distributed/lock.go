// Package distributed coordinates work between relay instances that share
// one Redis.
package distributed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrNotHeld = errors.New("lock not held by this instance")

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// DistributedLock is a single-holder lease with a TTL.
type DistributedLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

func NewDistributedLock(client *redis.Client, key string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{
		client: client,
		key:    key,
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

// TryLock takes the lease if nobody holds it. It never blocks.
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	acquired, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to try lock %s: %w", l.key, err)
	}
	return acquired, nil
}

func (l *DistributedLock) Unlock(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

type LockManager struct {
	client *redis.Client
	prefix string
}

func NewLockManager(client *redis.Client, prefix string) *LockManager {
	return &LockManager{
		client: client,
		prefix: prefix,
	}
}

// RunExclusive runs fn only if this instance wins the named lease. It
// reports whether fn ran. The lease expires on its own if the process dies
// while holding it.
func (lm *LockManager) RunExclusive(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) (bool, error) {
	lock := NewDistributedLock(lm.client, lm.prefix+name, ttl)
	ok, err := lock.TryLock(ctx)
	if err != nil || !ok {
		return false, err
	}

	runErr := fn(ctx)
	if err := lock.Unlock(ctx); err != nil && !errors.Is(err, ErrNotHeld) {
		return true, errors.Join(runErr, err)
	}
	return true, runErr
}
