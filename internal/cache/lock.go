package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/blogkit/sitekit/internal/core"
)

// releaseIfOwner deletes the lock only when it still holds our token
var releaseIfOwner = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker serializes work across processes with SET NX PX locks.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

// NewRedisLocker constructs a locker. ttl bounds how long a crashed holder blocks others.
func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		poll:   50 * time.Millisecond,
	}
}

// Lock blocks until the named lock is held or ctx is done.
// Giving up on a held lock yields core.ErrLockTimeout; Redis failures are returned as is.
// The returned unlock function is safe to call once the lock has expired.
func (l *RedisLocker) Lock(ctx context.Context, name string) (func(), error) {
	key := l.prefix + ":lock:" + name
	token := uuid.NewString()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", name, err)
		}
		if ok {
			return func() {
				// Release must outlive a cancelled request context
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				releaseIfOwner.Run(releaseCtx, l.client, []string{key}, token)
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w %s: %v", core.ErrLockTimeout, name, ctx.Err())
		case <-ticker.C:
		}
	}
}
