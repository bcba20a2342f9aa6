package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker provides the short-lived exclusive lease serializing pipeline runs
// per user across worker processes. TryAcquire returns nil (and no error)
// when the lease is held elsewhere.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is one held lock. Release is safe to call after expiry; a lease
// that expired and was re-acquired elsewhere is not released.
type Lease interface {
	Release(ctx context.Context) error
}

// RedisLocker implements Locker with SET NX PX and a token-checked release
// so an expired lease cannot release its successor.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "courier:lock"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	full := l.prefix + ":" + key
	ok, err := l.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %q: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return &redisLease{locker: l, key: full, token: token}, nil
}

type redisLease struct {
	locker *RedisLocker
	key    string
	token  string
}

func (r *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, r.locker.client, []string{r.key}, r.token).Err(); err != nil {
		return fmt.Errorf("release lock %q: %w", r.key, err)
	}
	return nil
}

// MemoryLocker implements Locker for tests and single-process deployments.
type MemoryLocker struct {
	mu     sync.Mutex
	held   map[string]string
	expiry map[string]time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]string), expiry: make(map[string]time.Time)}
}

func (l *MemoryLocker) TryAcquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if _, ok := l.held[key]; ok && now.Before(l.expiry[key]) {
		return nil, nil
	}
	token := uuid.NewString()
	l.held[key] = token
	l.expiry[key] = now.Add(ttl)
	return &memoryLease{locker: l, key: key, token: token}, nil
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	token  string
}

func (m *memoryLease) Release(context.Context) error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()
	if m.locker.held[m.key] == m.token {
		delete(m.locker.held, m.key)
		delete(m.locker.expiry, m.key)
	}
	return nil
}
