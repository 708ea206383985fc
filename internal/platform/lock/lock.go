package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrNotObtained is returned when another holder owns the key.
var ErrNotObtained = errors.New("lock not obtained")

type Lock interface {
	Release(ctx context.Context) error
}

type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// RedisLocker coordinates across instances through a shared Redis.
type RedisLocker struct {
	client *redislock.Client
}

func NewRedisLocker(rdb redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: redislock.New(rdb)}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	held, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrNotObtained
	}
	if err != nil {
		return nil, err
	}
	return held, nil
}

// LocalLocker is the single-instance fallback used when Redis is not configured.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: map[string]time.Time{}, now: time.Now}
}

func (l *LocalLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if expiry, ok := l.held[key]; ok && now.Before(expiry) {
		return nil, ErrNotObtained
	}
	expiry := now.Add(ttl)
	l.held[key] = expiry
	return &localLock{owner: l, key: key, expiry: expiry}, nil
}

type localLock struct {
	owner  *LocalLocker
	key    string
	expiry time.Time
}

func (h *localLock) Release(ctx context.Context) error {
	h.owner.mu.Lock()
	defer h.owner.mu.Unlock()
	// A lock that expired and was taken by someone else is not ours to drop.
	if current, ok := h.owner.held[h.key]; ok && current.Equal(h.expiry) {
		delete(h.owner.held, h.key)
	}
	return nil
}
