package runner

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/redis"
)

// DefaultLockTTL bounds how long a crashed runner can keep a pipeline locked.
const DefaultLockTTL = 30 * time.Minute

// Lock is held by one run of one pipeline.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker serializes writers of a pipeline. Acquire fails with a Conflict
// error when another run holds key.
type Locker interface {
	Acquire(ctx context.Context, key string) (Lock, error)
}

// RedisLocker shares the lock between runner processes.
type RedisLocker struct {
	locker *redis.Locker
	ttl    time.Duration
}

func NewRedisLocker(locker *redis.Locker, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &RedisLocker{locker: locker, ttl: ttl}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (Lock, error) {
	lock, err := l.locker.Acquire(ctx, key, l.ttl)
	if stderrors.Is(err, redis.ErrLockNotAcquired) {
		return nil, errors.Newf(errors.KindConflict, "pipeline %q is locked by another run", key)
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, err)
	}
	return lock, nil
}

// MemoryLocker serializes runs inside one process.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: map[string]bool{}}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string) (Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[key] {
		return nil, errors.Newf(errors.KindConflict, "pipeline %q is locked by another run", key)
	}
	l.held[key] = true
	return &memoryLock{locker: l, key: key}, nil
}

type memoryLock struct {
	locker   *MemoryLocker
	key      string
	released bool
}

func (m *memoryLock) Release(_ context.Context) error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()

	if m.released {
		return redis.ErrLockNotHeld
	}
	m.released = true
	delete(m.locker.held, m.key)
	return nil
}
