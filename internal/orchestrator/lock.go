package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "barkeeper/internal/errors"
	"barkeeper/internal/models"
)

// Locker guarantees at most one writer per (symbol, granularity).
type Locker interface {
	// Acquire returns a release func once the pair is held.
	Acquire(ctx context.Context, symbol models.Symbol, g models.Granularity) (func(), error)
}

func lockKey(symbol models.Symbol, g models.Granularity) string {
	return fmt.Sprintf("%s:%s", symbol, g)
}

// LocalLocker serializes writers inside one process. Acquire waits for the
// current holder or for ctx.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]chan struct{})}
}

func (l *LocalLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

// Acquire implements Locker.
func (l *LocalLocker) Acquire(ctx context.Context, symbol models.Symbol, g models.Granularity) (func(), error) {
	ch := l.slot(lockKey(symbol, g))
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker coordinates writers across processes with SET NX locks that
// expire after ttl. A pair held elsewhere fails fast with ErrLockHeld.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLocker creates a locker. Keys are "{prefix}{SYMBOL}:{granularity}".
func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = "barkeeper:lock:"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl}
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, symbol models.Symbol, g models.Granularity) (func(), error) {
	key := l.prefix + lockKey(symbol, g)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, apperrors.Wrapf(err, "failed to acquire lock %s", key)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrLockHeld, key)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
		})
	}, nil
}
