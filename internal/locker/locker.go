package locker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var (
	ErrLockBusy       = errors.New("lock_busy")
	ErrInvalidLockKey = errors.New("invalid_lock_key")
	ErrInvalidLockTTL = errors.New("invalid_lock_ttl")
	ErrLockLost       = errors.New("lock_lost")
)

// Locker provides per-key single-flight across processes.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
	// Extend resets the ttl of a lock still held with token.
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const lockExtendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

type RedisLocker struct {
	client redis.UniversalClient
	script *redis.Script
	extend *redis.Script
}

func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
		extend: redis.NewScript(lockExtendScript),
	}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if err := validate(key, ttl); err != nil {
		return "", false, err
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Release deletes the key only while it still holds token.
func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	if key == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{key}, token).Err()
}

func (l *RedisLocker) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := validate(key, ttl); err != nil {
		return false, err
	}
	n, err := l.extend.Run(ctx, l.client, []string{key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type localEntry struct {
	token     string
	expiresAt time.Time
}

// LocalLocker is the in-process fallback used when redis is not configured.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]localEntry
	now   func() time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		locks: map[string]localEntry{},
		now:   time.Now,
	}
}

func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	if err := validate(key, ttl); err != nil {
		return "", false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if entry, ok := l.locks[key]; ok && now.Before(entry.expiresAt) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.locks[key] = localEntry{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (l *LocalLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.locks[key]; ok && entry.token == token {
		delete(l.locks, key)
	}
	return nil
}

func (l *LocalLocker) Extend(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := validate(key, ttl); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, ok := l.locks[key]
	if !ok || entry.token != token || !now.Before(entry.expiresAt) {
		return false, nil
	}
	entry.expiresAt = now.Add(ttl)
	l.locks[key] = entry
	return true, nil
}

// Lease is a lock held by WithLease.
type Lease struct {
	locker Locker
	key    string
	token  string
	ttl    time.Duration
}

// Renew pushes the expiry out by the lease ttl. It fails with ErrLockLost once
// the lock expired or another holder took it.
func (l *Lease) Renew(ctx context.Context) error {
	if l == nil {
		return nil
	}
	ok, err := l.locker.Extend(ctx, l.key, l.token, l.ttl)
	if err != nil {
		return fmt.Errorf("renew %s: %w", l.key, err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", l.key, ErrLockLost)
	}
	return nil
}

// WithLock runs fn while holding key, returning ErrLockBusy when another holder owns it.
func WithLock(ctx context.Context, l Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	return WithLease(ctx, l, key, ttl, func(ctx context.Context, _ *Lease) error {
		return fn(ctx)
	})
}

// WithLease is WithLock for work that may outlast ttl; fn renews the lease as it goes.
func WithLease(ctx context.Context, l Locker, key string, ttl time.Duration, fn func(ctx context.Context, lease *Lease) error) error {
	token, ok, err := l.TryLock(ctx, key, ttl)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", key, ErrLockBusy)
	}
	defer func() {
		_ = l.Release(context.WithoutCancel(ctx), key, token)
	}()
	return fn(ctx, &Lease{locker: l, key: key, token: token, ttl: ttl})
}

func AttributionRunKey(tenantID string) string {
	return "attribution:run:" + tenantID
}

// AttributionTriggerKey serializes run creation, independent of the run itself.
func AttributionTriggerKey(tenantID string) string {
	return "attribution:trigger:" + tenantID
}

func BillingSyncKey(tenantID string) string {
	return "billing:sync:" + tenantID
}

func validate(key string, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidLockKey
	}
	if ttl <= 0 {
		return ErrInvalidLockTTL
	}
	return nil
}
