// Package dlock 基于 Redis SET NX PX 的分布式互斥锁。
//
// 每次加锁生成随机 token，释放与续期都先比对 token，
// 过期后被他人接手的锁不会被误删。
package dlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
)

var (
	// ErrNotHeld token 不匹配：锁已过期或已被他人持有。
	ErrNotHeld = errors.New("dlock: lock not held")
)

// unlockScript 仅当锁值匹配 token 时才删除，避免误删新持有者的锁。
var unlockScript = rd.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// refreshScript 仅当 token 匹配时延长 TTL。
var refreshScript = rd.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

type Locker struct {
	rdb           rd.Cmdable
	ttl           time.Duration
	retryInterval time.Duration
}

type Option func(*Locker)

// WithTTL 锁自动过期时间，持有者崩溃后最长占用这么久。
func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithRetryInterval Acquire 的轮询间隔。
func WithRetryInterval(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.retryInterval = d
		}
	}
}

func New(rdb rd.Cmdable, opts ...Option) *Locker {
	l := &Locker{rdb: rdb, ttl: 30 * time.Second, retryInterval: 100 * time.Millisecond}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock 一次成功的加锁，持有 key 与 token。
type Lock struct {
	rdb   rd.Cmdable
	key   string
	token string
	ttl   time.Duration
}

func (l *Lock) Key() string { return l.key }

// TryLock 只尝试一次。ok=false 表示锁被他人持有，此时 err 为 nil。
func (l *Locker) TryLock(ctx context.Context, key string) (*Lock, bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("dlock acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{rdb: l.rdb, key: key, token: token, ttl: l.ttl}, true, nil
}

// Acquire 在 wait 时间内按 retryInterval 轮询加锁；超时返回 ok=false。
func (l *Locker) Acquire(ctx context.Context, key string, wait time.Duration) (*Lock, bool, error) {
	deadline := time.Now().Add(wait)
	for {
		lock, ok, err := l.TryLock(ctx, key)
		if err != nil || ok {
			return lock, ok, err
		}
		if !time.Now().Add(l.retryInterval).Before(deadline) {
			return nil, false, nil
		}

		timer := time.NewTimer(l.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false, ctx.Err()
		case <-timer.C:
		}
	}
}

// Unlock 通过 Lua 脚本安全释放锁。
func (k *Lock) Unlock(ctx context.Context) error {
	n, err := unlockScript.Run(ctx, k.rdb, []string{k.key}, k.token).Int()
	if err != nil {
		return fmt.Errorf("dlock release %s: %w", k.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotHeld, k.key)
	}
	return nil
}

// Refresh 把 TTL 重置为加锁时的时长，用于耗时较长的持有者。
func (k *Lock) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, k.rdb, []string{k.key}, k.token, k.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("dlock refresh %s: %w", k.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotHeld, k.key)
	}
	return nil
}
