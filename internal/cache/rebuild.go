package cache

import (
	"context"
	"errors"
	"time"

	"seckill/internal/dlock"
)

// entryFormat 决定重建过程中如何读回和写入条目：普通条目或逻辑过期包装。
type entryFormat interface {
	read(ctx context.Context, key string) ([]byte, lookup, error)
	write(ctx context.Context, key string, data []byte) error
}

type rebuildPlain struct {
	c   *Client
	ttl time.Duration
}

func (f rebuildPlain) read(ctx context.Context, key string) ([]byte, lookup, error) {
	return f.c.getRaw(ctx, key)
}

func (f rebuildPlain) write(ctx context.Context, key string, data []byte) error {
	return f.c.setRaw(ctx, key, data, f.ttl)
}

// rebuildLogical 读回时不看是否过期：冷启动场景下任何已写入的条目都可直接用。
type rebuildLogical struct {
	c   *Client
	ttl time.Duration
}

func (f rebuildLogical) read(ctx context.Context, key string) ([]byte, lookup, error) {
	raw, st, err := f.c.getRaw(ctx, key)
	if err != nil || st != lookupHit {
		return nil, st, err
	}
	env, err := f.c.decodeEnvelope(key, raw)
	if err != nil {
		return nil, lookupMiss, err
	}
	return env.Data, lookupHit, nil
}

func (f rebuildLogical) write(ctx context.Context, key string, data []byte) error {
	return f.c.setLogicalRaw(ctx, key, data, f.ttl)
}

type loadFunc func(ctx context.Context) ([]byte, bool, error)

// rebuild 进程内先用 singleflight 合并，再跨进程竞争重建锁。
func (c *Client) rebuild(ctx context.Context, key, lockKey string, f entryFormat, load loadFunc) ([]byte, error) {
	v, err, _ := c.sf.Do(key, func() (any, error) {
		return c.rebuildLocked(ctx, key, lockKey, f, load)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *Client) rebuildLocked(ctx context.Context, key, lockKey string, f entryFormat, load loadFunc) ([]byte, error) {
	for attempt := 0; attempt < c.lockRetries; attempt++ {
		lock, ok, err := c.locker.TryLock(ctx, lockKey)
		if err != nil {
			return nil, err
		}
		if ok {
			return c.loadAndStore(ctx, lock, key, f, load)
		}

		if err := sleepCtx(ctx, c.lockBackoff); err != nil {
			return nil, err
		}
		data, st, err := f.read(ctx, key)
		if err != nil {
			return nil, err
		}
		switch st {
		case lookupHit:
			return data, nil
		case lookupNull:
			return nil, ErrNotFound
		}
	}
	c.log.Debug().Str("key", key).Int("retries", c.lockRetries).Msg("rebuild lock busy, give up")
	return nil, ErrNotFound
}

func (c *Client) loadAndStore(ctx context.Context, lock *dlock.Lock, key string, f entryFormat, load loadFunc) ([]byte, error) {
	defer c.unlock(ctx, lock)

	// 双重检查：等锁期间可能已被他人重建
	data, st, err := f.read(ctx, key)
	if err != nil {
		return nil, err
	}
	switch st {
	case lookupHit:
		return data, nil
	case lookupNull:
		return nil, ErrNotFound
	}

	data, found, err := load(ctx)
	if err != nil {
		return nil, err
	}
	if !found {
		c.setNull(ctx, key)
		return nil, ErrNotFound
	}
	if err := f.write(ctx, key, data); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache write back failed")
	}
	return data, nil
}

// refreshAsync 抢到重建锁才提交后台任务；任务内再检查一次是否已被刷新。
func (c *Client) refreshAsync(ctx context.Context, key, lockKey string, ttl time.Duration, load loadFunc) {
	lock, ok, err := c.locker.TryLock(ctx, lockKey)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("refresh lock failed, serve stale")
		return
	}
	if !ok {
		return
	}

	task := func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.refreshTimeout)
		defer cancel()
		defer c.unlock(ctx, lock)

		if raw, st, err := c.getRaw(ctx, key); err == nil && st == lookupHit {
			if env, err := c.decodeEnvelope(key, raw); err == nil && c.now().UnixMilli() < env.ExpireAt {
				return
			}
		}

		data, found, err := load(ctx)
		if err != nil {
			c.log.Error().Err(err).Str("key", key).Msg("async rebuild failed")
			return
		}
		if !found {
			c.setNull(ctx, key)
			return
		}
		if err := c.setLogicalRaw(ctx, key, data, ttl); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("cache write back failed")
		}
	}
	if !c.refresher.submit(task) {
		c.unlock(ctx, lock)
		c.log.Warn().Str("key", key).Msg("refresh queue full, serve stale")
	}
}

// unlock 调用方 ctx 取消后仍需释放锁。
func (c *Client) unlock(ctx context.Context, lock *dlock.Lock) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := lock.Unlock(ctx); err != nil && !errors.Is(err, dlock.ErrNotHeld) {
		c.log.Warn().Err(err).Str("key", lock.Key()).Msg("release rebuild lock failed")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
