// Package idgen 基于 Redis 按天计数的全局 ID 生成器。
//
// ID 布局：高 32 位为相对 2022-01-01 00:00:00 UTC 的秒数，低 32 位为当天计数。
package idgen

import (
	"context"
	"errors"
	"fmt"
	"time"

	rediskey "seckill/pkg/redis"

	rd "github.com/redis/go-redis/v9"
)

const (
	// BeginTimestamp 2022-01-01 00:00:00 UTC
	BeginTimestamp int64 = 1640995200
	countBits            = 32
	maxCount             = 1<<countBits - 1
)

// ErrSequenceExhausted 当天计数超出低 32 位。
var ErrSequenceExhausted = errors.New("idgen: daily sequence exhausted")

// Generator 线程安全，可被多个请求并发调用。
type Generator struct {
	rdb    rd.Cmdable
	now    func() time.Time
	keyTTL time.Duration
}

type Option func(*Generator)

// WithClock 注入时钟，测试用。
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithKeyTTL 设置按天计数键的过期时间，默认 48h。
func WithKeyTTL(ttl time.Duration) Option {
	return func(g *Generator) { g.keyTTL = ttl }
}

func New(rdb rd.Cmdable, opts ...Option) *Generator {
	g := &Generator{rdb: rdb, now: time.Now, keyTTL: 48 * time.Hour}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NextID 返回 tag 下的下一个 ID。
func (g *Generator) NextID(ctx context.Context, tag string) (int64, error) {
	now := g.now().UTC()
	ts := now.Unix() - BeginTimestamp
	if ts < 0 {
		return 0, fmt.Errorf("idgen: clock before begin timestamp: %s", now)
	}

	key := rediskey.IDCounterKey(tag, now.Format("2006:01:02"))
	pipe := g.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	if g.keyTTL > 0 {
		pipe.Expire(ctx, key, g.keyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("idgen incr %s: %w", key, err)
	}

	count := incr.Val()
	if count > maxCount {
		return 0, fmt.Errorf("%w: tag=%s count=%d", ErrSequenceExhausted, tag, count)
	}
	return ts<<countBits | count, nil
}

// Timestamp 解析 ID 中的秒级时间戳。
func Timestamp(id int64) time.Time {
	return time.Unix(id>>countBits+BeginTimestamp, 0).UTC()
}
