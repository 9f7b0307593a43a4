// Package cache 是 Redis 之上的读写缓存门面，提供三种回源策略：
//
//   - GetOrLoad：缓存空值，防穿透
//   - GetOrLoadWithMutex：互斥重建，防击穿（阻塞）
//   - GetOrLoadWithLogicalExpiry：逻辑过期，防击穿（不阻塞，返回旧值并后台重建）
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"seckill/internal/dlock"
	"seckill/internal/metrics"

	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNotFound 数据源中不存在，或命中空值标记，或重建锁重试耗尽。
	ErrNotFound = errors.New("cache: not found")
	// ErrCorrupt 缓存内容无法解码，只影响本次调用。
	ErrCorrupt = errors.New("cache: corrupt entry")
)

const (
	strategyPassthrough = "passthrough"
	strategyMutex       = "mutex"
	strategyLogical     = "logical"
)

// Loader 回源函数。数据不存在时返回 (nil, nil)。
type Loader[ID any, T any] func(ctx context.Context, id ID) (*T, error)

type Client struct {
	rdb    rd.Cmdable
	codec  Codec
	locker *dlock.Locker
	log    zerolog.Logger
	m      *metrics.Metrics
	now    func() time.Time

	nullTTL        time.Duration
	lockRetries    int
	lockBackoff    time.Duration
	refreshTimeout time.Duration

	sf        singleflight.Group
	refresher *refresher
}

type Option func(*options)

type options struct {
	codec          Codec
	log            zerolog.Logger
	metrics        *metrics.Metrics
	now            func() time.Time
	nullTTL        time.Duration
	lockTTL        time.Duration
	lockRetries    int
	lockBackoff    time.Duration
	refreshWorkers int
	refreshQueue   int
	refreshTimeout time.Duration
}

func WithCodec(c Codec) Option { return func(o *options) { o.codec = c } }

func WithLogger(log zerolog.Logger) Option { return func(o *options) { o.log = log } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithNullTTL 空值标记的存活时间，默认 2 分钟。
func WithNullTTL(d time.Duration) Option { return func(o *options) { o.nullTTL = d } }

// WithLock 重建锁的 TTL、重试次数与重试间隔，默认 10s / 3 次 / 50ms。
func WithLock(ttl time.Duration, retries int, backoff time.Duration) Option {
	return func(o *options) {
		o.lockTTL = ttl
		o.lockRetries = retries
		o.lockBackoff = backoff
	}
}

// WithRefreshWorkers 逻辑过期后台重建的并发数与排队上限。
func WithRefreshWorkers(workers, queue int) Option {
	return func(o *options) {
		o.refreshWorkers = workers
		o.refreshQueue = queue
	}
}

// New 创建缓存客户端；用完需 Close 以等待后台重建结束。
func New(rdb rd.Cmdable, opts ...Option) *Client {
	o := options{
		codec:          jsonCodec{},
		log:            zerolog.Nop(),
		now:            time.Now,
		nullTTL:        2 * time.Minute,
		lockTTL:        10 * time.Second,
		lockRetries:    3,
		lockBackoff:    50 * time.Millisecond,
		refreshWorkers: 10,
		refreshQueue:   1024,
		refreshTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.lockRetries <= 0 {
		o.lockRetries = 1
	}
	if o.refreshWorkers <= 0 {
		o.refreshWorkers = 1
	}
	return &Client{
		rdb:            rdb,
		codec:          o.codec,
		locker:         dlock.New(rdb, dlock.WithTTL(o.lockTTL)),
		log:            o.log.With().Str("component", "cache").Logger(),
		m:              o.metrics,
		now:            o.now,
		nullTTL:        o.nullTTL,
		lockRetries:    o.lockRetries,
		lockBackoff:    o.lockBackoff,
		refreshTimeout: o.refreshTimeout,
		refresher:      newRefresher(o.refreshWorkers, o.refreshQueue),
	}
}

// Close 停止接收后台重建任务并等待已排队任务完成。
func (c *Client) Close() {
	c.refresher.close()
}

// Key 实体缓存键：{prefix}::{id}
func Key[ID any](prefix string, id ID) string {
	return fmt.Sprintf("%s::%v", prefix, id)
}

// lockKey cache:voucher + 1 → lock:voucher:1
func lockKey[ID any](prefix string, id ID) string {
	return fmt.Sprintf("lock:%s:%v", strings.TrimPrefix(prefix, "cache:"), id)
}

// Set 写入带物理 TTL 的缓存。
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := c.codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	return c.setRaw(ctx, key, data, ttl)
}

// SetWithLogicalExpiry 写入逻辑过期包装 {expireAt, data}，不设物理 TTL。
func (c *Client) SetWithLogicalExpiry(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := c.codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	return c.setLogicalRaw(ctx, key, data, ttl)
}

// Delete 删除缓存，写操作后用于失效。
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

// GetOrLoad 防穿透：未命中回源，数据不存在时缓存空值标记。
func GetOrLoad[T any, ID any](ctx context.Context, c *Client, prefix string, id ID, load Loader[ID, T], ttl time.Duration) (*T, error) {
	key := Key(prefix, id)
	data, st, err := c.getRaw(ctx, key)
	if err != nil {
		return nil, err
	}
	switch st {
	case lookupHit:
		c.m.CacheLookup(strategyPassthrough, "hit")
		return decode[T](c, key, data)
	case lookupNull:
		c.m.CacheLookup(strategyPassthrough, "null")
		return nil, ErrNotFound
	}

	c.m.CacheLookup(strategyPassthrough, "miss")
	// 并发未命中合并为一次回源，空值标记写入前的请求也不会打到数据库
	v, err, _ := c.sf.Do(strategyPassthrough+":"+key, func() (any, error) {
		// 上一轮 flight 可能刚写回
		if data, st, err := c.getRaw(ctx, key); err == nil && st != lookupMiss {
			if st == lookupNull {
				return []byte(nil), nil
			}
			return data, nil
		}
		data, found, err := loadEncoded(ctx, c, strategyPassthrough, id, load)
		if err != nil {
			return nil, err
		}
		if !found {
			c.setNull(ctx, key)
			return []byte(nil), nil
		}
		if err := c.setRaw(ctx, key, data, ttl); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("cache write back failed")
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	data = v.([]byte)
	if data == nil {
		return nil, ErrNotFound
	}
	return decode[T](c, key, data)
}

// GetOrLoadWithMutex 防击穿：同一 key 只有拿到重建锁的调用方回源，其余调用方轮询等待。
// 重试耗尽仍未等到结果时返回 ErrNotFound。
func GetOrLoadWithMutex[T any, ID any](ctx context.Context, c *Client, prefix string, id ID, load Loader[ID, T], ttl time.Duration) (*T, error) {
	key := Key(prefix, id)
	data, st, err := c.getRaw(ctx, key)
	if err != nil {
		return nil, err
	}
	switch st {
	case lookupHit:
		c.m.CacheLookup(strategyMutex, "hit")
		return decode[T](c, key, data)
	case lookupNull:
		c.m.CacheLookup(strategyMutex, "null")
		return nil, ErrNotFound
	}

	c.m.CacheLookup(strategyMutex, "miss")
	data, err = c.rebuild(ctx, key, lockKey(prefix, id), rebuildPlain{c: c, ttl: ttl}, func(ctx context.Context) ([]byte, bool, error) {
		return loadEncoded(ctx, c, strategyMutex, id, load)
	})
	if err != nil {
		return nil, err
	}
	return decode[T](c, key, data)
}

// GetOrLoadWithLogicalExpiry 防击穿且不阻塞：条目逻辑过期时立即返回旧值，
// 抢到重建锁的调用方把回源任务交给后台池。
// 完全没有条目（冷启动）时按互斥策略同步加载一次并写入逻辑过期条目。
func GetOrLoadWithLogicalExpiry[T any, ID any](ctx context.Context, c *Client, prefix string, id ID, load Loader[ID, T], ttl time.Duration) (*T, error) {
	key := Key(prefix, id)
	loadFn := func(ctx context.Context) ([]byte, bool, error) {
		return loadEncoded(ctx, c, strategyLogical, id, load)
	}

	raw, st, err := c.getRaw(ctx, key)
	if err != nil {
		return nil, err
	}
	switch st {
	case lookupNull:
		c.m.CacheLookup(strategyLogical, "null")
		return nil, ErrNotFound
	case lookupMiss:
		c.m.CacheLookup(strategyLogical, "miss")
		data, err := c.rebuild(ctx, key, lockKey(prefix, id), rebuildLogical{c: c, ttl: ttl}, loadFn)
		if err != nil {
			return nil, err
		}
		return decode[T](c, key, data)
	}

	env, err := c.decodeEnvelope(key, raw)
	if err != nil {
		return nil, err
	}
	value, err := decode[T](c, key, env.Data)
	if err != nil {
		return nil, err
	}
	if c.now().UnixMilli() < env.ExpireAt {
		c.m.CacheLookup(strategyLogical, "hit")
		return value, nil
	}

	c.m.CacheLookup(strategyLogical, "stale")
	c.refreshAsync(ctx, key, lockKey(prefix, id), ttl, loadFn)
	return value, nil
}

type lookup int

const (
	lookupMiss lookup = iota
	lookupNull
	lookupHit
)

// nullMarker 空值标记，区分“确认不存在”与“未缓存”。
const nullMarker = ""

func (c *Client) getRaw(ctx context.Context, key string) ([]byte, lookup, error) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, rd.Nil) {
		return nil, lookupMiss, nil
	}
	if err != nil {
		return nil, lookupMiss, fmt.Errorf("cache get %s: %w", key, err)
	}
	if len(data) == 0 {
		return nil, lookupNull, nil
	}
	return data, lookupHit, nil
}

func (c *Client) setRaw(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

func (c *Client) setNull(ctx context.Context, key string) {
	if err := c.rdb.Set(ctx, key, nullMarker, c.nullTTL).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache write null marker failed")
	}
}

// envelope 逻辑过期包装，ExpireAt 为 unix 毫秒。
type envelope struct {
	ExpireAt int64  `json:"expireAt" msgpack:"expireAt"`
	Data     []byte `json:"data" msgpack:"data"`
}

func (c *Client) setLogicalRaw(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	raw, err := c.codec.Marshal(envelope{ExpireAt: c.now().Add(ttl).UnixMilli(), Data: data})
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	return c.setRaw(ctx, key, raw, 0)
}

func (c *Client) decodeEnvelope(key string, raw []byte) (envelope, error) {
	var env envelope
	if err := c.codec.Unmarshal(raw, &env); err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("corrupt logical entry")
		return envelope{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	return env, nil
}

func decode[T any](c *Client, key string, data []byte) (*T, error) {
	v := new(T)
	if err := c.codec.Unmarshal(data, v); err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("corrupt cache entry")
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	return v, nil
}

// loadEncoded 调用 loader 并编码结果，found=false 表示数据源中不存在。
func loadEncoded[ID any, T any](ctx context.Context, c *Client, strategy string, id ID, load Loader[ID, T]) ([]byte, bool, error) {
	c.m.CacheLoad(strategy)
	v, err := load(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if v == nil {
		return nil, false, nil
	}
	data, err := c.codec.Marshal(v)
	if err != nil {
		return nil, false, fmt.Errorf("cache encode: %w", err)
	}
	return data, true, nil
}
