package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	ID    int64  `json:"id" msgpack:"id"`
	Title string `json:"title" msgpack:"title"`
}

const prefix = "cache:voucher"

type fakeClock struct{ nanos atomic.Int64 }

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.nanos.Store(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time          { return time.Unix(0, c.nanos.Load()) }
func (c *fakeClock) Advance(d time.Duration) { c.nanos.Add(int64(d)) }

func newRedis(t *testing.T) (*miniredis.Miniredis, *rd.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func newClient(t *testing.T, rdb *rd.Client, opts ...Option) *Client {
	t.Helper()
	c := New(rdb, opts...)
	t.Cleanup(c.Close)
	return c
}

// countingLoader 记录调用次数，value 为 nil 时模拟数据不存在。
type countingLoader struct {
	calls atomic.Int32
	delay time.Duration
	value atomic.Pointer[item]
	err   error
}

func (l *countingLoader) load(ctx context.Context, id int64) (*item, error) {
	l.calls.Add(1)
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	if l.err != nil {
		return nil, l.err
	}
	v := l.value.Load()
	if v == nil {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

func TestSetAndGetOrLoadHit(t *testing.T) {
	mr, rdb := newRedis(t)
	c := newClient(t, rdb)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, Key(prefix, 1), item{ID: 1, Title: "cached"}, time.Minute))
	assert.Equal(t, time.Minute, mr.TTL("cache:voucher::1"))

	l := &countingLoader{}
	got, err := GetOrLoad(ctx, c, prefix, int64(1), l.load, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "cached", got.Title)
	assert.Zero(t, l.calls.Load())
}

func TestGetOrLoadCachesValue(t *testing.T) {
	mr, rdb := newRedis(t)
	c := newClient(t, rdb)
	ctx := context.Background()

	l := &countingLoader{}
	l.value.Store(&item{ID: 2, Title: "db"})

	for i := 0; i < 3; i++ {
		got, err := GetOrLoad(ctx, c, prefix, int64(2), l.load, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "db", got.Title)
	}
	assert.Equal(t, int32(1), l.calls.Load())
	assert.True(t, mr.Exists("cache:voucher::2"))
}

func TestGetOrLoadNullMarkerContainsPenetration(t *testing.T) {
	mr, rdb := newRedis(t)
	c := newClient(t, rdb, WithNullTTL(2*time.Minute))
	ctx := context.Background()

	l := &countingLoader{}
	for i := 0; i < 10; i++ {
		_, err := GetOrLoad(ctx, c, prefix, int64(404), l.load, time.Minute)
		require.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, int32(1), l.calls.Load())

	v, err := mr.Get("cache:voucher::404")
	require.NoError(t, err)
	assert.Equal(t, "", v)
	assert.Equal(t, 2*time.Minute, mr.TTL("cache:voucher::404"))

	// 空值标记过期后重新回源
	mr.FastForward(3 * time.Minute)
	_, err = GetOrLoad(ctx, c, prefix, int64(404), l.load, time.Minute)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(2), l.calls.Load())
}

func TestGetOrLoadConcurrentMissesLoadOnce(t *testing.T) {
	_, rdb := newRedis(t)
	c := newClient(t, rdb)
	ctx := context.Background()

	l := &countingLoader{delay: 20 * time.Millisecond}
	var (
		wg       sync.WaitGroup
		notFound atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := GetOrLoad(ctx, c, prefix, int64(404), l.load, time.Minute)
			if errors.Is(err, ErrNotFound) {
				notFound.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(20), notFound.Load())
	assert.Equal(t, int32(1), l.calls.Load())

	// 存在的数据同样只回源一次
	found := &countingLoader{delay: 20 * time.Millisecond}
	found.value.Store(&item{ID: 5, Title: "five"})
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := GetOrLoad(ctx, c, prefix, int64(5), found.load, time.Minute)
			if assert.NoError(t, err) {
				assert.Equal(t, "five", got.Title)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), found.calls.Load())
}

func TestGetOrLoadLoaderError(t *testing.T) {
	_, rdb := newRedis(t)
	c := newClient(t, rdb)
	boom := errors.New("db down")
	l := &countingLoader{err: boom}

	_, err := GetOrLoad(context.Background(), c, prefix, int64(3), l.load, time.Minute)
	require.ErrorIs(t, err, boom)
}

func TestGetOrLoadCorruptEntry(t *testing.T) {
	mr, rdb := newRedis(t)
	c := newClient(t, rdb)
	ctx := context.Background()
	require.NoError(t, mr.Set("cache:voucher::5", "{not json"))

	l := &countingLoader{}
	l.value.Store(&item{ID: 6, Title: "ok"})
	_, err := GetOrLoad(ctx, c, prefix, int64(5), l.load, time.Minute)
	require.ErrorIs(t, err, ErrCorrupt)

	got, err := GetOrLoad(ctx, c, prefix, int64(6), l.load, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "ok", got.Title)
}

func TestMsgpackCodec(t *testing.T) {
	_, rdb := newRedis(t)
	codec, err := NewCodec("msgpack")
	require.NoError(t, err)
	c := newClient(t, rdb, WithCodec(codec))
	ctx := context.Background()

	l := &countingLoader{}
	l.value.Store(&item{ID: 7, Title: "packed"})
	_, err = GetOrLoadWithMutex(ctx, c, prefix, int64(7), l.load, time.Minute)
	require.NoError(t, err)

	got, err := GetOrLoadWithMutex(ctx, c, prefix, int64(7), l.load, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, item{ID: 7, Title: "packed"}, *got)
	assert.Equal(t, int32(1), l.calls.Load())

	_, err = NewCodec("xml")
	require.Error(t, err)
}

func TestGetOrLoadWithMutexSingleLoader(t *testing.T) {
	_, rdb := newRedis(t)
	// 两个 Client 模拟两个服务实例，共享同一个 Redis
	a := newClient(t, rdb, WithLock(10*time.Second, 3, 50*time.Millisecond))
	b := newClient(t, rdb, WithLock(10*time.Second, 3, 50*time.Millisecond))

	l := &countingLoader{delay: 30 * time.Millisecond}
	l.value.Store(&item{ID: 8, Title: "hot"})

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 40; i++ {
		wg.Add(1)
		c := a
		if i%2 == 1 {
			c = b
		}
		go func() {
			defer wg.Done()
			got, err := GetOrLoadWithMutex(context.Background(), c, prefix, int64(8), l.load, time.Minute)
			if err == nil && got.Title == "hot" {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), l.calls.Load(), "only the lock holder may call the loader")
	assert.Equal(t, int32(40), ok.Load())
}

func TestGetOrLoadWithMutexRetriesExhausted(t *testing.T) {
	mr, rdb := newRedis(t)
	c := newClient(t, rdb, WithLock(10*time.Second, 3, 10*time.Millisecond))
	require.NoError(t, mr.Set("lock:voucher:9", "someone-else"))

	l := &countingLoader{}
	l.value.Store(&item{ID: 9})
	_, err := GetOrLoadWithMutex(context.Background(), c, prefix, int64(9), l.load, time.Minute)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, l.calls.Load())
}

func TestGetOrLoadWithMutexReleasesLockOnError(t *testing.T) {
	mr, rdb := newRedis(t)
	c := newClient(t, rdb)
	boom := errors.New("db down")
	l := &countingLoader{err: boom}

	_, err := GetOrLoadWithMutex(context.Background(), c, prefix, int64(10), l.load, time.Minute)
	require.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("lock:voucher:10"))
	assert.False(t, mr.Exists("cache:voucher::10"))
}

func TestGetOrLoadWithMutexNull(t *testing.T) {
	mr, rdb := newRedis(t)
	c := newClient(t, rdb)
	l := &countingLoader{}

	_, err := GetOrLoadWithMutex(context.Background(), c, prefix, int64(11), l.load, time.Minute)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = GetOrLoadWithMutex(context.Background(), c, prefix, int64(11), l.load, time.Minute)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), l.calls.Load())
	assert.True(t, mr.Exists("cache:voucher::11"))
}

func TestLogicalExpiryFreshHit(t *testing.T) {
	mr, rdb := newRedis(t)
	clock := newFakeClock()
	c := newClient(t, rdb, WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, c.SetWithLogicalExpiry(ctx, Key(prefix, 12), item{ID: 12, Title: "v1"}, time.Minute))
	assert.Zero(t, mr.TTL("cache:voucher::12"), "logical entries carry no physical ttl")

	l := &countingLoader{}
	got, err := GetOrLoadWithLogicalExpiry(ctx, c, prefix, int64(12), l.load, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "v1", got.Title)
	assert.Zero(t, l.calls.Load())
}

func TestLogicalExpiryServesStaleAndRefreshesOnce(t *testing.T) {
	_, rdb := newRedis(t)
	clock := newFakeClock()
	c := newClient(t, rdb, WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, c.SetWithLogicalExpiry(ctx, Key(prefix, 13), item{ID: 13, Title: "old"}, time.Minute))
	clock.Advance(2 * time.Minute)

	l := &countingLoader{delay: 300 * time.Millisecond}
	l.value.Store(&item{ID: 13, Title: "new"})

	var wg sync.WaitGroup
	var stale atomic.Int32
	start := time.Now()
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := GetOrLoadWithLogicalExpiry(context.Background(), c, prefix, int64(13), l.load, time.Minute)
			if err == nil && got.Title == "old" {
				stale.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Less(t, time.Since(start), 250*time.Millisecond, "readers must not wait for the rebuild")
	assert.Equal(t, int32(20), stale.Load())

	require.Eventually(t, func() bool {
		got, err := GetOrLoadWithLogicalExpiry(context.Background(), c, prefix, int64(13), l.load, time.Minute)
		return err == nil && got.Title == "new"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), l.calls.Load())
}

func TestLogicalExpiryColdMissLoadsSynchronously(t *testing.T) {
	mr, rdb := newRedis(t)
	c := newClient(t, rdb)
	ctx := context.Background()

	l := &countingLoader{}
	l.value.Store(&item{ID: 14, Title: "first"})
	got, err := GetOrLoadWithLogicalExpiry(ctx, c, prefix, int64(14), l.load, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Title)
	assert.True(t, mr.Exists("cache:voucher::14"))
	assert.Zero(t, mr.TTL("cache:voucher::14"))

	_, err = GetOrLoadWithLogicalExpiry(ctx, c, prefix, int64(14), l.load, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int32(1), l.calls.Load())
}

func TestLogicalExpiryNull(t *testing.T) {
	_, rdb := newRedis(t)
	c := newClient(t, rdb)
	l := &countingLoader{}

	for i := 0; i < 3; i++ {
		_, err := GetOrLoadWithLogicalExpiry(context.Background(), c, prefix, int64(15), l.load, time.Minute)
		require.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, int32(1), l.calls.Load())
}

func TestLogicalExpiryAsyncErrorKeepsStale(t *testing.T) {
	mr, rdb := newRedis(t)
	clock := newFakeClock()
	c := newClient(t, rdb, WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, c.SetWithLogicalExpiry(ctx, Key(prefix, 16), item{ID: 16, Title: "old"}, time.Minute))
	clock.Advance(2 * time.Minute)

	l := &countingLoader{err: errors.New("db down")}
	got, err := GetOrLoadWithLogicalExpiry(ctx, c, prefix, int64(16), l.load, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "old", got.Title)

	require.Eventually(t, func() bool {
		return l.calls.Load() == 1 && !mr.Exists("lock:voucher:16")
	}, 2*time.Second, 10*time.Millisecond, "failed refresh must release the lock")

	got, err = GetOrLoadWithLogicalExpiry(ctx, c, prefix, int64(16), l.load, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "old", got.Title)
}

func TestDelete(t *testing.T) {
	mr, rdb := newRedis(t)
	c := newClient(t, rdb)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, Key(prefix, 17), item{ID: 17}, time.Minute))
	require.NoError(t, c.Delete(ctx, Key(prefix, 17)))
	assert.False(t, mr.Exists("cache:voucher::17"))
}
