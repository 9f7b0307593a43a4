package idgen

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *rd.Client) {
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestNextIDLayout(t *testing.T) {
	mr, rdb := newRedis(t)
	at := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	g := New(rdb, WithClock(func() time.Time { return at }))

	id, err := g.NextID(context.Background(), "order")
	require.NoError(t, err)

	assert.Equal(t, at.Unix()-BeginTimestamp, id>>32)
	assert.Equal(t, int64(1), id&0xFFFFFFFF)
	assert.Equal(t, at, Timestamp(id))

	v, err := mr.Get("icr:order:2024:03:05")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
	assert.Equal(t, 48*time.Hour, mr.TTL("icr:order:2024:03:05"))
}

func TestNextIDMonotonic(t *testing.T) {
	_, rdb := newRedis(t)
	at := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	g := New(rdb, WithClock(func() time.Time { return at }))

	var prev int64
	for i := 0; i < 50; i++ {
		if i == 25 {
			at = at.Add(time.Second)
		}
		id, err := g.NextID(context.Background(), "order")
		require.NoError(t, err)
		require.Greater(t, id, prev)
		prev = id
	}
}

func TestNextIDUniqueConcurrent(t *testing.T) {
	_, rdb := newRedis(t)
	g := New(rdb)

	const n = 200
	ids := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := g.NextID(context.Background(), "order")
			if err == nil {
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]struct{}, n)
	for id := range ids {
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %d", id)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, n)
}

func TestNextIDDayRollover(t *testing.T) {
	mr, rdb := newRedis(t)
	at := time.Date(2024, 3, 5, 23, 59, 59, 0, time.UTC)
	g := New(rdb, WithClock(func() time.Time { return at }))

	_, err := g.NextID(context.Background(), "order")
	require.NoError(t, err)
	at = at.Add(time.Second)
	id, err := g.NextID(context.Background(), "order")
	require.NoError(t, err)

	assert.Equal(t, int64(1), id&0xFFFFFFFF, "new day restarts the counter")
	assert.True(t, mr.Exists("icr:order:2024:03:06"))
}

func TestNextIDSequenceExhausted(t *testing.T) {
	mr, rdb := newRedis(t)
	at := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	g := New(rdb, WithClock(func() time.Time { return at }))
	require.NoError(t, mr.Set("icr:order:2024:03:05", "4294967295"))

	_, err := g.NextID(context.Background(), "order")
	require.ErrorIs(t, err, ErrSequenceExhausted)
}
