package voucher

import (
	"context"
	"testing"
	"time"

	"seckill/internal/cache"
	"seckill/internal/model"
	"seckill/internal/store"
	"seckill/internal/testutil"
	rediskey "seckill/pkg/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T, opts ...Option) (*Service, *miniredis.Miniredis, *store.Store) {
	t.Helper()
	mr, rdb := testutil.NewRedis(t)
	st := testutil.NewStore(t)
	c := cache.New(rdb)
	t.Cleanup(c.Close)
	return NewService(st, rdb, c, zerolog.Nop(), opts...), mr, st
}

func validInput() PublishInput {
	now := time.Now().Truncate(time.Second)
	return PublishInput{
		ShopID:      1,
		Title:       "100 off 80",
		PayValue:    8000,
		ActualValue: 10000,
		Stock:       100,
		BeginTime:   now.Add(-time.Minute),
		EndTime:     now.Add(time.Hour),
	}
}

func TestPublishSeckillPreloads(t *testing.T) {
	svc, mr, st := newService(t)
	ctx := context.Background()

	v, err := svc.PublishSeckill(ctx, validInput())
	require.NoError(t, err)
	require.Positive(t, v.ID)
	assert.Equal(t, model.VoucherTypeSeckill, v.Type)

	stock, err := svc.Stock(ctx, v.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 100, stock)
	assert.Equal(t, "100", mustGet(t, mr, rediskey.StockKey(v.ID)))
	assert.Zero(t, mr.TTL(rediskey.StockKey(v.ID)), "stock key must not expire")
	assert.NotEmpty(t, mr.HGet(rediskey.WindowKey(v.ID), "begin"))

	sk, err := st.GetSeckill(ctx, v.ID)
	require.NoError(t, err)
	require.NotNil(t, sk)
	assert.EqualValues(t, 100, sk.Stock)

	// logical 策略下实体已预热
	assert.True(t, mr.Exists(cache.Key(rediskey.VoucherCachePrefix, v.ID)))
}

func TestPublishSeckillValidation(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	cases := map[string]func(*PublishInput){
		"empty title":  func(in *PublishInput) { in.Title = " " },
		"zero stock":   func(in *PublishInput) { in.Stock = 0 },
		"zero value":   func(in *PublishInput) { in.PayValue = 0 },
		"bad interval": func(in *PublishInput) { in.EndTime = in.BeginTime },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := validInput()
			mutate(&in)
			_, err := svc.PublishSeckill(ctx, in)
			assert.ErrorIs(t, err, ErrInvalidVoucher)
		})
	}
}

func TestGetStrategies(t *testing.T) {
	for _, strategy := range []string{StrategyLogical, StrategyMutex, StrategyPassthrough} {
		t.Run(strategy, func(t *testing.T) {
			svc, mr, _ := newService(t, WithStrategy(strategy))
			ctx := context.Background()

			v, err := svc.PublishSeckill(ctx, validInput())
			require.NoError(t, err)
			// 丢掉预热的条目，强制回源
			mr.Del(cache.Key(rediskey.VoucherCachePrefix, v.ID))

			got, err := svc.Get(ctx, v.ID)
			require.NoError(t, err)
			assert.Equal(t, v.ID, got.ID)
			assert.Equal(t, "100 off 80", got.Title)
			assert.EqualValues(t, 100, got.Stock)
			require.NotNil(t, got.EndTime)
			assert.True(t, got.EndTime.Equal(*v.EndTime))
			assert.True(t, mr.Exists(cache.Key(rediskey.VoucherCachePrefix, v.ID)))

			_, err = svc.Get(ctx, 9999)
			assert.ErrorIs(t, err, ErrVoucherNotFound)
		})
	}
}

func TestGetInvalidID(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Get(context.Background(), 0)
	assert.ErrorIs(t, err, ErrInvalidVoucher)
}

func TestStockNotPreloaded(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Stock(context.Background(), 42)
	assert.ErrorIs(t, err, ErrVoucherNotFound)
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}

func TestUpdateStatusSuspendsSale(t *testing.T) {
	svc, _, st := newService(t)
	ctx := context.Background()
	v, err := svc.PublishSeckill(ctx, validInput())
	require.NoError(t, err)

	require.NoError(t, svc.UpdateStatus(ctx, v.ID, model.VoucherStatusOffShelf))
	got, err := svc.Get(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, model.VoucherStatusOffShelf, got.Status, "entity cache invalidated")
	res, err := rediskey.Seckill(ctx, svc.rdb, v.ID, 1, 1, time.Now())
	require.NoError(t, err)
	assert.Equal(t, rediskey.SeckillNotOnSale, res)

	require.NoError(t, svc.UpdateStatus(ctx, v.ID, model.VoucherStatusOnShelf))
	res, err = rediskey.Seckill(ctx, svc.rdb, v.ID, 1, 1, time.Now())
	require.NoError(t, err)
	assert.Equal(t, rediskey.SeckillAccepted, res)

	assert.ErrorIs(t, svc.UpdateStatus(ctx, v.ID, 9), ErrInvalidVoucher)
	assert.ErrorIs(t, svc.UpdateStatus(ctx, v.ID+100, model.VoucherStatusOffShelf), ErrVoucherNotFound)

	stored, err := st.GetVoucher(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, model.VoucherStatusOnShelf, stored.Status)
}

func TestDeleteRefusesOnSaleOrStockLeft(t *testing.T) {
	svc, mr, st := newService(t)
	ctx := context.Background()
	in := validInput()
	in.Stock = 1
	v, err := svc.PublishSeckill(ctx, in)
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Delete(ctx, v.ID), ErrVoucherOnSale, "on shelf")

	require.NoError(t, svc.UpdateStatus(ctx, v.ID, model.VoucherStatusOffShelf))
	assert.ErrorIs(t, svc.Delete(ctx, v.ID), ErrVoucherOnSale, "stock left")

	// 售罄：缓存与库存表都为 0
	require.NoError(t, mr.Set(rediskey.StockKey(v.ID), "0"))
	require.NoError(t, st.WithTx(ctx, func(tx *store.Store) error {
		_, err := tx.DecrementStock(ctx, v.ID)
		return err
	}))
	require.NoError(t, svc.Delete(ctx, v.ID))

	assert.False(t, mr.Exists(rediskey.StockKey(v.ID)))
	assert.False(t, mr.Exists(rediskey.WindowKey(v.ID)))
	assert.False(t, mr.Exists(cache.Key(rediskey.VoucherCachePrefix, v.ID)))
	_, err = svc.Get(ctx, v.ID)
	assert.ErrorIs(t, err, ErrVoucherNotFound)
	sk, err := st.GetSeckill(ctx, v.ID)
	require.NoError(t, err)
	assert.Nil(t, sk)
}

func TestDeleteIsAllOrNothing(t *testing.T) {
	svc, mr, st := newService(t)
	ctx := context.Background()
	in := validInput()
	in.Stock = 1
	sold, err := svc.PublishSeckill(ctx, in)
	require.NoError(t, err)
	onSale, err := svc.PublishSeckill(ctx, in)
	require.NoError(t, err)

	require.NoError(t, svc.UpdateStatus(ctx, sold.ID, model.VoucherStatusOffShelf))
	require.NoError(t, mr.Set(rediskey.StockKey(sold.ID), "0"))
	require.NoError(t, st.WithTx(ctx, func(tx *store.Store) error {
		_, err := tx.DecrementStock(ctx, sold.ID)
		return err
	}))

	assert.ErrorIs(t, svc.Delete(ctx, sold.ID, onSale.ID), ErrVoucherOnSale)
	v, err := st.GetVoucher(ctx, sold.ID)
	require.NoError(t, err)
	assert.NotNil(t, v, "nothing deleted when one voucher is refused")
	assert.ErrorIs(t, svc.Delete(ctx), ErrInvalidVoucher)
}
