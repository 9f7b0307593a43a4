package seckill

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"seckill/internal/dlock"
	"seckill/internal/idgen"
	"seckill/internal/model"
	"seckill/internal/queue"
	"seckill/internal/store"
	"seckill/internal/testutil"
	rediskey "seckill/pkg/redis"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixture struct {
	mr        *miniredis.Miniredis
	rdb       *rd.Client
	db        *gorm.DB
	store     *store.Store
	locker    *dlock.Locker
	transport *queue.Memory
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr, rdb := testutil.NewRedis(t)
	db := testutil.NewDB(t)
	tr := queue.NewMemory(1024, 20*time.Millisecond)
	t.Cleanup(func() { _ = tr.Close() })
	return &fixture{
		mr:        mr,
		rdb:       rdb,
		db:        db,
		store:     store.New(db),
		locker:    dlock.New(rdb),
		transport: tr,
		now:       time.Now(),
	}
}

// publish 在库里建一张秒杀券并预热 Redis 库存。
func (f *fixture) publish(t *testing.T, stock int64) int64 {
	t.Helper()
	ctx := context.Background()
	v := &model.Voucher{Title: "100 off", PayValue: 8000, ActualValue: 10000, Type: model.VoucherTypeSeckill, Status: model.VoucherStatusOnShelf}
	sk := &model.VoucherSeckill{Stock: stock, BeginTime: f.now.Add(-time.Hour), EndTime: f.now.Add(time.Hour)}
	require.NoError(t, f.store.CreateSeckillVoucher(ctx, v, sk))
	require.NoError(t, rediskey.PreloadStock(ctx, f.rdb, v.ID, stock, sk.BeginTime, sk.EndTime))
	return v.ID
}

func (f *fixture) service(tr queue.Transport, opts ...ServiceOption) *Service {
	opts = append([]ServiceOption{WithServiceClock(func() time.Time { return f.now })}, opts...)
	return NewService(f.rdb, idgen.New(f.rdb), tr, f.store, zerolog.Nop(), opts...)
}

func (f *fixture) materializer(opts ...MaterializerOption) *Materializer {
	opts = append([]MaterializerOption{WithNackBackoff(0)}, opts...)
	return NewMaterializer(f.transport, f.store, f.locker, f.rdb, zerolog.Nop(), opts...)
}

func (f *fixture) dbStock(t *testing.T, voucherID int64) int64 {
	t.Helper()
	sk, err := f.store.GetSeckill(context.Background(), voucherID)
	require.NoError(t, err)
	require.NotNil(t, sk)
	return sk.Stock
}

func (f *fixture) state(t *testing.T, orderID int64) rediskey.OrderState {
	t.Helper()
	st, found, err := rediskey.GetOrderState(context.Background(), f.rdb, orderID)
	require.NoError(t, err)
	require.True(t, found, "state for order %d", orderID)
	return st
}

// flakyTransport 可切换 Enqueue 失败的内存传输。
type flakyTransport struct {
	*queue.Memory
	fail atomic.Bool
}

func (t *flakyTransport) Enqueue(ctx context.Context, msg queue.OrderMessage) error {
	if t.fail.Load() {
		return errors.New("broker unavailable")
	}
	return t.Memory.Enqueue(ctx, msg)
}
