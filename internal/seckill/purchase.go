package seckill

import (
	"context"
	"fmt"
	"time"

	"seckill/internal/metrics"
	"seckill/internal/model"
	"seckill/internal/queue"
	rediskey "seckill/pkg/redis"

	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// IDGenerator 全局唯一订单 ID。
type IDGenerator interface {
	NextID(ctx context.Context, tag string) (int64, error)
}

// OrderFinder 状态 hash 过期后回落到持久层查询。
type OrderFinder interface {
	GetOrder(ctx context.Context, id int64) (*model.VoucherOrder, error)
}

// PurchaseResult 抢购被接受后立即返回的订单号，订单异步落库。
type PurchaseResult struct {
	OrderID int64 `json:"orderId"`
}

// Service 请求侧：只读写 Redis 与消息队列，不访问数据库，也不加锁。
type Service struct {
	rdb       rd.Cmdable
	ids       IDGenerator
	transport queue.Transport
	orders    OrderFinder
	log       zerolog.Logger
	m         *metrics.Metrics
	now       func() time.Time
	stateTTL  time.Duration
}

type ServiceOption func(*Service)

func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func WithServiceMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) { s.m = m }
}

func WithStateTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) { s.stateTTL = ttl }
}

func NewService(rdb rd.Cmdable, ids IDGenerator, transport queue.Transport, orders OrderFinder, log zerolog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		rdb:       rdb,
		ids:       ids,
		transport: transport,
		orders:    orders,
		log:       log.With().Str("component", "purchase").Logger(),
		now:       time.Now,
		stateTTL:  24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Purchase 抢购：分配订单号 → Lua 原子扣减 → 入队异步落单。
func (s *Service) Purchase(ctx context.Context, voucherID, userID int64) (PurchaseResult, error) {
	if voucherID <= 0 || userID <= 0 {
		s.m.Purchase("invalid")
		return PurchaseResult{}, fmt.Errorf("%w: voucherId=%d userId=%d", ErrInvalidInput, voucherID, userID)
	}

	orderID, err := s.ids.NextID(ctx, "order")
	if err != nil {
		s.m.Purchase("error")
		return PurchaseResult{}, fmt.Errorf("next order id: %w", err)
	}

	res, err := rediskey.Seckill(ctx, s.rdb, voucherID, userID, orderID, s.now())
	if err != nil {
		s.m.Purchase("error")
		return PurchaseResult{}, err
	}
	switch res {
	case rediskey.SeckillAccepted:
	case rediskey.SeckillStockInsufficient:
		s.m.Purchase("stock_insufficient")
		return PurchaseResult{}, ErrStockInsufficient
	case rediskey.SeckillDuplicate:
		s.m.Purchase("duplicate")
		return PurchaseResult{}, ErrDuplicateOrder
	case rediskey.SeckillNotOnSale:
		s.m.Purchase("not_on_sale")
		return PurchaseResult{}, ErrNotOnSale
	default:
		s.m.Purchase("error")
		return PurchaseResult{}, fmt.Errorf("unexpected seckill result %d", int(res))
	}

	if err := rediskey.PutOrderState(ctx, s.rdb, orderID, rediskey.OrderPending, "", s.stateTTL); err != nil {
		s.log.Warn().Err(err).Int64("orderId", orderID).Msg("write pending state failed")
	}

	msg := queue.OrderMessage{UserID: userID, VoucherID: voucherID, OrderID: orderID}
	if err := s.transport.Enqueue(ctx, msg); err != nil {
		s.compensate(ctx, msg, err)
		s.m.Purchase("enqueue_failed")
		return PurchaseResult{}, fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
	}

	s.m.Purchase("accepted")
	return PurchaseResult{OrderID: orderID}, nil
}

// compensate 入队失败时回补库存并放开一人一单标记，请求被取消也要执行。
func (s *Service) compensate(ctx context.Context, msg queue.OrderMessage, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()

	log := s.log.With().Int64("orderId", msg.OrderID).Int64("voucherId", msg.VoucherID).Int64("userId", msg.UserID).Logger()
	log.Error().Err(cause).Msg("enqueue order failed, compensating stock")

	if _, err := rediskey.CompensateStockOnce(ctx, s.rdb, msg.OrderID, msg.VoucherID, msg.UserID); err != nil {
		log.Error().Err(err).Msg("compensate stock failed")
	}
	if err := rediskey.PutOrderState(ctx, s.rdb, msg.OrderID, rediskey.OrderFailed, "enqueue failed", s.stateTTL); err != nil {
		log.Warn().Err(err).Msg("write failed state failed")
	}
}

// OrderStatus 先查 Redis 状态，过期后回落到订单表。
func (s *Service) OrderStatus(ctx context.Context, orderID int64) (rediskey.OrderState, error) {
	if orderID <= 0 {
		return rediskey.OrderState{}, ErrInvalidInput
	}
	st, found, err := rediskey.GetOrderState(ctx, s.rdb, orderID)
	if err != nil {
		return rediskey.OrderState{}, err
	}
	if found {
		return st, nil
	}

	o, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return rediskey.OrderState{}, err
	}
	if o == nil {
		return rediskey.OrderState{}, ErrOrderNotFound
	}
	return orderState(o), nil
}

// orderState 订单表记录对应的对外状态，已取消的订单不算成功。
func orderState(o *model.VoucherOrder) rediskey.OrderState {
	st := rediskey.OrderState{OrderID: fmt.Sprint(o.ID), Status: rediskey.OrderCreated}
	if o.Status == model.OrderCancelled {
		st.Status, st.Reason = rediskey.OrderDiscarded, ErrOrderCancelled.Error()
	}
	return st
}
