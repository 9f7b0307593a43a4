package seckill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"seckill/internal/dlock"
	"seckill/internal/metrics"
	"seckill/internal/model"
	"seckill/internal/queue"
	"seckill/internal/store"
	rediskey "seckill/pkg/redis"

	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"
)

// Outcome 一条消息的处理结论。除 error 外的结论都会 ACK。
type Outcome string

const (
	OutcomePersisted Outcome = "persisted"
	// OutcomeReplayed 同一订单重复投递，订单已存在。
	OutcomeReplayed Outcome = "replayed"
	// OutcomeCancelled 订单号已存在但订单已取消，不再落单。
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeDuplicate 该用户已有其他未取消订单。
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeDrift 缓存放行但库存表已为 0，缓存与持久层不一致，不重试。
	OutcomeDrift Outcome = "drift"
	// OutcomeLockBusy 另一次投递正持有该用户的锁，由它决定结果。
	OutcomeLockBusy Outcome = "lock_busy"
	OutcomeInvalid  Outcome = "invalid"
)

var errOrderExists = errors.New("order id already persisted")

// Materializer 消费下单消息并落库。
//
// 每条消息：TryLock lock:order:{userId} → 查重 → 条件扣减库存 → 插入订单，
// 后三步在同一事务内。任一步出错整体回滚并 Nack，等待重投。
type Materializer struct {
	transport queue.Transport
	store     *store.Store
	locker    *dlock.Locker
	rdb       rd.Cmdable
	breaker   *gobreaker.CircuitBreaker[Outcome]
	log       zerolog.Logger
	m         *metrics.Metrics

	nackBackoff time.Duration
	stateTTL    time.Duration
}

type MaterializerOption func(*Materializer)

func WithNackBackoff(d time.Duration) MaterializerOption {
	return func(m *Materializer) { m.nackBackoff = d }
}

func WithMaterializerMetrics(mt *metrics.Metrics) MaterializerOption {
	return func(m *Materializer) { m.m = mt }
}

func WithMaterializerStateTTL(ttl time.Duration) MaterializerOption {
	return func(m *Materializer) { m.stateTTL = ttl }
}

// WithBreakerSettings 覆盖持久层熔断配置。
func WithBreakerSettings(st gobreaker.Settings) MaterializerOption {
	return func(m *Materializer) { m.breaker = gobreaker.NewCircuitBreaker[Outcome](st) }
}

func NewMaterializer(transport queue.Transport, st *store.Store, locker *dlock.Locker, rdb rd.Cmdable, log zerolog.Logger, opts ...MaterializerOption) *Materializer {
	m := &Materializer{
		transport:   transport,
		store:       st,
		locker:      locker,
		rdb:         rdb,
		log:         log.With().Str("component", "materializer").Logger(),
		nackBackoff: 200 * time.Millisecond,
		stateTTL:    24 * time.Hour,
	}
	m.breaker = gobreaker.NewCircuitBreaker[Outcome](defaultBreakerSettings(m.log))
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// defaultBreakerSettings 连续 5 次持久层失败后熔断 5 秒，期间消息直接 Nack。
func defaultBreakerSettings(log zerolog.Logger) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        "order-store",
		MaxRequests: 1,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("breaker state changed")
		},
	}
}

// Run 启动 workers 个消费循环，ctx 取消后返回。
func (m *Materializer) Run(ctx context.Context, workers int) error {
	if workers <= 0 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		worker := i
		g.Go(func() error {
			return m.loop(ctx, worker)
		})
	}
	return g.Wait()
}

func (m *Materializer) loop(ctx context.Context, worker int) error {
	log := m.log.With().Int("worker", worker).Logger()
	for {
		d, err := m.transport.Consume(ctx)
		if ctx.Err() != nil {
			if err == nil {
				// 取到消息时恰好关停，退回队列
				if nerr := d.Nack(context.WithoutCancel(ctx)); nerr != nil {
					log.Error().Err(nerr).Int64("orderId", d.Message.OrderID).Msg("nack on shutdown failed")
				}
			}
			return nil
		}
		switch {
		case err == nil:
			m.process(ctx, d, log)
		case errors.Is(err, queue.ErrNoMessage):
		case errors.Is(err, queue.ErrMalformed):
			m.m.Materialized(string(OutcomeInvalid))
		case errors.Is(err, queue.ErrClosed):
			log.Info().Msg("transport closed, worker exit")
			return nil
		default:
			log.Error().Err(err).Msg("consume failed")
			sleep(ctx, m.nackBackoff)
		}
	}
}

func (m *Materializer) process(ctx context.Context, d queue.Delivery, log zerolog.Logger) {
	msg := d.Message
	log = log.With().Int64("orderId", msg.OrderID).Int64("userId", msg.UserID).Int64("voucherId", msg.VoucherID).Logger()
	// ack / nack 不随 ctx 取消，避免关停时丢确认
	ackCtx := context.WithoutCancel(ctx)

	outcome, err := m.Handle(ctx, msg)
	if err != nil {
		m.m.Materialized("retry")
		log.Error().Err(err).Msg("materialize failed, nack")
		if nerr := d.Nack(ackCtx); nerr != nil {
			log.Error().Err(nerr).Msg("nack failed")
		}
		sleep(ctx, m.nackBackoff)
		return
	}

	m.recordState(ctx, msg, outcome, log)
	if err := d.Ack(ackCtx); err != nil {
		// 未确认的消息会被重投，重复处理由幂等检查兜底
		log.Error().Err(err).Msg("ack failed")
	}
	m.m.Materialized(string(outcome))
}

// Handle 处理单条消息，返回 error 表示需要重投。
func (m *Materializer) Handle(ctx context.Context, msg queue.OrderMessage) (Outcome, error) {
	if err := msg.Validate(); err != nil {
		m.log.Warn().Err(err).Msg("discard invalid message")
		return OutcomeInvalid, nil
	}

	lock, ok, err := m.locker.TryLock(ctx, rediskey.OrderLockKey(msg.UserID))
	if err != nil {
		return "", fmt.Errorf("acquire order lock: %w", err)
	}
	if !ok {
		m.log.Warn().Int64("orderId", msg.OrderID).Int64("userId", msg.UserID).Msg("order lock busy, skip")
		return OutcomeLockBusy, nil
	}
	defer func() {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := lock.Unlock(uctx); err != nil {
			m.log.Warn().Err(err).Int64("userId", msg.UserID).Msg("release order lock failed")
		}
	}()

	return m.breaker.Execute(func() (Outcome, error) {
		return m.persist(ctx, msg)
	})
}

func (m *Materializer) persist(ctx context.Context, msg queue.OrderMessage) (Outcome, error) {
	var outcome Outcome
	err := m.store.WithTx(ctx, func(tx *store.Store) error {
		existing, err := tx.FindActiveOrder(ctx, msg.UserID, msg.VoucherID)
		if err != nil {
			return fmt.Errorf("find active order: %w", err)
		}
		if existing != nil {
			if existing.ID == msg.OrderID {
				outcome = OutcomeReplayed
			} else {
				outcome = OutcomeDuplicate
			}
			return nil
		}

		ok, err := tx.DecrementStock(ctx, msg.VoucherID)
		if err != nil {
			return fmt.Errorf("decrement stock: %w", err)
		}
		if !ok {
			outcome = OutcomeDrift
			return nil
		}

		err = tx.CreateOrder(ctx, &model.VoucherOrder{
			ID:        msg.OrderID,
			UserID:    msg.UserID,
			VoucherID: msg.VoucherID,
			Status:    model.OrderUnpaid,
			PayType:   model.PayBalance,
		})
		if errors.Is(err, store.ErrDuplicateKey) {
			// 订单号已存在但不是该用户的有效订单，即已取消后重放，回滚这次扣减
			return errOrderExists
		}
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		outcome = OutcomePersisted
		return nil
	})
	if errors.Is(err, errOrderExists) {
		return OutcomeCancelled, nil
	}
	if err != nil {
		return "", err
	}
	if outcome == OutcomeDrift {
		m.log.Warn().Int64("orderId", msg.OrderID).Int64("voucherId", msg.VoucherID).Msg("stock drift: cache accepted but store is sold out")
	}
	return outcome, nil
}

// recordState 锁冲突时不写状态：锁的持有者可能正在处理同一个订单。
func (m *Materializer) recordState(ctx context.Context, msg queue.OrderMessage, outcome Outcome, log zerolog.Logger) {
	var status, reason string
	switch outcome {
	case OutcomePersisted, OutcomeReplayed:
		status = rediskey.OrderCreated
	case OutcomeDuplicate:
		status, reason = rediskey.OrderDiscarded, ErrDuplicateOrder.Error()
	case OutcomeDrift:
		status, reason = rediskey.OrderDiscarded, ErrStockInsufficient.Error()
	case OutcomeCancelled:
		status, reason = rediskey.OrderDiscarded, ErrOrderCancelled.Error()
	default:
		return
	}
	if err := rediskey.PutOrderState(ctx, m.rdb, msg.OrderID, status, reason, m.stateTTL); err != nil {
		log.Warn().Err(err).Msg("write order state failed")
	}
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
