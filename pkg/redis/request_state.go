package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

const (
	// OrderPending 已通过缓存校验并入队，等待异步落单。
	OrderPending = "pending"
	// OrderCreated 订单已落库。
	OrderCreated = "created"
	// OrderDiscarded 消费端判定不落单（重复、库存漂移、锁冲突）。
	OrderDiscarded = "discarded"
	// OrderFailed 入队失败，库存已回补。
	OrderFailed = "failed"
)

// OrderState 对应 Redis 内的订单状态结构。
type OrderState struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

// GetOrderState 查询订单当前状态。found=false 表示 key 不存在。
func GetOrderState(ctx context.Context, rdb rd.Cmdable, orderID int64) (OrderState, bool, error) {
	m, err := rdb.HGetAll(ctx, OrderStateKey(orderID)).Result()
	if err != nil {
		return OrderState{}, false, err
	}
	if len(m) == 0 {
		return OrderState{}, false, nil
	}

	out := OrderState{
		OrderID: m["order_id"],
		Status:  m["status"],
		Reason:  m["reason"],
	}
	if out.Status == "" {
		out.Status = OrderPending
	}
	return out, true, nil
}

// PutOrderState 更新订单状态，并刷新 key TTL。
func PutOrderState(ctx context.Context, rdb rd.Cmdable, orderID int64, status, reason string, ttl time.Duration) error {
	key := OrderStateKey(orderID)
	pipe := rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"order_id", orderID,
		"status", status,
		"reason", reason,
	)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}
