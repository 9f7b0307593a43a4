package queue

import (
	"context"
	"errors"
)

var (
	// ErrNoMessage 本轮拉取窗口内没有消息。
	ErrNoMessage = errors.New("queue: no message")
	// ErrClosed 传输已关闭。
	ErrClosed = errors.New("queue: transport closed")
)

// Transport 下单消息的至少一次投递通道。
//
// Consume 阻塞到拉到一条消息或拉取窗口结束；每条 Delivery 必须 Ack 或 Nack 其一。
// Nack 表示“未处理，需要重投”。
type Transport interface {
	Enqueue(ctx context.Context, msg OrderMessage) error
	Consume(ctx context.Context) (Delivery, error)
	Close() error
}

// Delivery 一条待确认的消息。
type Delivery struct {
	Message OrderMessage
	ack     func(ctx context.Context) error
	nack    func(ctx context.Context) error
}

// NewDelivery 供自定义 Transport 构造投递。
func NewDelivery(msg OrderMessage, ack, nack func(ctx context.Context) error) Delivery {
	return Delivery{Message: msg, ack: ack, nack: nack}
}

func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

func (d Delivery) Nack(ctx context.Context) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(ctx)
}
