package queue

import (
	"context"
	"sync"
	"time"
)

// Memory 进程内 channel 实现，用于测试和单机开发。Nack 会把消息放回队尾。
type Memory struct {
	ch         chan OrderMessage
	closed     chan struct{}
	once       sync.Once
	pollWindow time.Duration
}

func NewMemory(buffer int, pollWindow time.Duration) *Memory {
	if buffer <= 0 {
		buffer = 1024
	}
	if pollWindow <= 0 {
		pollWindow = 2 * time.Second
	}
	return &Memory{
		ch:         make(chan OrderMessage, buffer),
		closed:     make(chan struct{}),
		pollWindow: pollWindow,
	}
}

func (m *Memory) Enqueue(ctx context.Context, msg OrderMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	select {
	case <-m.closed:
		return ErrClosed
	default:
	}
	select {
	case m.ch <- msg:
		return nil
	case <-m.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Consume(ctx context.Context) (Delivery, error) {
	timer := time.NewTimer(m.pollWindow)
	defer timer.Stop()

	select {
	case msg := <-m.ch:
		return Delivery{
			Message: msg,
			nack: func(ctx context.Context) error {
				return m.Enqueue(ctx, msg)
			},
		}, nil
	case <-m.closed:
		return Delivery{}, ErrClosed
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	case <-timer.C:
		return Delivery{}, ErrNoMessage
	}
}

// Len 当前积压条数。
func (m *Memory) Len() int { return len(m.ch) }

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}
