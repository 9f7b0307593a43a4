package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Stream 基于 Redis Stream 消费组的传输。
// 语义：处理成功才 XACK+XDEL。同一 entry 同一时刻只交给一个 worker：
// 本进程 Nack 的 entry 进入本地重投列表，由一个 worker 取出并重新认领；
// 其他消费者遗留在 pending 里、空闲超过 claimIdle 的 entry 用 XAUTOCLAIM 接管。
type Stream struct {
	rdb rd.Cmdable
	log zerolog.Logger

	stream    string
	group     string
	consumer  string
	block     time.Duration
	claimIdle time.Duration

	mu        sync.Mutex
	retry     []string
	nextClaim time.Time
}

type StreamOption func(*Stream)

// WithClaimIdle pending entry 空闲多久后可被本消费者接管，需长于一次落单耗时。
func WithClaimIdle(d time.Duration) StreamOption {
	return func(s *Stream) {
		if d > 0 {
			s.claimIdle = d
		}
	}
}

// NewStream 确保消费组存在。consumer 为空时按进程生成，多实例互不共享 pending 列表。
// 第一次 Consume 会先尝试接管上次进程退出前遗留的 entry。
func NewStream(ctx context.Context, rdb rd.Cmdable, stream, group, consumer string, block time.Duration, log zerolog.Logger, opts ...StreamOption) (*Stream, error) {
	if block <= 0 {
		block = 2 * time.Second
	}
	if consumer == "" {
		consumer = DefaultConsumerName()
	}
	s := &Stream{
		rdb:       rdb,
		log:       log.With().Str("component", "stream").Str("stream", stream).Str("consumer", consumer).Logger(),
		stream:    stream,
		group:     group,
		consumer:  consumer,
		block:     block,
		claimIdle: time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.ensureGroup(ctx); err != nil {
		return nil, fmt.Errorf("stream ensure group: %w", err)
	}
	return s, nil
}

// DefaultConsumerName 主机名加随机后缀。
func DefaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "seckill"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Consumer 当前使用的消费者名。
func (s *Stream) Consumer() string { return s.consumer }

func (s *Stream) ensureGroup(ctx context.Context) error {
	err := s.rdb.XGroupCreateMkStream(ctx, s.stream, s.group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (s *Stream) Enqueue(ctx context.Context, msg OrderMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	return s.rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"userId":    msg.UserID,
			"voucherId": msg.VoucherID,
			"id":        msg.OrderID,
		},
	}).Err()
}

func (s *Stream) Consume(ctx context.Context) (Delivery, error) {
	// 1. 本进程 Nack 过的
	if id, ok := s.popRetry(); ok {
		msgs, err := s.reclaim(ctx, id)
		if err != nil {
			s.pushRetry(id)
			return Delivery{}, err
		}
		if len(msgs) > 0 {
			return s.deliver(ctx, msgs[0])
		}
	}

	// 2. 其他消费者遗留的
	if s.claimDue() {
		msgs, err := s.autoClaim(ctx)
		if err != nil {
			return Delivery{}, err
		}
		if len(msgs) > 0 {
			return s.deliver(ctx, msgs[0])
		}
		s.claimDone()
	}

	// 3. 新消息；读取出错时服务端可能已记入 pending，由 XAUTOCLAIM 兜底
	msgs, err := s.readGroup(ctx)
	if err != nil {
		return Delivery{}, err
	}
	if len(msgs) == 0 {
		return Delivery{}, ErrNoMessage
	}
	return s.deliver(ctx, msgs[0])
}

func (s *Stream) Close() error { return nil }

func (s *Stream) popRetry() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.retry) == 0 {
		return "", false
	}
	id := s.retry[0]
	s.retry = s.retry[1:]
	return id, true
}

func (s *Stream) pushRetry(id string) {
	s.mu.Lock()
	s.retry = append(s.retry, id)
	s.mu.Unlock()
}

func (s *Stream) claimDue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !time.Now().Before(s.nextClaim)
}

func (s *Stream) claimDone() {
	s.mu.Lock()
	s.nextClaim = time.Now().Add(s.claimIdle)
	s.mu.Unlock()
}

// reclaim 重投前确认 entry 仍归本消费者，再 XCLAIM 重置空闲时间。
// 已被其他实例接管或已确认时返回空。
func (s *Stream) reclaim(ctx context.Context, id string) ([]rd.XMessage, error) {
	pending, err := s.rdb.XPendingExt(ctx, &rd.XPendingExtArgs{
		Stream:   s.stream,
		Group:    s.group,
		Start:    id,
		End:      id,
		Count:    1,
		Consumer: s.consumer,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xpending %s: %w", id, err)
	}
	if len(pending) == 0 {
		s.log.Warn().Str("id", id).Msg("nacked entry no longer owned, skip")
		return nil, nil
	}
	msgs, err := s.rdb.XClaim(ctx, &rd.XClaimArgs{
		Stream:   s.stream,
		Group:    s.group,
		Consumer: s.consumer,
		Messages: []string{id},
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xclaim %s: %w", id, err)
	}
	return msgs, nil
}

func (s *Stream) autoClaim(ctx context.Context) ([]rd.XMessage, error) {
	msgs, _, err := s.rdb.XAutoClaim(ctx, &rd.XAutoClaimArgs{
		Stream:   s.stream,
		Group:    s.group,
		Consumer: s.consumer,
		MinIdle:  s.claimIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}
	if len(msgs) > 0 {
		s.log.Info().Str("id", msgs[0].ID).Msg("took over idle pending entry")
	}
	return msgs, nil
}

func (s *Stream) readGroup(ctx context.Context) ([]rd.XMessage, error) {
	streams, err := s.rdb.XReadGroup(ctx, &rd.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.stream, ">"},
		Count:    1,
		Block:    s.block,
	}).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	out := make([]rd.XMessage, 0, 1)
	for _, st := range streams {
		out = append(out, st.Messages...)
	}
	return out, nil
}

func (s *Stream) deliver(ctx context.Context, xm rd.XMessage) (Delivery, error) {
	msg, err := parseOrderEvent(xm.Values)
	if err != nil {
		// 脏消息直接 ACK 丢弃，避免阻塞队列。
		s.log.Warn().Err(err).Str("id", xm.ID).Msg("drop malformed entry")
		if ackErr := s.ackAndDelete(ctx, xm.ID); ackErr != nil {
			return Delivery{}, fmt.Errorf("ack malformed entry %s: %w", xm.ID, ackErr)
		}
		return Delivery{}, fmt.Errorf("%w: entry %s: %v", ErrMalformed, xm.ID, err)
	}

	id := xm.ID
	return Delivery{
		Message: msg,
		ack: func(ctx context.Context) error {
			return s.ackAndDelete(ctx, id)
		},
		nack: func(context.Context) error {
			// 不 ACK，entry 留在本消费者的 pending 里，由下一次 Consume 重投
			s.pushRetry(id)
			return nil
		},
	}, nil
}

func (s *Stream) ackAndDelete(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	pipe.XAck(ctx, s.stream, s.group, id)
	pipe.XDel(ctx, s.stream, id)
	_, err := pipe.Exec(ctx)
	return err
}

func parseOrderEvent(values map[string]interface{}) (OrderMessage, error) {
	userStr, err := getStreamString(values, "userId")
	if err != nil {
		return OrderMessage{}, err
	}
	voucherStr, err := getStreamString(values, "voucherId")
	if err != nil {
		return OrderMessage{}, err
	}
	orderStr, err := getStreamString(values, "id")
	if err != nil {
		return OrderMessage{}, err
	}

	userID, err := strconv.ParseInt(userStr, 10, 64)
	if err != nil {
		return OrderMessage{}, fmt.Errorf("invalid userId %q", userStr)
	}
	voucherID, err := strconv.ParseInt(voucherStr, 10, 64)
	if err != nil {
		return OrderMessage{}, fmt.Errorf("invalid voucherId %q", voucherStr)
	}
	orderID, err := strconv.ParseInt(orderStr, 10, 64)
	if err != nil {
		return OrderMessage{}, fmt.Errorf("invalid id %q", orderStr)
	}

	msg := OrderMessage{UserID: userID, VoucherID: voucherID, OrderID: orderID}
	if err := msg.Validate(); err != nil {
		return OrderMessage{}, err
	}
	return msg, nil
}

func getStreamString(values map[string]interface{}, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}
