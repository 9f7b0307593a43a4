package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

type KafkaConfig struct {
	Brokers    []string
	Topic      string
	GroupID    string
	PollWindow time.Duration
}

// Kafka 消费组 + 手动提交。Kafka 没有单条 nack，
// Nack 采用“重新写回 topic 再提交原 offset”的方式实现重投。
type Kafka struct {
	w          *kafka.Writer
	r          *kafka.Reader
	log        zerolog.Logger
	pollWindow time.Duration
}

// NewKafka 可靠性参数：
// - Hash + Key: 相同订单落到同一分区。
// - RequireAll: 等待 ISR 副本确认，降低消息丢失风险。
// - CommitInterval=0: 每次 CommitMessages 同步提交。
func NewKafka(cfg KafkaConfig, log zerolog.Logger) *Kafka {
	if cfg.PollWindow <= 0 {
		cfg.PollWindow = 2 * time.Second
	}
	return &Kafka{
		w: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  5,
			WriteTimeout: 5 * time.Second,
			ReadTimeout:  5 * time.Second,
			BatchTimeout: 10 * time.Millisecond,
		},
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			Topic:          cfg.Topic,
			GroupID:        cfg.GroupID,
			MinBytes:       1,
			MaxBytes:       1e6,
			CommitInterval: 0,
		}),
		log:        log.With().Str("component", "kafka").Str("topic", cfg.Topic).Logger(),
		pollWindow: cfg.PollWindow,
	}
}

// kafkaMessage 使用订单 ID 作为分区 key。
func kafkaMessage(msg OrderMessage) (kafka.Message, error) {
	b, err := encodeMessage(msg)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Key: []byte(strconv.FormatInt(msg.OrderID, 10)), Value: b}, nil
}

func (k *Kafka) Enqueue(ctx context.Context, msg OrderMessage) error {
	m, err := kafkaMessage(msg)
	if err != nil {
		return err
	}
	return k.w.WriteMessages(ctx, m)
}

func (k *Kafka) Consume(ctx context.Context) (Delivery, error) {
	fctx, cancel := context.WithTimeout(ctx, k.pollWindow)
	defer cancel()

	m, err := k.r.FetchMessage(fctx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return Delivery{}, ErrNoMessage
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Delivery{}, err
		}
		return Delivery{}, fmt.Errorf("kafka fetch: %w", err)
	}

	msg, err := decodeMessage(m.Value)
	if err != nil {
		k.log.Warn().Err(err).Int("partition", m.Partition).Int64("offset", m.Offset).Msg("drop malformed message")
		if cerr := k.r.CommitMessages(ctx, m); cerr != nil {
			return Delivery{}, fmt.Errorf("commit malformed message: %w", cerr)
		}
		return Delivery{}, err
	}

	return Delivery{
		Message: msg,
		ack: func(ctx context.Context) error {
			return k.r.CommitMessages(ctx, m)
		},
		nack: func(ctx context.Context) error {
			retry := kafka.Message{Key: m.Key, Value: m.Value}
			if err := k.w.WriteMessages(ctx, retry); err != nil {
				// 写回失败则不提交，进程重启或再均衡后仍会重投
				return fmt.Errorf("kafka requeue: %w", err)
			}
			return k.r.CommitMessages(ctx, m)
		},
	}, nil
}

func (k *Kafka) Close() error {
	return errors.Join(k.w.Close(), k.r.Close())
}
