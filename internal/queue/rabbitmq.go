package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// RabbitMQConfig 拓扑：durable direct exchange → durable queue，按 routing key 绑定。
type RabbitMQConfig struct {
	URL        string
	Exchange   string
	Queue      string
	RoutingKey string
	PollWindow time.Duration
}

// RabbitMQ 发布端开启 publisher confirm；消费端手动 ack，prefetch=1，
// Nack 以 requeue=true 退回队列。
type RabbitMQ struct {
	cfg  RabbitMQConfig
	log  zerolog.Logger
	conn *amqp.Connection

	pubMu sync.Mutex
	pubCh *amqp.Channel

	conCh      *amqp.Channel
	deliveries <-chan amqp.Delivery
}

func DialRabbitMQ(cfg RabbitMQConfig, log zerolog.Logger) (*RabbitMQ, error) {
	if cfg.PollWindow <= 0 {
		cfg.PollWindow = 2 * time.Second
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	q := &RabbitMQ{cfg: cfg, log: log.With().Str("component", "rabbitmq").Logger(), conn: conn}
	if err := q.setup(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return q, nil
}

func (q *RabbitMQ) setup() error {
	pubCh, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := declareTopology(pubCh, q.cfg); err != nil {
		return err
	}
	if err := pubCh.Confirm(false); err != nil {
		return fmt.Errorf("amqp confirm mode: %w", err)
	}
	q.pubCh = pubCh

	conCh, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := conCh.Qos(1, 0, false); err != nil {
		return fmt.Errorf("amqp qos: %w", err)
	}
	deliveries, err := conCh.Consume(
		q.cfg.Queue,
		"",
		false, // 手动 ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}
	q.conCh = conCh
	q.deliveries = deliveries
	return nil
}

func declareTopology(ch *amqp.Channel, cfg RabbitMQConfig) error {
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}
	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", cfg.Queue, err)
	}
	return nil
}

// publishing 持久化消息，MessageId 为订单 ID 便于排查。
func publishing(msg OrderMessage) (amqp.Publishing, error) {
	body, err := encodeMessage(msg)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    strconv.FormatInt(msg.OrderID, 10),
		Timestamp:    time.Now(),
		Body:         body,
	}, nil
}

func (q *RabbitMQ) Enqueue(ctx context.Context, msg OrderMessage) error {
	p, err := publishing(msg)
	if err != nil {
		return err
	}

	q.pubMu.Lock()
	dc, err := q.pubCh.PublishWithDeferredConfirmWithContext(ctx, q.cfg.Exchange, q.cfg.RoutingKey, false, false, p)
	q.pubMu.Unlock()
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("amqp confirm: %w", err)
	}
	if !acked {
		return errors.New("amqp publish nacked by broker")
	}
	return nil
}

func (q *RabbitMQ) Consume(ctx context.Context) (Delivery, error) {
	timer := time.NewTimer(q.cfg.PollWindow)
	defer timer.Stop()

	select {
	case d, ok := <-q.deliveries:
		if !ok {
			return Delivery{}, ErrClosed
		}
		msg, err := decodeMessage(d.Body)
		if err != nil {
			q.log.Warn().Err(err).Uint64("tag", d.DeliveryTag).Msg("drop malformed message")
			if ackErr := d.Ack(false); ackErr != nil {
				return Delivery{}, fmt.Errorf("ack malformed message: %w", ackErr)
			}
			return Delivery{}, err
		}
		return Delivery{
			Message: msg,
			ack:     func(context.Context) error { return d.Ack(false) },
			nack:    func(context.Context) error { return d.Nack(false, true) },
		}, nil
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	case <-timer.C:
		return Delivery{}, ErrNoMessage
	}
}

func (q *RabbitMQ) Close() error {
	var errs []error
	if q.conCh != nil {
		errs = append(errs, q.conCh.Close())
	}
	if q.pubCh != nil {
		errs = append(errs, q.pubCh.Close())
	}
	errs = append(errs, q.conn.Close())
	return errors.Join(errs...)
}
