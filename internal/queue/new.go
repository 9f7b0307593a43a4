package queue

import (
	"context"
	"fmt"

	"seckill/internal/config"

	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// New 按 queue.driver 创建传输。
func New(ctx context.Context, cfg config.QueueConfig, rdb rd.Cmdable, log zerolog.Logger) (Transport, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemory(cfg.MemoryBuffer, 0), nil
	case "stream":
		s, err := NewStream(ctx, rdb, cfg.Stream, cfg.StreamGroup, cfg.StreamConsumer, 0, log,
			WithClaimIdle(cfg.StreamClaimIdle))
		if err != nil {
			return nil, err
		}
		return s, nil
	case "rabbitmq":
		q, err := DialRabbitMQ(RabbitMQConfig{
			URL:        cfg.AMQPURL,
			Exchange:   cfg.Exchange,
			Queue:      cfg.QueueName,
			RoutingKey: cfg.RoutingKey,
		}, log)
		if err != nil {
			return nil, err
		}
		return q, nil
	case "kafka":
		return NewKafka(KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroupID,
		}, log), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.Driver)
	}
}
