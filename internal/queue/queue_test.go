package queue

import (
	"context"
	"testing"
	"time"

	"seckill/internal/config"

	"github.com/alicebob/miniredis/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sample = OrderMessage{UserID: 7, VoucherID: 3, OrderID: 1 << 40}

func TestOrderMessageCodec(t *testing.T) {
	body, err := encodeMessage(sample)
	require.NoError(t, err)
	assert.JSONEq(t, `{"userId":7,"voucherId":3,"id":1099511627776}`, string(body))

	got, err := decodeMessage(body)
	require.NoError(t, err)
	assert.Equal(t, sample, got)

	_, err = decodeMessage([]byte("not json"))
	require.ErrorIs(t, err, ErrMalformed)
	_, err = decodeMessage([]byte(`{"userId":0,"voucherId":3,"id":1}`))
	require.ErrorIs(t, err, ErrMalformed)

	_, err = encodeMessage(OrderMessage{})
	require.Error(t, err)
}

func TestPublishingIsPersistent(t *testing.T) {
	p, err := publishing(sample)
	require.NoError(t, err)
	assert.Equal(t, uint8(amqp.Persistent), p.DeliveryMode)
	assert.Equal(t, "application/json", p.ContentType)
	assert.Equal(t, "1099511627776", p.MessageId)
}

func TestKafkaMessageKey(t *testing.T) {
	m, err := kafkaMessage(sample)
	require.NoError(t, err)
	assert.Equal(t, "1099511627776", string(m.Key))
	got, err := decodeMessage(m.Value)
	require.NoError(t, err)
	assert.Equal(t, sample, got)
}

func TestMemoryAckAndNack(t *testing.T) {
	m := NewMemory(4, 20*time.Millisecond)
	ctx := context.Background()

	_, err := m.Consume(ctx)
	require.ErrorIs(t, err, ErrNoMessage)

	require.NoError(t, m.Enqueue(ctx, sample))
	d, err := m.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, sample, d.Message)

	require.NoError(t, d.Nack(ctx))
	redelivered, err := m.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, sample, redelivered.Message)
	require.NoError(t, redelivered.Ack(ctx))
	assert.Zero(t, m.Len())

	require.NoError(t, m.Close())
	require.ErrorIs(t, m.Enqueue(ctx, sample), ErrClosed)
	_, err = m.Consume(ctx)
	require.ErrorIs(t, err, ErrClosed)
}

func newStream(t *testing.T) (*miniredis.Miniredis, *rd.Client, *Stream) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	s, err := NewStream(context.Background(), rdb, "stream.orders", "g1", "c1", 50*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)
	return mr, rdb, s
}

func TestStreamEnsureGroupIdempotent(t *testing.T) {
	_, rdb, _ := newStream(t)
	_, err := NewStream(context.Background(), rdb, "stream.orders", "g1", "c2", 0, zerolog.Nop())
	require.NoError(t, err)
}

func TestStreamEnqueueConsumeAck(t *testing.T) {
	_, rdb, s := newStream(t)
	ctx := context.Background()

	_, err := s.Consume(ctx)
	require.ErrorIs(t, err, ErrNoMessage)

	require.NoError(t, s.Enqueue(ctx, sample))
	d, err := s.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, sample, d.Message)
	require.NoError(t, d.Ack(ctx))

	n, err := rdb.XLen(ctx, "stream.orders").Result()
	require.NoError(t, err)
	assert.Zero(t, n, "acked entries are deleted")

	_, err = s.Consume(ctx)
	require.ErrorIs(t, err, ErrNoMessage)
}

func TestStreamNackRedelivers(t *testing.T) {
	_, _, s := newStream(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, sample))
	d, err := s.Consume(ctx)
	require.NoError(t, err)
	require.NoError(t, d.Nack(ctx))

	again, err := s.Consume(ctx)
	require.NoError(t, err, "nacked entry is replayed from the pending list")
	assert.Equal(t, sample, again.Message)
	require.NoError(t, again.Ack(ctx))

	_, err = s.Consume(ctx)
	require.ErrorIs(t, err, ErrNoMessage)
}

func TestStreamRecoversPendingAfterRestart(t *testing.T) {
	_, rdb, s := newStream(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, sample))
	_, err := s.Consume(ctx)
	require.NoError(t, err)
	// 模拟进程在 ack 之前退出：新进程换了消费者名，等 entry 空闲后接管

	restarted, err := NewStream(ctx, rdb, "stream.orders", "g1", "", 50*time.Millisecond, zerolog.Nop(),
		WithClaimIdle(30*time.Millisecond))
	require.NoError(t, err)
	assert.NotEqual(t, "c1", restarted.Consumer())

	time.Sleep(60 * time.Millisecond)
	d, err := restarted.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, sample, d.Message)
	require.NoError(t, d.Ack(ctx))

	_, err = restarted.Consume(ctx)
	require.ErrorIs(t, err, ErrNoMessage)
}

func TestStreamInFlightEntryGoesToOneWorker(t *testing.T) {
	_, rdb, s := newStream(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, sample))
	a, err := s.Consume(ctx)
	require.NoError(t, err)

	// A 仍在处理时，同一消费者名下的 B 拿不到这条 entry
	_, err = s.Consume(ctx)
	require.ErrorIs(t, err, ErrNoMessage)

	require.NoError(t, a.Nack(ctx))
	b, err := s.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, sample, b.Message)

	// 重投只交给 B 一次
	_, err = s.Consume(ctx)
	require.ErrorIs(t, err, ErrNoMessage)

	require.NoError(t, b.Ack(ctx))
	n, err := rdb.XLen(ctx, "stream.orders").Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStreamDoesNotStealBusyEntries(t *testing.T) {
	_, rdb, s := newStream(t)
	ctx := context.Background()

	other, err := NewStream(ctx, rdb, "stream.orders", "g1", "c2", 50*time.Millisecond, zerolog.Nop(),
		WithClaimIdle(time.Minute))
	require.NoError(t, err)

	require.NoError(t, s.Enqueue(ctx, sample))
	d, err := s.Consume(ctx)
	require.NoError(t, err)

	_, err = other.Consume(ctx)
	require.ErrorIs(t, err, ErrNoMessage, "entry is not idle long enough to be taken over")

	require.NoError(t, d.Nack(ctx))
	again, err := s.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, sample, again.Message)
	require.NoError(t, again.Ack(ctx))
}

func TestStreamSkipsNackedEntryTakenOverElsewhere(t *testing.T) {
	_, rdb, s := newStream(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, sample))
	d, err := s.Consume(ctx)
	require.NoError(t, err)

	other, err := NewStream(ctx, rdb, "stream.orders", "g1", "c2", 50*time.Millisecond, zerolog.Nop(),
		WithClaimIdle(20*time.Millisecond))
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)
	taken, err := other.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, sample, taken.Message)

	// 原持有者的迟到 Nack 不会再投递一份
	require.NoError(t, d.Nack(ctx))
	_, err = s.Consume(ctx)
	require.ErrorIs(t, err, ErrNoMessage)

	require.NoError(t, taken.Ack(ctx))
}

func TestDefaultConsumerNameIsUnique(t *testing.T) {
	a, b := DefaultConsumerName(), DefaultConsumerName()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestStreamDropsMalformedEntry(t *testing.T) {
	_, rdb, s := newStream(t)
	ctx := context.Background()

	require.NoError(t, rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: "stream.orders",
		Values: map[string]interface{}{"userId": "abc", "voucherId": "1", "id": "1"},
	}).Err())

	_, err := s.Consume(ctx)
	require.ErrorIs(t, err, ErrMalformed)

	n, err := rdb.XLen(ctx, "stream.orders").Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNewMemoryDriver(t *testing.T) {
	tr, err := New(context.Background(), config.QueueConfig{Driver: "memory", MemoryBuffer: 8}, nil, zerolog.Nop())
	require.NoError(t, err)
	_, ok := tr.(*Memory)
	assert.True(t, ok)

	_, err = New(context.Background(), config.QueueConfig{Driver: "carrier-pigeon"}, nil, zerolog.Nop())
	require.Error(t, err)
}
