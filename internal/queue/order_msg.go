package queue

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed 消息体无法解析或字段非法。传输层会先 ACK 再返回该错误，消息不会重投。
var ErrMalformed = errors.New("queue: malformed message")

// OrderMessage 异步落单消息：抢购通过缓存校验后由请求侧发出。
type OrderMessage struct {
	UserID    int64 `json:"userId"`
	VoucherID int64 `json:"voucherId"`
	OrderID   int64 `json:"id"`
}

// Validate 做最小字段校验，防止消费者处理脏消息。
func (m OrderMessage) Validate() error {
	if m.UserID <= 0 {
		return fmt.Errorf("userId must be > 0")
	}
	if m.VoucherID <= 0 {
		return fmt.Errorf("voucherId must be > 0")
	}
	if m.OrderID <= 0 {
		return fmt.Errorf("id must be > 0")
	}
	return nil
}

func encodeMessage(m OrderMessage) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func decodeMessage(body []byte) (OrderMessage, error) {
	var m OrderMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return OrderMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.Validate(); err != nil {
		return OrderMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}
