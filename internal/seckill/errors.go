package seckill

import "errors"

// 容量类错误直接返回给买家，不重试。
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrStockInsufficient = errors.New("stock insufficient")
	ErrDuplicateOrder    = errors.New("duplicate order")
	ErrNotOnSale         = errors.New("voucher not on sale")
)

var (
	// ErrEnqueueFailed 缓存已接受但消息没发出去，库存已回补。
	ErrEnqueueFailed  = errors.New("order enqueue failed")
	ErrOrderNotFound  = errors.New("order not found")
	// ErrOrderCancelled 订单号对应的订单已取消。
	ErrOrderCancelled = errors.New("order cancelled")
)
