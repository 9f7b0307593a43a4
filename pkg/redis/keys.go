package redis

import "fmt"

// StockKey 秒杀券在缓存中的剩余库存。
func StockKey(voucherID int64) string {
	return fmt.Sprintf("seckill:stock:%d", voucherID)
}

// OrderSetKey 已抢到该券的用户 ID 集合，作为一人一单的去重标记。
func OrderSetKey(voucherID int64) string {
	return fmt.Sprintf("seckill:order:%d", voucherID)
}

// WindowKey 秒杀时间窗 hash（begin / end，unix 秒）。
func WindowKey(voucherID int64) string {
	return fmt.Sprintf("seckill:window:%d", voucherID)
}

// CompensationLockKey 标记某个订单是否已做过库存回补。
func CompensationLockKey(orderID int64) string {
	return fmt.Sprintf("seckill:compensated:%d", orderID)
}

// OrderStateKey 存储订单的异步落单状态。
func OrderStateKey(orderID int64) string {
	return fmt.Sprintf("seckill:order:state:%d", orderID)
}

// OrderLockKey 落单时的用户级分布式锁。
func OrderLockKey(userID int64) string {
	return fmt.Sprintf("lock:order:%d", userID)
}

// VoucherCachePrefix 优惠券实体缓存前缀，完整键为 cache:voucher::{id}。
const VoucherCachePrefix = "cache:voucher"

// IDCounterKey 全局 ID 生成器的按天计数键。
func IDCounterKey(tag, day string) string {
	return fmt.Sprintf("icr:%s:%s", tag, day)
}
