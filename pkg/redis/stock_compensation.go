package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// compensateScript 通过 SETNX 锁保证“同一订单只回补一次”：
// 库存 +1，并把用户移出已购集合，让其可以重新抢购。
var compensateScript = rd.NewScript(`
local lockKey = KEYS[1]
local stockKey = KEYS[2]
local orderKey = KEYS[3]
local userId = ARGV[1]
local ttlSec = tonumber(ARGV[2])

if redis.call('SETNX', lockKey, '1') == 1 then
  redis.call('EXPIRE', lockKey, ttlSec)
  redis.call('INCRBY', stockKey, 1)
  redis.call('SREM', orderKey, userId)
  return 1
end
return 0
`)

const compensationMarkTTL = 7 * 24 * time.Hour

// CompensateStockOnce 幂等回补库存：
// - 首次回补返回 true
// - 重复回补返回 false（不会重复加库存）
func CompensateStockOnce(ctx context.Context, rdb rd.Scripter, orderID, voucherID, userID int64) (bool, error) {
	keys := []string{CompensationLockKey(orderID), StockKey(voucherID), OrderSetKey(voucherID)}
	n, err := compensateScript.Run(ctx, rdb, keys, userID, int64(compensationMarkTTL/time.Second)).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
