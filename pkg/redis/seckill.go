package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// SeckillResult 秒杀脚本返回码。
type SeckillResult int

const (
	SeckillAccepted          SeckillResult = 0
	SeckillStockInsufficient SeckillResult = 1
	SeckillDuplicate         SeckillResult = 2
	SeckillNotOnSale         SeckillResult = 3
)

func (r SeckillResult) String() string {
	switch r {
	case SeckillAccepted:
		return "accepted"
	case SeckillStockInsufficient:
		return "stock insufficient"
	case SeckillDuplicate:
		return "duplicate order"
	case SeckillNotOnSale:
		return "not on sale"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// seckillScript：Redis 内原子「校验下架与时间窗 → 校验库存 → 校验一人一单 → 扣减 + 记录用户」
// KEYS[1]=库存key，KEYS[2]=用户集合key，KEYS[3]=时间窗key
// ARGV[1]=userId，ARGV[2]=orderId，ARGV[3]=当前 unix 秒
var seckillScript = rd.NewScript(`
local stockKey = KEYS[1]
local orderKey = KEYS[2]
local windowKey = KEYS[3]
local userId = ARGV[1]
local now = tonumber(ARGV[3])

local window = redis.call('HMGET', windowKey, 'begin', 'end', 'suspended')
if window[3] == '1' then
  return 3
end
if window[1] and window[2] then
  if now < tonumber(window[1]) or now >= tonumber(window[2]) then
    return 3
  end
end

local stock = tonumber(redis.call('GET', stockKey))
if stock == nil or stock <= 0 then
  return 1
end

if redis.call('SISMEMBER', orderKey, userId) == 1 then
  return 2
end

redis.call('DECRBY', stockKey, 1)
redis.call('SADD', orderKey, userId)
return 0
`)

// Seckill 执行原子扣减脚本，返回 0/1/2/3。
func Seckill(ctx context.Context, rdb rd.Scripter, voucherID, userID, orderID int64, now time.Time) (SeckillResult, error) {
	keys := []string{StockKey(voucherID), OrderSetKey(voucherID), WindowKey(voucherID)}
	n, err := seckillScript.Run(ctx, rdb, keys, userID, orderID, now.Unix()).Int()
	if err != nil {
		return 0, fmt.Errorf("seckill script: %w", err)
	}
	return SeckillResult(n), nil
}

// PreloadStock 发布秒杀券时写入缓存库存与时间窗，并清空旧的用户集合。
// 库存键不设 TTL：过期会让后续请求全部判为库存不足。
func PreloadStock(ctx context.Context, rdb rd.Cmdable, voucherID, stock int64, begin, end time.Time) error {
	pipe := rdb.TxPipeline()
	pipe.Set(ctx, StockKey(voucherID), stock, 0)
	pipe.Del(ctx, OrderSetKey(voucherID))
	pipe.HSet(ctx, WindowKey(voucherID), "begin", begin.Unix(), "end", end.Unix())
	_, err := pipe.Exec(ctx)
	return err
}

// SetSuspended 下架后脚本直接返回 3，重新上架恢复时间窗判断。
func SetSuspended(ctx context.Context, rdb rd.Cmdable, voucherID int64, suspended bool) error {
	if suspended {
		return rdb.HSet(ctx, WindowKey(voucherID), "suspended", 1).Err()
	}
	return rdb.HDel(ctx, WindowKey(voucherID), "suspended").Err()
}

// DropVoucher 删除券时清理库存、用户集合与时间窗。
func DropVoucher(ctx context.Context, rdb rd.Cmdable, voucherID int64) error {
	return rdb.Del(ctx, StockKey(voucherID), OrderSetKey(voucherID), WindowKey(voucherID)).Err()
}

// GetStock 读取缓存中的实时库存；found=false 表示未预热。
func GetStock(ctx context.Context, rdb rd.Cmdable, voucherID int64) (int64, bool, error) {
	n, err := rdb.Get(ctx, StockKey(voucherID)).Int64()
	if errors.Is(err, rd.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}
