package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// rateLimitScript：Redis 滑动窗口限流（原子操作）
// KEYS[1]=限流key，ARGV[1]=当前毫秒，ARGV[2]=窗口毫秒，ARGV[3]=成员，ARGV[4]=上限
// 返回窗口内请求数，超限返回 -1
var rateLimitScript = rd.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)
if count < tonumber(ARGV[4]) then
  redis.call('ZADD', key, now, ARGV[3])
  redis.call('PEXPIRE', key, window)
  return count + 1
end
return -1
`)

// RateLimit 按用户滑动窗口限流，需挂在 Identity 之后；拿不到用户时按 IP。
// Redis 出错时放行。
func RateLimit(rdb rd.Scripter, limit int, window time.Duration, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit <= 0 || window <= 0 {
			c.Next()
			return
		}

		var key string
		if uid, ok := UserID(c); ok {
			key = fmt.Sprintf("rate_limit:seckill:user:%d", uid)
		} else {
			key = fmt.Sprintf("rate_limit:seckill:ip:%s", c.ClientIP())
		}

		now := time.Now().UnixMilli()
		res, err := rateLimitScript.Run(c.Request.Context(), rdb, []string{key},
			now, window.Milliseconds(), uuid.NewString(), limit).Int()
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("rate limit check failed, allow")
			c.Next()
			return
		}
		if res < 0 {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code": 429,
				"msg":  "请求过于频繁，请稍后再试",
			})
			return
		}
		c.Next()
	}
}
