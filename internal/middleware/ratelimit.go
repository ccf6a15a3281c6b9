package middleware

import (
	"net/http"
	"strconv"
	"time"

	"preorder/internal/auth"
	pkgredis "preorder/pkg/redis"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
)

// rateLimitScript：滑动窗口限流，ZSET 成员按毫秒时间戳打分。
// KEYS[1]=限流key，ARGV[1]=当前毫秒，ARGV[2]=窗口起点毫秒，ARGV[3]=窗口秒数
// ARGV[4]=本次请求成员，ARGV[5]=窗口内上限
// 返回：当前窗口内的请求数（超限返回 -1）
var rateLimitScript = rd.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowStart = tonumber(ARGV[2])
local windowSec = tonumber(ARGV[3])
local member = ARGV[4]

-- 删除窗口外的旧记录
redis.call('ZREMRANGEBYSCORE', key, '0', windowStart)

-- 统计当前窗口内的请求数
local count = redis.call('ZCARD', key)

-- 添加当前请求（如果还没超限）
if count < tonumber(ARGV[5]) then
  redis.call('ZADD', key, now, member)
  redis.call('EXPIRE', key, windowSec)
  return count + 1
else
  return -1
end
`)

// RedisRateLimit 按登录用户做滑动窗口限流；必须挂在 JWT 中间件之后。
// scope 区分不同接口（支付发起、时段预约），互不占用额度。
func RedisRateLimit(rdb *rd.Client, scope string, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		var key string
		if actor, ok := auth.ActorFrom(c); ok && actor.UserID > 0 {
			key = pkgredis.RateLimitKey(scope, actor.UserID)
		} else {
			// 未登录时降级：按 IP 限流
			key = pkgredis.RateLimitIPKey(scope, c.ClientIP())
		}

		now := time.Now()
		windowSec := max(int64(window/time.Second), 1)
		member := uuid.NewString()

		res, err := rateLimitScript.Run(c.Request.Context(), rdb, []string{key},
			now.UnixMilli(), now.Add(-window).UnixMilli(), windowSec, member, limit).Int()
		if err != nil {
			// Redis 不可用时放行
			c.Next()
			return
		}

		if res < 0 {
			c.Header("Retry-After", strconv.FormatInt(windowSec, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":  http.StatusTooManyRequests,
				"msg":   "too many requests, please try again later",
				"error": "rate_limited",
			})
			return
		}
		c.Next()
	}
}
