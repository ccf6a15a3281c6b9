package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// luaReleaseIfMatch 仅当锁值匹配 token 时才删除，避免误删已过期后被他人重新持有的锁。
const luaReleaseIfMatch = `
local lockKey = KEYS[1]
local token = ARGV[1]
if redis.call('GET', lockKey) == token then
  return redis.call('DEL', lockKey)
end
return 0
`

// PaymentLock 是订单级的支付发起互斥锁。
type PaymentLock struct {
	rdb *rd.Client
	ttl time.Duration
}

func NewPaymentLock(rdb *rd.Client, ttl time.Duration) *PaymentLock {
	return &PaymentLock{rdb: rdb, ttl: ttl}
}

// Acquire 尝试占锁；ok=false 表示已有请求在发起该订单的支付。
func (l *PaymentLock) Acquire(ctx context.Context, orderID uint, token string) (bool, error) {
	return l.rdb.SetNX(ctx, PaymentLockKey(orderID), token, l.ttl).Result()
}

// Release 安全释放锁。
func (l *PaymentLock) Release(ctx context.Context, orderID uint, token string) error {
	_, err := l.rdb.Eval(ctx, luaReleaseIfMatch, []string{PaymentLockKey(orderID)}, token).Int()
	return err
}
