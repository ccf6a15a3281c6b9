package redis

import "fmt"

// PaymentLockKey 标记某订单正在发起在线支付，防止并发重复下单到网关。
func PaymentLockKey(orderID uint) string {
	return fmt.Sprintf("preorder:payment:lock:%d", orderID)
}

// RateLimitKey 按接口作用域与用户划分限流窗口。
func RateLimitKey(scope string, userID uint) string {
	return fmt.Sprintf("preorder:rate_limit:%s:user:%d", scope, userID)
}

// RateLimitIPKey 未登录请求按 IP 限流。
func RateLimitIPKey(scope, ip string) string {
	return fmt.Sprintf("preorder:rate_limit:%s:ip:%s", scope, ip)
}
