package queue

import (
	"context"
	"fmt"
	"time"
)

// 订单状态之外的事件类型。
const (
	StatusSlotBooked     = "slot_booked"
	StatusRefundRequired = "refund_required"
)

// OrderEvent 订单状态变化事件：先写入 Redis Stream，再由 Relay 转发到 Kafka。
type OrderEvent struct {
	OrderID    uint      `json:"order_id"`
	OrderCode  string    `json:"order_code"`
	UserID     uint      `json:"user_id"`
	Status     string    `json:"status"`
	SlotID     uint      `json:"slot_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Key Kafka 消息 key，同一订单的事件落在同一分区。
func (e OrderEvent) Key() string { return e.OrderCode }

// Validate 做最小字段校验，防止消费者处理脏消息。
func (e OrderEvent) Validate() error {
	if e.OrderID == 0 {
		return fmt.Errorf("order_id is required")
	}
	if e.OrderCode == "" {
		return fmt.Errorf("order_code is required")
	}
	if e.UserID == 0 {
		return fmt.Errorf("user_id is required")
	}
	if e.Status == "" {
		return fmt.Errorf("status is required")
	}
	return nil
}

// Publisher 业务层依赖的事件出口。事务提交后发布，尽力而为：失败只记日志。
type Publisher interface {
	Publish(ctx context.Context, ev OrderEvent) error
}

// NopPublisher 丢弃所有事件，EVENTS_ENABLED 关闭时使用。
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, OrderEvent) error { return nil }
