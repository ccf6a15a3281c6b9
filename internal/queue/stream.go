package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// StreamPublisher 把订单事件追加到 Redis Stream，由 Relay 异步转发到 Kafka。
// 请求路径只依赖 Redis，Kafka 抖动不会拖慢下单与支付。
type StreamPublisher struct {
	rdb    *rd.Client
	stream string
	maxLen int64
}

func NewStreamPublisher(rdb *rd.Client, stream string) *StreamPublisher {
	return &StreamPublisher{rdb: rdb, stream: stream, maxLen: 100000}
}

func (p *StreamPublisher) Publish(ctx context.Context, ev OrderEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	err := p.rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: streamValues(ev),
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

func streamValues(ev OrderEvent) map[string]any {
	return map[string]any{
		"order_id":    strconv.FormatUint(uint64(ev.OrderID), 10),
		"order_code":  ev.OrderCode,
		"user_id":     strconv.FormatUint(uint64(ev.UserID), 10),
		"status":      ev.Status,
		"slot_id":     strconv.FormatUint(uint64(ev.SlotID), 10),
		"occurred_at": ev.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
}
