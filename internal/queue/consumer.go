package queue

import (
	"context"
	"log/slog"

	"github.com/segmentio/kafka-go"
)

// Consumer 读取订单事件并生成面向顾客的通知。
type Consumer struct {
	r   *kafka.Reader
	log *slog.Logger
}

func NewConsumer(brokers []string, topic, groupID string, log *slog.Logger) *Consumer {
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
		}),
		log: log,
	}
}

func (c *Consumer) Close() error { return c.r.Close() }

func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.r.ReadMessage(ctx)
		if err != nil {
			return // ctx cancel / 连接断开等
		}

		ev, err := decodeMessage(m)
		if err != nil {
			c.log.Warn("consumer_invalid_event", "partition", m.Partition, "offset", m.Offset, "error", err)
			continue
		}
		if text, ok := Notification(ev); ok {
			c.log.Info("customer_notification", "user_id", ev.UserID, "order_code", ev.OrderCode, "text", text)
		}
	}
}

// Notification 生成顾客看到的通知文案；与顾客无关的事件返回 ok=false。
func Notification(ev OrderEvent) (string, bool) {
	switch ev.Status {
	case "confirmed":
		return "Order " + ev.OrderCode + " has been confirmed by the kitchen", true
	case "preparing":
		return "Order " + ev.OrderCode + " is being prepared", true
	case "ready":
		return "Order " + ev.OrderCode + " is ready for collection", true
	case StatusSlotBooked:
		return "Collection slot booked for order " + ev.OrderCode, true
	case "cancelled":
		return "Order " + ev.OrderCode + " has been cancelled", true
	case StatusRefundRequired:
		return "Payment for order " + ev.OrderCode + " arrived after the order was closed. A refund will be arranged", true
	case "completed":
		return "Order " + ev.OrderCode + " has been collected. Enjoy your meal", true
	default:
		return "", false
	}
}
