package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

const headerStatus = "order-status"

// Producer 是 Relay 的 Kafka 出口：每条订单事件写成一条消息。
type Producer struct {
	w *kafka.Writer
}

// NewProducer 按订单号 Hash 分区，同一订单的事件保持有序；
// RequireAll 等待 ISR 全部确认后才算写入成功，Relay 才会 ACK 流消息。
func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Compression:  kafka.Snappy,
			MaxAttempts:  5,
			WriteTimeout: 5 * time.Second,
			BatchTimeout: 20 * time.Millisecond,
		},
	}
}

func (p *Producer) Close() error { return p.w.Close() }

// Publish 同步写入，返回 nil 即表示 broker 已确认。
func (p *Producer) Publish(ctx context.Context, ev OrderEvent) error {
	m, err := encodeMessage(ev)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, m)
}

// encodeMessage 把事件编码为 Kafka 消息，状态同时放进 header，
// 下游可以不解 body 就按状态过滤。
func encodeMessage(ev OrderEvent) (kafka.Message, error) {
	if err := ev.Validate(); err != nil {
		return kafka.Message{}, fmt.Errorf("invalid order event: %w", err)
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:     []byte(ev.Key()),
		Value:   b,
		Time:    ev.OccurredAt,
		Headers: []kafka.Header{{Key: headerStatus, Value: []byte(ev.Status)}},
	}, nil
}

// decodeMessage 是 encodeMessage 的逆过程；header 与 body 状态不一致视为脏消息。
func decodeMessage(m kafka.Message) (OrderEvent, error) {
	var ev OrderEvent
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		return OrderEvent{}, fmt.Errorf("unmarshal order event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return OrderEvent{}, err
	}
	for _, h := range m.Headers {
		if h.Key == headerStatus && string(h.Value) != ev.Status {
			return OrderEvent{}, fmt.Errorf("status header %q does not match body %q", h.Value, ev.Status)
		}
	}
	return ev, nil
}
