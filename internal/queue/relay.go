package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// Relay 将 Redis Stream 事件异步转发到 Kafka。
// 语义：发布 Kafka 成功后才 ACK Stream，失败则保留消息等待重试。
type Relay struct {
	rdb  *rd.Client
	sink Publisher
	log  *slog.Logger

	stream   string
	group    string
	consumer string
}

func NewRelay(rdb *rd.Client, sink Publisher, log *slog.Logger, stream, group, consumer string) *Relay {
	return &Relay{
		rdb:      rdb,
		sink:     sink,
		log:      log,
		stream:   stream,
		group:    group,
		consumer: consumer,
	}
}

func (r *Relay) Run(ctx context.Context) {
	if err := r.ensureGroup(ctx); err != nil {
		r.log.Error("relay_ensure_group_failed", "stream", r.stream, "error", err)
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.drain(ctx, 2*time.Second); err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			r.log.Warn("relay_iteration_failed", "error", err)
			time.Sleep(300 * time.Millisecond)
		}
	}
}

// drain 处理一批消息：先处理本消费者的历史 pending，再阻塞读取新消息。
// 返回成功转发的条数；某条发布失败时停止本批，未 ACK 的消息下次重试。
func (r *Relay) drain(ctx context.Context, block time.Duration) (int, error) {
	msgs, err := r.readGroup(ctx, "0", 0)
	if err != nil {
		return 0, fmt.Errorf("read pending: %w", err)
	}
	if len(msgs) == 0 {
		msgs, err = r.readGroup(ctx, ">", block)
		if err != nil {
			return 0, fmt.Errorf("read new: %w", err)
		}
	}

	forwarded := 0
	for _, xm := range msgs {
		ok, err := r.processOne(ctx, xm)
		if err != nil {
			// 发布失败不 ACK，消息会继续保留用于重试。
			return forwarded, fmt.Errorf("process message id=%s: %w", xm.ID, err)
		}
		if ok {
			forwarded++
		}
	}
	return forwarded, nil
}

func (r *Relay) ensureGroup(ctx context.Context) error {
	err := r.rdb.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (r *Relay) readGroup(ctx context.Context, streamID string, block time.Duration) ([]rd.XMessage, error) {
	args := &rd.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{r.stream, streamID},
		Count:    16,
		Block:    block,
		NoAck:    false,
	}
	if block <= 0 {
		args.Block = -1
	}
	streams, err := r.rdb.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]rd.XMessage, 0, 16)
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (r *Relay) processOne(ctx context.Context, xm rd.XMessage) (bool, error) {
	ev, err := parseOrderEvent(xm.Values)
	if err != nil {
		// 脏消息直接 ACK 丢弃，避免阻塞队列。
		r.log.Warn("relay_drop_malformed", "id", xm.ID, "error", err)
		if ackErr := r.ackAndDelete(ctx, xm.ID); ackErr != nil {
			return false, fmt.Errorf("parse failed: %v, ack failed: %w", err, ackErr)
		}
		return false, nil
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.sink.Publish(pubCtx, ev); err != nil {
		return false, err
	}
	return true, r.ackAndDelete(ctx, xm.ID)
}

func (r *Relay) ackAndDelete(ctx context.Context, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.XAck(ctx, r.stream, r.group, id)
	pipe.XDel(ctx, r.stream, id)
	_, err := pipe.Exec(ctx)
	return err
}

func parseOrderEvent(values map[string]interface{}) (OrderEvent, error) {
	orderStr, err := getStreamString(values, "order_id")
	if err != nil {
		return OrderEvent{}, err
	}
	code, err := getStreamString(values, "order_code")
	if err != nil {
		return OrderEvent{}, err
	}
	userStr, err := getStreamString(values, "user_id")
	if err != nil {
		return OrderEvent{}, err
	}
	status, err := getStreamString(values, "status")
	if err != nil {
		return OrderEvent{}, err
	}
	atStr, err := getStreamString(values, "occurred_at")
	if err != nil {
		return OrderEvent{}, err
	}

	orderID, err := strconv.ParseUint(orderStr, 10, 64)
	if err != nil {
		return OrderEvent{}, fmt.Errorf("invalid order_id %q", orderStr)
	}
	userID, err := strconv.ParseUint(userStr, 10, 64)
	if err != nil {
		return OrderEvent{}, fmt.Errorf("invalid user_id %q", userStr)
	}
	at, err := time.Parse(time.RFC3339Nano, atStr)
	if err != nil {
		return OrderEvent{}, fmt.Errorf("invalid occurred_at %q", atStr)
	}
	var slotID uint64
	if s, err := getStreamString(values, "slot_id"); err == nil {
		if slotID, err = strconv.ParseUint(s, 10, 64); err != nil {
			return OrderEvent{}, fmt.Errorf("invalid slot_id %q", s)
		}
	}

	ev := OrderEvent{
		OrderID:    uint(orderID),
		OrderCode:  code,
		UserID:     uint(userID),
		Status:     status,
		SlotID:     uint(slotID),
		OccurredAt: at,
	}
	if err := ev.Validate(); err != nil {
		return OrderEvent{}, err
	}
	return ev, nil
}

func getStreamString(values map[string]interface{}, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}
