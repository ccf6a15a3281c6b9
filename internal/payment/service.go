// Package payment 对接外部支付网关并对账其状态通知。
package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"preorder/internal/apperr"
	"preorder/internal/auth"
	"preorder/internal/database"
	"preorder/internal/model"
	"preorder/internal/order"
	"preorder/internal/queue"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Locker 同一订单的支付发起串行化。
type Locker interface {
	Acquire(ctx context.Context, orderID uint, token string) (bool, error)
	Release(ctx context.Context, orderID uint, token string) error
}

type Service struct {
	db      *gorm.DB
	gateway Gateway
	lock    Locker
	events  queue.Publisher
	log     *slog.Logger
	now     func() time.Time
}

func NewService(db *gorm.DB, gateway Gateway, lock Locker, events queue.Publisher, log *slog.Logger) *Service {
	return &Service{db: db, gateway: gateway, lock: lock, events: events, log: log, now: time.Now}
}

// Initiate 为已确认订单的可供应部分发起在线支付；网关接受后才落库。
func (s *Service) Initiate(ctx context.Context, actor auth.Actor, orderID uint) (*model.Payment, error) {
	if err := actor.Authorize(auth.ActionPayOrder); err != nil {
		return nil, err
	}

	var o model.Order
	err := s.db.WithContext(ctx).Preload("User").Preload("Items.Meal").First(&o, orderID).Error
	if err != nil {
		if database.IsNotFound(err) {
			return nil, apperr.NotFound(fmt.Sprintf("order %d not found", orderID))
		}
		return nil, fmt.Errorf("load order: %w", err)
	}
	if !actor.Owns(o.UserID) {
		return nil, apperr.Forbidden("you can only pay for your own orders")
	}
	if o.PaymentMethod != model.PaymentOnline {
		return nil, apperr.Wrap(apperr.ErrNotPayable, fmt.Sprintf("order %s is a cash order and is paid at collection", o.OrderCode))
	}
	if o.Status != model.OrderConfirmed {
		return nil, apperr.Wrap(apperr.ErrNotPayable, fmt.Sprintf("order %s is %s; only confirmed orders can be paid", o.OrderCode, o.Status))
	}

	req := Request{Reference: strconv.FormatUint(uint64(o.ID), 10), Amount: o.AvailableTotal()}
	if o.User != nil {
		req.PayerEmail = o.User.Email
	}
	for _, it := range o.AvailableItems() {
		name := fmt.Sprintf("meal %d", it.MealID)
		if it.Meal != nil {
			name = it.Meal.Name
		}
		req.Items = append(req.Items, LineItem{Name: name, UnitPrice: it.Price, Quantity: it.Quantity})
	}
	if len(req.Items) == 0 || !req.Amount.IsPositive() {
		return nil, apperr.Wrap(apperr.ErrNothingToCharge, fmt.Sprintf("order %s has no available items to charge", o.OrderCode))
	}

	token := uuid.NewString()
	ok, err := s.lock.Acquire(ctx, o.ID, token)
	if err != nil {
		return nil, fmt.Errorf("acquire payment lock: %w", err)
	}
	if !ok {
		return nil, apperr.ErrPaymentInProgress
	}
	defer func() {
		if err := s.lock.Release(context.WithoutCancel(ctx), o.ID, token); err != nil {
			s.log.Warn("payment_lock_release_failed", "order_id", o.ID, "error", err)
		}
	}()

	resp, err := s.gateway.Initiate(ctx, req)
	if err != nil {
		s.log.Error("payment_gateway_failed", "order_id", o.ID, "order_code", o.OrderCode, "amount", req.Amount.String(), "error", err)
		return nil, apperr.WithCause(apperr.ErrPaymentUnavailable, err)
	}

	raw, err := json.Marshal(resp.Raw)
	if err != nil {
		return nil, fmt.Errorf("encode gateway response: %w", err)
	}
	p := model.Payment{
		OrderID:       o.ID,
		PaymentMethod: model.PaymentOnline,
		Amount:        req.Amount,
		Status:        model.PaymentPending,
		Hash:          uuid.NewString(),
		PaymentURL:    resp.RedirectURL,
		PollURL:       resp.PollURL,
		RawResponse:   datatypes.JSON(raw),
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&model.Order{}).Where("id = ? AND status = ?", o.ID, model.OrderConfirmed).Count(&n).Error; err != nil {
			return fmt.Errorf("recheck order: %w", err)
		}
		if n == 0 {
			return apperr.Wrap(apperr.ErrNotPayable, fmt.Sprintf("order %s changed while the payment was being started", o.OrderCode))
		}
		return tx.Create(&p).Error
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("payment_initiated", "payment_id", p.ID, "order_id", o.ID, "order_code", o.OrderCode, "amount", p.Amount.String())
	return &p, nil
}

// HandleCallback 把网关推送应用到对应订单的最新一笔支付；重复推送无副作用且返回成功。
func (s *Service) HandleCallback(ctx context.Context, body []byte) (*model.Payment, error) {
	cb, err := s.gateway.VerifyCallback(body)
	if err != nil {
		s.log.Warn("payment_callback_rejected", "error", err)
		return nil, apperr.WithCause(apperr.ErrInvalidCallback, err)
	}
	orderID, err := strconv.ParseUint(strings.TrimSpace(cb.Reference), 10, 64)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrPaymentNotFound, fmt.Sprintf("no payment for reference %q", cb.Reference))
	}
	return s.reconcile(ctx, cb, func(tx *gorm.DB) (model.Payment, error) {
		var p model.Payment
		err := tx.Where("order_id = ?", orderID).Order("id DESC").First(&p).Error
		if database.IsNotFound(err) {
			return p, apperr.Wrap(apperr.ErrPaymentNotFound, fmt.Sprintf("no payment for order %d", orderID))
		}
		return p, err
	})
}

// Poll 主动查询单笔支付状态，走与回调相同的对账路径。
func (s *Service) Poll(ctx context.Context, actor auth.Actor, paymentID uint) (*model.Payment, error) {
	if err := actor.Authorize(auth.ActionViewOrder); err != nil {
		return nil, err
	}
	var p model.Payment
	if err := s.db.WithContext(ctx).First(&p, paymentID).Error; err != nil {
		if database.IsNotFound(err) {
			return nil, apperr.Wrap(apperr.ErrPaymentNotFound, fmt.Sprintf("payment %d not found", paymentID))
		}
		return nil, fmt.Errorf("load payment: %w", err)
	}
	if err := s.checkOwner(ctx, actor, p.OrderID); err != nil {
		return nil, err
	}
	if p.PollURL == "" {
		return &p, nil
	}

	cb, err := s.gateway.Poll(ctx, p.PollURL)
	if err != nil {
		s.log.Error("payment_poll_failed", "payment_id", p.ID, "error", err)
		return nil, apperr.WithCause(apperr.ErrPaymentUnavailable, err)
	}
	return s.reconcile(ctx, cb, func(tx *gorm.DB) (model.Payment, error) {
		var fresh model.Payment
		return fresh, tx.First(&fresh, p.ID).Error
	})
}

func (s *Service) ListForOrder(ctx context.Context, actor auth.Actor, orderID uint) ([]model.Payment, error) {
	if err := actor.Authorize(auth.ActionViewOrder); err != nil {
		return nil, err
	}
	if err := s.checkOwner(ctx, actor, orderID); err != nil {
		return nil, err
	}
	var list []model.Payment
	if err := s.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return list, nil
}

// reconcile 在一个事务内应用网关状态；每个更新都带状态守卫，重复回调不会产生第二次副作用。
func (s *Service) reconcile(ctx context.Context, cb Callback, resolve func(tx *gorm.DB) (model.Payment, error)) (*model.Payment, error) {
	status := NormalizeStatus(cb.Status)
	payload, err := json.Marshal(cb.Raw)
	if err != nil {
		return nil, fmt.Errorf("encode callback: %w", err)
	}

	var (
		p          model.Payment
		o          model.Order
		orderReady bool
		newlyPaid  bool
	)
	now := s.now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if p, err = resolve(tx); err != nil {
			return err
		}

		values := map[string]any{"status": status, "callback_payload": datatypes.JSON(payload), "updated_at": now}
		if status == model.PaymentPaid {
			values["paid_at"] = now
		}
		// 已支付的记录不会被后续回调降级；与目标状态相同时视为重放。
		res := tx.Model(&model.Payment{}).
			Where("id = ? AND status <> ? AND status <> ?", p.ID, status, model.PaymentPaid).
			UpdateColumns(values)
		if res.Error != nil {
			return fmt.Errorf("update payment: %w", res.Error)
		}
		newlyPaid = status == model.PaymentPaid && res.RowsAffected == 1

		if status == model.PaymentPaid {
			if orderReady, err = order.MarkPaid(tx, p.OrderID, now); err != nil {
				return err
			}
		}
		if err := tx.First(&p, p.ID).Error; err != nil {
			return fmt.Errorf("reload payment: %w", err)
		}
		return tx.First(&o, p.OrderID).Error
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("payment_reconciled", "payment_id", p.ID, "order_id", p.OrderID, "gateway_status", cb.Status,
		"status", p.Status, "order_ready", orderReady)
	switch {
	case orderReady:
		s.publish(ctx, o, string(model.OrderReady), now)
	case newlyPaid && o.Status != model.OrderReady && o.Status != model.OrderCompleted:
		// 钱已收到但订单不会再出餐，需要人工退款；回调仍返回成功，避免网关重试。
		s.log.Error("payment_paid_on_inactive_order", "payment_id", p.ID, "order_id", o.ID, "order_code", o.OrderCode,
			"order_status", o.Status, "amount", p.Amount.String())
		s.publish(ctx, o, queue.StatusRefundRequired, now)
	}
	return &p, nil
}

func (s *Service) publish(ctx context.Context, o model.Order, status string, at time.Time) {
	ev := queue.OrderEvent{OrderID: o.ID, OrderCode: o.OrderCode, UserID: o.UserID, Status: status, OccurredAt: at}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.log.Error("order_event_publish_failed", "order_id", o.ID, "status", status, "error", err)
	}
}

func (s *Service) checkOwner(ctx context.Context, actor auth.Actor, orderID uint) error {
	var o model.Order
	if err := s.db.WithContext(ctx).Select("id", "user_id").First(&o, orderID).Error; err != nil {
		if database.IsNotFound(err) {
			return apperr.NotFound(fmt.Sprintf("order %d not found", orderID))
		}
		return fmt.Errorf("load order: %w", err)
	}
	if actor.Role == model.RoleCustomer && !actor.Owns(o.UserID) {
		return apperr.Forbidden("you can only view payments of your own orders")
	}
	return nil
}

// NormalizeStatus 网关状态文案映射为支付状态；已结算视为 paid，未知值转小写原样保留。
func NormalizeStatus(s string) model.PaymentStatus {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "paid", "awaiting delivery", "delivered":
		return model.PaymentPaid
	case "cancelled", "canceled":
		return model.PaymentCancelled
	case "failed":
		return model.PaymentFailed
	default:
		return model.PaymentStatus(v)
	}
}
