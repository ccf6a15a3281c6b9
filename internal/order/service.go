// Package order 订单聚合及其状态机。
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"preorder/internal/apperr"
	"preorder/internal/auth"
	"preorder/internal/database"
	"preorder/internal/inventory"
	"preorder/internal/model"
	"preorder/internal/queue"

	"gorm.io/gorm"
)

type Service struct {
	db     *gorm.DB
	events queue.Publisher
	log    *slog.Logger

	codes        CodeGenerator
	consumeStock bool
	now          func() time.Time
}

type Option func(*Service)

// WithCodeGenerator 替换取餐码生成器（测试用）。
func WithCodeGenerator(g CodeGenerator) Option { return func(s *Service) { s.codes = g } }

// WithStockConsumption 确认时扣减餐品与原料库存，已确认订单取消时退回。
func WithStockConsumption(on bool) Option { return func(s *Service) { s.consumeStock = on } }

func NewService(db *gorm.DB, events queue.Publisher, log *slog.Logger, opts ...Option) *Service {
	s := &Service{db: db, events: events, log: log, codes: RandomCode, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type ItemInput struct {
	MealID   uint `json:"meal_id" binding:"required"`
	Quantity int  `json:"quantity" binding:"required"`
}

type CreateInput struct {
	PaymentMethod model.PaymentMethod `json:"payment_method" binding:"required"`
	Instructions  string              `json:"instructions"`
	Items         []ItemInput         `json:"items" binding:"required"`
}

func (in CreateInput) validate() error {
	if len(in.Items) == 0 {
		return apperr.Validation("an order needs at least one item")
	}
	for i, it := range in.Items {
		if it.MealID == 0 {
			return apperr.Validation(fmt.Sprintf("item %d: meal_id is required", i+1))
		}
		if it.Quantity < 1 {
			return apperr.Validation(fmt.Sprintf("item %d: quantity must be at least 1", i+1))
		}
	}
	if !in.PaymentMethod.Valid() {
		return apperr.Validation(fmt.Sprintf("payment_method must be %s or %s", model.PaymentCash, model.PaymentOnline))
	}
	if utf8.RuneCountInString(in.Instructions) > model.MaxInstructionsSize {
		return apperr.Validation(fmt.Sprintf("instructions must be at most %d characters", model.MaxInstructionsSize))
	}
	return nil
}

// Create 创建 pending 订单；价格在此刻从目录复制，之后改价不影响。
func (s *Service) Create(ctx context.Context, actor auth.Actor, in CreateInput) (*model.Order, error) {
	if err := actor.Authorize(auth.ActionCreateOrder); err != nil {
		return nil, err
	}
	in.Instructions = strings.TrimSpace(in.Instructions)
	if err := in.validate(); err != nil {
		return nil, err
	}

	var created model.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := make([]uint, 0, len(in.Items))
		for _, it := range in.Items {
			ids = append(ids, it.MealID)
		}
		var meals []model.Meal
		if err := tx.Where("id IN ?", ids).Find(&meals).Error; err != nil {
			return fmt.Errorf("load meals: %w", err)
		}
		byID := make(map[uint]model.Meal, len(meals))
		for _, m := range meals {
			byID[m.ID] = m
		}

		var initial model.Status
		if err := tx.Where("name = ?", model.DefaultItemStatuses[0]).First(&initial).Error; err != nil {
			return fmt.Errorf("load default item status: %w", err)
		}

		items := make([]model.OrderItem, 0, len(in.Items))
		for _, it := range in.Items {
			meal, ok := byID[it.MealID]
			if !ok {
				return apperr.Validation(fmt.Sprintf("meal %d does not exist", it.MealID))
			}
			items = append(items, model.OrderItem{
				MealID:   meal.ID,
				Price:    meal.Price,
				Quantity: it.Quantity,
				StatusID: initial.ID,
			})
		}

		o, err := s.insertWithUniqueCode(tx, actor.UserID, in, items)
		if err != nil {
			return err
		}
		created = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("order_created", "order_id", created.ID, "order_code", created.OrderCode, "user_id", created.UserID,
		"items", len(created.Items), "total", created.Total().String(), "payment_method", created.PaymentMethod)
	s.publish(ctx, created, string(model.OrderPending))
	return &created, nil
}

// insertWithUniqueCode 每次尝试都在 savepoint 内插入；唯一索引冲突只回滚该次尝试并换一个订单号。
func (s *Service) insertWithUniqueCode(tx *gorm.DB, userID uint, in CreateInput, items []model.OrderItem) (model.Order, error) {
	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		code, err := s.codes()
		if err != nil {
			return model.Order{}, fmt.Errorf("generate order code: %w", err)
		}
		o := model.Order{
			UserID:        userID,
			OrderCode:     code,
			PaymentMethod: in.PaymentMethod,
			Instructions:  in.Instructions,
			Status:        model.OrderPending,
			Items:         append([]model.OrderItem(nil), items...),
		}
		err = tx.Transaction(func(sp *gorm.DB) error { return sp.Create(&o).Error })
		if err == nil {
			return o, nil
		}
		if !database.IsUniqueViolation(err) {
			return model.Order{}, fmt.Errorf("create order: %w", err)
		}
		s.log.Warn("order_code_collision", "code", code, "attempt", attempt)
	}
	return model.Order{}, apperr.ErrOrderCodeExhausted
}

// Confirm 确认订单：pending -> confirmed。
func (s *Service) Confirm(ctx context.Context, actor auth.Actor, id uint) (*model.Order, error) {
	return s.transition(ctx, actor, id, auth.ActionConfirmOrder, model.OrderConfirmed, nil,
		func(tx *gorm.DB, o *model.Order) error {
			if !s.consumeStock {
				return nil
			}
			items := o.AvailableItems()
			if err := inventory.ConsumeForOrder(tx, items); err != nil {
				return err
			}
			return markStockConsumed(tx, items, true)
		})
}

// StartPreparing 开始制作：confirmed -> preparing。
func (s *Service) StartPreparing(ctx context.Context, actor auth.Actor, id uint) (*model.Order, error) {
	return s.transition(ctx, actor, id, auth.ActionPrepareOrder, model.OrderPreparing, nil, nil)
}

// MarkReady 现金订单置为 ready；在线支付订单只能由支付回调推进。
func (s *Service) MarkReady(ctx context.Context, actor auth.Actor, id uint) (*model.Order, error) {
	return s.transition(ctx, actor, id, auth.ActionMarkOrderReady, model.OrderReady,
		func(_ *gorm.DB, o *model.Order) error {
			if o.PaymentMethod != model.PaymentCash {
				return apperr.Wrap(apperr.ErrPaymentRequired, fmt.Sprintf("order %s is paid online; it becomes ready once the payment is confirmed", o.OrderCode))
			}
			return nil
		}, nil)
}

// Complete 顾客取餐：ready -> completed。
func (s *Service) Complete(ctx context.Context, actor auth.Actor, id uint) (*model.Order, error) {
	return s.transition(ctx, actor, id, auth.ActionCompleteOrder, model.OrderCompleted, nil, nil)
}

// Cancel 顾客只能取消自己 pending 的订单，员工可取消 ready 之前的订单；
// 未完成的支付随之取消。
func (s *Service) Cancel(ctx context.Context, actor auth.Actor, id uint) (*model.Order, error) {
	return s.transition(ctx, actor, id, auth.ActionCancelOrder, model.OrderCancelled,
		func(_ *gorm.DB, o *model.Order) error {
			if actor.Role == model.RoleCustomer && o.Status != model.OrderPending {
				return apperr.Wrap(apperr.ErrInvalidTransition, fmt.Sprintf("order %s is %s; only pending orders can be cancelled by the customer", o.OrderCode, o.Status))
			}
			return nil
		},
		func(tx *gorm.DB, o *model.Order) error {
			res := tx.Model(&model.Payment{}).
				Where("order_id = ? AND status = ?", o.ID, model.PaymentPending).
				UpdateColumns(map[string]any{"status": model.PaymentCancelled, "updated_at": s.now()})
			if res.Error != nil {
				return fmt.Errorf("cancel pending payments: %w", res.Error)
			}
			// 退回确认时实际扣减的部分，与之后的可供应标记无关。
			consumed := o.ConsumedItems()
			if err := inventory.RestoreForOrder(tx, consumed); err != nil {
				return err
			}
			return markStockConsumed(tx, consumed, false)
		})
}

func markStockConsumed(tx *gorm.DB, items []model.OrderItem, consumed bool) error {
	if len(items) == 0 {
		return nil
	}
	ids := make([]uint, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	res := tx.Model(&model.OrderItem{}).Where("id IN ?", ids).UpdateColumn("stock_consumed", consumed)
	if res.Error != nil {
		return fmt.Errorf("mark stock consumed: %w", res.Error)
	}
	return nil
}

type hook func(tx *gorm.DB, o *model.Order) error

// transition 统一的状态流转：权限 -> 归属 -> 状态表校验 -> 条件更新（WHERE status=当前状态）-> 附带动作，全部在一个事务内。
func (s *Service) transition(ctx context.Context, actor auth.Actor, id uint, action auth.Action, to model.OrderStatus, check, after hook) (*model.Order, error) {
	if err := actor.Authorize(action); err != nil {
		return nil, err
	}

	var o model.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Preload("Items").First(&o, id).Error; err != nil {
			if database.IsNotFound(err) {
				return apperr.NotFound(fmt.Sprintf("order %d not found", id))
			}
			return fmt.Errorf("load order: %w", err)
		}
		if actor.Role == model.RoleCustomer && !actor.Owns(o.UserID) {
			return apperr.Forbidden("you can only change your own orders")
		}
		if check != nil {
			if err := check(tx, &o); err != nil {
				return err
			}
		}
		if !model.CanTransition(o.Status, to) {
			return apperr.Wrap(apperr.ErrInvalidTransition, fmt.Sprintf("order %s cannot move from %s to %s", o.OrderCode, o.Status, to))
		}

		res := tx.Model(&model.Order{}).
			Where("id = ? AND status = ?", o.ID, o.Status).
			UpdateColumns(map[string]any{"status": to, "updated_at": s.now()})
		if res.Error != nil {
			return fmt.Errorf("update order status: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.Wrap(apperr.ErrInvalidTransition, fmt.Sprintf("order %s changed concurrently; reload and retry", o.OrderCode))
		}
		prev := o.Status
		o.Status = to
		if after != nil {
			if err := after(tx, &o); err != nil {
				return err
			}
		}
		s.log.Debug("order_transition", "order_id", o.ID, "from", prev, "to", to)
		return nil
	})
	if err != nil {
		if !isExpected(err) {
			s.log.Error("order_transition_failed", "order_id", id, "to", to, "error", err)
		}
		return nil, err
	}

	s.log.Info("order_status_changed", "order_id", o.ID, "order_code", o.OrderCode, "status", o.Status,
		"actor_id", actor.UserID, "actor_role", actor.Role)
	s.publish(ctx, o, string(o.Status))
	return &o, nil
}

// SetItemAvailability 记录厨房能否供应某订单项；不改订单状态，available_total 随之变化。
func (s *Service) SetItemAvailability(ctx context.Context, actor auth.Actor, orderID, itemID uint, available bool) (*model.Order, error) {
	return s.updateItem(ctx, actor, auth.ActionSetItemAvailability, orderID, itemID, func(tx *gorm.DB) (map[string]any, error) {
		return map[string]any{"is_available": available}, nil
	})
}

// SetItemStatus 更新订单项的后厨子状态（pending、preparing、done）。
func (s *Service) SetItemStatus(ctx context.Context, actor auth.Actor, orderID, itemID uint, statusName string) (*model.Order, error) {
	statusName = strings.ToLower(strings.TrimSpace(statusName))
	return s.updateItem(ctx, actor, auth.ActionSetItemStatus, orderID, itemID, func(tx *gorm.DB) (map[string]any, error) {
		var st model.Status
		if err := tx.Where("name = ?", statusName).First(&st).Error; err != nil {
			if database.IsNotFound(err) {
				return nil, apperr.Validation(fmt.Sprintf("unknown item status %q; expected one of %s", statusName, strings.Join(model.DefaultItemStatuses, ", ")))
			}
			return nil, fmt.Errorf("load item status: %w", err)
		}
		return map[string]any{"status_id": st.ID}, nil
	})
}

func (s *Service) updateItem(ctx context.Context, actor auth.Actor, action auth.Action, orderID, itemID uint, values func(tx *gorm.DB) (map[string]any, error)) (*model.Order, error) {
	if err := actor.Authorize(action); err != nil {
		return nil, err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var o model.Order
		if err := tx.First(&o, orderID).Error; err != nil {
			if database.IsNotFound(err) {
				return apperr.NotFound(fmt.Sprintf("order %d not found", orderID))
			}
			return fmt.Errorf("load order: %w", err)
		}
		if o.Status.Terminal() {
			return apperr.Wrap(apperr.ErrInvalidTransition, fmt.Sprintf("order %s is %s; its items can no longer change", o.OrderCode, o.Status))
		}
		v, err := values(tx)
		if err != nil {
			return err
		}
		v["updated_at"] = s.now()
		res := tx.Model(&model.OrderItem{}).Where("id = ? AND order_id = ?", itemID, orderID).UpdateColumns(v)
		if res.Error != nil {
			return fmt.Errorf("update order item: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.NotFound(fmt.Sprintf("item %d not found on order %s", itemID, o.OrderCode))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("order_item_updated", "order_id", orderID, "item_id", itemID, "action", action)
	return s.load(ctx, orderID)
}

// Get 返回订单及订单项、时段、支付记录；顾客只能查看自己的订单。
func (s *Service) Get(ctx context.Context, actor auth.Actor, id uint) (*model.Order, error) {
	if err := actor.Authorize(auth.ActionViewOrder); err != nil {
		return nil, err
	}
	o, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role == model.RoleCustomer && !actor.Owns(o.UserID) {
		return nil, apperr.Forbidden("you can only view your own orders")
	}
	return o, nil
}

type Filter struct {
	Status model.OrderStatus
	Limit  int
}

// List 按时间倒序；顾客只返回自己的订单。
func (s *Service) List(ctx context.Context, actor auth.Actor, f Filter) ([]model.Order, error) {
	if err := actor.Authorize(auth.ActionViewOrder); err != nil {
		return nil, err
	}
	q := s.db.WithContext(ctx).Preload("Items").Preload("CollectionSlot").Order("created_at DESC").Order("id DESC")
	if actor.Role == model.RoleCustomer {
		q = q.Where("user_id = ?", actor.UserID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	var list []model.Order
	if err := q.Limit(f.Limit).Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return list, nil
}

func (s *Service) load(ctx context.Context, id uint) (*model.Order, error) {
	var o model.Order
	err := s.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Preload("Items.Meal").
		Preload("Items.Status").
		Preload("CollectionSlot").
		Preload("Payments", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		First(&o, id).Error
	if err != nil {
		if database.IsNotFound(err) {
			return nil, apperr.NotFound(fmt.Sprintf("order %d not found", id))
		}
		return nil, fmt.Errorf("load order: %w", err)
	}
	return &o, nil
}

// MarkPaid 支付成功后把 confirmed/preparing 订单置为 ready。
// 在调用方事务内执行，返回订单是否真的变化，重复回调不产生副作用。
func MarkPaid(tx *gorm.DB, orderID uint, now time.Time) (bool, error) {
	res := tx.Model(&model.Order{}).
		Where("id = ? AND status IN ?", orderID, model.SourcesOf(model.OrderReady)).
		UpdateColumns(map[string]any{"status": model.OrderReady, "updated_at": now})
	if res.Error != nil {
		return false, fmt.Errorf("mark order paid: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Service) publish(ctx context.Context, o model.Order, status string) {
	ev := queue.OrderEvent{OrderID: o.ID, OrderCode: o.OrderCode, UserID: o.UserID, Status: status, OccurredAt: s.now()}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.log.Error("order_event_publish_failed", "order_id", o.ID, "status", status, "error", err)
	}
}

func isExpected(err error) bool {
	var e *apperr.Error
	return errors.As(err, &e)
}
