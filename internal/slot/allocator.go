// Package slot 取餐时段的发布与容量控制。
package slot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"preorder/internal/apperr"
	"preorder/internal/auth"
	"preorder/internal/database"
	"preorder/internal/model"
	"preorder/internal/queue"

	"gorm.io/gorm"
)

type Allocator struct {
	db     *gorm.DB
	events queue.Publisher
	log    *slog.Logger
	now    func() time.Time
}

func NewAllocator(db *gorm.DB, events queue.Publisher, log *slog.Logger) *Allocator {
	return &Allocator{db: db, events: events, log: log, now: time.Now}
}

// WithClock 替换“日期不能早于今天”校验使用的时钟。
func (a *Allocator) WithClock(now func() time.Time) *Allocator {
	a.now = now
	return a
}

type Input struct {
	Date      string `json:"date" binding:"required"`
	StartTime string `json:"start_time" binding:"required"`
	EndTime   string `json:"end_time" binding:"required"`
	Capacity  int    `json:"capacity" binding:"required"`
}

// View 面向顾客的时段展示。
type View struct {
	ID                uint             `json:"id"`
	Date              string           `json:"date"`
	StartTime         string           `json:"start_time"`
	EndTime           string           `json:"end_time"`
	TimeRange         string           `json:"time_range"`
	Capacity          int              `json:"capacity"`
	BookedCount       int              `json:"booked_count"`
	AvailableCapacity int              `json:"available_capacity"`
	Status            model.SlotStatus `json:"status"`
}

func NewView(s model.CollectionSlot) View {
	return View{
		ID:                s.ID,
		Date:              s.Date,
		StartTime:         s.StartTime,
		EndTime:           s.EndTime,
		TimeRange:         s.TimeRange(),
		Capacity:          s.Capacity,
		BookedCount:       s.BookedCount,
		AvailableCapacity: s.AvailableCapacity(),
		Status:            s.Status,
	}
}

func (in Input) validate() (time.Time, error) {
	date, err := time.Parse(model.SlotDateLayout, in.Date)
	if err != nil {
		return time.Time{}, apperr.Validation("date must be formatted as YYYY-MM-DD")
	}
	start, err := time.Parse(model.SlotTimeLayout, in.StartTime)
	if err != nil {
		return time.Time{}, apperr.Validation("start_time must be formatted as HH:MM")
	}
	end, err := time.Parse(model.SlotTimeLayout, in.EndTime)
	if err != nil {
		return time.Time{}, apperr.Validation("end_time must be formatted as HH:MM")
	}
	if !end.After(start) {
		return time.Time{}, apperr.Validation("end_time must be after start_time")
	}
	if in.Capacity < model.MinSlotCapacity || in.Capacity > model.MaxSlotCapacity {
		return time.Time{}, apperr.Validation(fmt.Sprintf("capacity must be between %d and %d", model.MinSlotCapacity, model.MaxSlotCapacity))
	}
	return date, nil
}

func (a *Allocator) Create(ctx context.Context, actor auth.Actor, in Input) (*model.CollectionSlot, error) {
	if err := actor.Authorize(auth.ActionManageSlots); err != nil {
		return nil, err
	}
	date, err := in.validate()
	if err != nil {
		return nil, err
	}
	today := a.now().Format(model.SlotDateLayout)
	if date.Format(model.SlotDateLayout) < today {
		return nil, apperr.Validation("date must not be in the past")
	}

	s := &model.CollectionSlot{
		Date:      in.Date,
		StartTime: in.StartTime,
		EndTime:   in.EndTime,
		Capacity:  in.Capacity,
	}
	if err := a.db.WithContext(ctx).Create(s).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return nil, apperr.ErrDuplicateSlot
		}
		return nil, fmt.Errorf("create slot: %w", err)
	}
	a.log.Info("slot_created", "slot_id", s.ID, "date", s.Date, "range", s.TimeRange(), "capacity", s.Capacity)
	return s, nil
}

// Update 修改时间窗或容量；容量不能低于已预约数。
func (a *Allocator) Update(ctx context.Context, actor auth.Actor, id uint, in Input) (*model.CollectionSlot, error) {
	if err := actor.Authorize(auth.ActionManageSlots); err != nil {
		return nil, err
	}
	if _, err := in.validate(); err != nil {
		return nil, err
	}

	var out model.CollectionSlot
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.CollectionSlot{}).
			Where("id = ? AND booked_count <= ?", id, in.Capacity).
			UpdateColumns(map[string]any{
				"date":       in.Date,
				"start_time": in.StartTime,
				"end_time":   in.EndTime,
				"capacity":   in.Capacity,
				"updated_at": a.now(),
			})
		if res.Error != nil {
			if database.IsUniqueViolation(res.Error) {
				return apperr.ErrDuplicateSlot
			}
			return fmt.Errorf("update slot: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			s, err := load(tx, id)
			if err != nil {
				return err
			}
			return apperr.Validation(fmt.Sprintf("capacity %d is below the %d orders already booked", in.Capacity, s.BookedCount))
		}
		s, err := refreshStatus(tx, id)
		if err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.log.Info("slot_updated", "slot_id", id, "capacity", out.Capacity, "status", out.Status)
	return &out, nil
}

// Delete 删除没有订单引用的时段。
func (a *Allocator) Delete(ctx context.Context, actor auth.Actor, id uint) error {
	if err := actor.Authorize(auth.ActionManageSlots); err != nil {
		return err
	}
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&model.Order{}).Where("collection_slot_id = ?", id).Count(&n).Error; err != nil {
			return fmt.Errorf("count slot orders: %w", err)
		}
		if n > 0 {
			return apperr.Wrap(apperr.ErrSlotInUse, fmt.Sprintf("collection slot has %d orders and cannot be deleted", n))
		}
		res := tx.Delete(&model.CollectionSlot{}, id)
		if res.Error != nil {
			if errors.Is(res.Error, gorm.ErrForeignKeyViolated) {
				return apperr.ErrSlotInUse
			}
			return fmt.Errorf("delete slot: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.NotFound(fmt.Sprintf("collection slot %d not found", id))
		}
		return nil
	})
	if err != nil {
		return err
	}
	a.log.Info("slot_deleted", "slot_id", id)
	return nil
}

func (a *Allocator) Get(ctx context.Context, id uint) (*model.CollectionSlot, error) {
	s, err := load(a.db.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// List 员工查看某天全部时段（date 为空时返回所有）。
func (a *Allocator) List(ctx context.Context, date string) ([]model.CollectionSlot, error) {
	q := a.db.WithContext(ctx).Order("date").Order("start_time")
	if date != "" {
		q = q.Where("date = ?", date)
	}
	var list []model.CollectionSlot
	if err := q.Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	return list, nil
}

// ListAvailable 当天状态为 available 且仍有余量的时段，按开始时间排序。
func (a *Allocator) ListAvailable(ctx context.Context, date string) ([]View, error) {
	if _, err := time.Parse(model.SlotDateLayout, date); err != nil {
		return nil, apperr.Validation("date must be formatted as YYYY-MM-DD")
	}
	var list []model.CollectionSlot
	err := a.db.WithContext(ctx).
		Where("date = ? AND status = ? AND booked_count < capacity", date, model.SlotAvailable).
		Order("start_time ASC").
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("list available slots: %w", err)
	}
	out := make([]View, 0, len(list))
	for _, s := range list {
		out = append(out, NewView(s))
	}
	return out, nil
}

// Assign 为 ready 订单预约时段：条件自增占位，并发下不会超过容量；
// 订单侧同样是条件更新，任一失败整体回滚。
func (a *Allocator) Assign(ctx context.Context, actor auth.Actor, orderID, slotID uint) (*model.Order, error) {
	if err := actor.Authorize(auth.ActionAssignSlot); err != nil {
		return nil, err
	}

	var (
		order model.Order
		slot  model.CollectionSlot
	)
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&order, orderID).Error; err != nil {
			if database.IsNotFound(err) {
				return apperr.NotFound(fmt.Sprintf("order %d not found", orderID))
			}
			return fmt.Errorf("load order: %w", err)
		}
		if actor.Role == model.RoleCustomer && !actor.Owns(order.UserID) {
			return apperr.Forbidden("you can only book a slot for your own order")
		}
		if order.CollectionSlotID != nil {
			return apperr.ErrAlreadyAssigned
		}
		if order.Status != model.OrderReady {
			return apperr.Wrap(apperr.ErrOrderNotReady, fmt.Sprintf("order %s is %s; it must be ready before booking a collection slot", order.OrderCode, order.Status))
		}

		if err := take(tx, slotID, a.now()); err != nil {
			return err
		}
		s, err := refreshStatus(tx, slotID)
		if err != nil {
			return err
		}
		slot = s

		res := tx.Model(&model.Order{}).
			Where("id = ? AND status = ? AND collection_slot_id IS NULL", orderID, model.OrderReady).
			UpdateColumns(map[string]any{"collection_slot_id": slotID, "updated_at": a.now()})
		if res.Error != nil {
			return fmt.Errorf("assign slot to order: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.ErrAlreadyAssigned
		}
		order.CollectionSlotID = &slotID
		order.CollectionSlot = &slot
		return nil
	})
	if err != nil {
		a.log.Warn("slot_assign_failed", "order_id", orderID, "slot_id", slotID, "error", err)
		return nil, err
	}

	a.log.Info("slot_assigned", "order_id", orderID, "order_code", order.OrderCode, "slot_id", slotID,
		"booked", slot.BookedCount, "capacity", slot.Capacity, "status", slot.Status)
	ev := queue.OrderEvent{OrderID: order.ID, OrderCode: order.OrderCode, UserID: order.UserID,
		Status: queue.StatusSlotBooked, SlotID: slotID, OccurredAt: a.now()}
	if err := a.events.Publish(ctx, ev); err != nil {
		a.log.Error("order_event_publish_failed", "order_id", order.ID, "error", err)
	}
	return &order, nil
}

// Unassign 释放 ready 订单的时段以便改约，名额在同一事务内归还。
func (a *Allocator) Unassign(ctx context.Context, actor auth.Actor, orderID uint) (*model.Order, error) {
	if err := actor.Authorize(auth.ActionAssignSlot); err != nil {
		return nil, err
	}

	var order model.Order
	var slotID uint
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&order, orderID).Error; err != nil {
			if database.IsNotFound(err) {
				return apperr.NotFound(fmt.Sprintf("order %d not found", orderID))
			}
			return fmt.Errorf("load order: %w", err)
		}
		if actor.Role == model.RoleCustomer && !actor.Owns(order.UserID) {
			return apperr.Forbidden("you can only change the slot of your own order")
		}
		if order.CollectionSlotID == nil {
			return apperr.NotFound(fmt.Sprintf("order %s has no collection slot", order.OrderCode))
		}
		if order.Status != model.OrderReady {
			return apperr.Wrap(apperr.ErrInvalidTransition, fmt.Sprintf("order %s is %s; only ready orders can change their collection slot", order.OrderCode, order.Status))
		}
		slotID = *order.CollectionSlotID

		res := tx.Model(&model.Order{}).
			Where("id = ? AND status = ? AND collection_slot_id = ?", orderID, model.OrderReady, slotID).
			UpdateColumns(map[string]any{"collection_slot_id": nil, "updated_at": a.now()})
		if res.Error != nil {
			return fmt.Errorf("clear order slot: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.Wrap(apperr.ErrInvalidTransition, "order changed concurrently, please retry")
		}
		order.CollectionSlotID = nil
		return Release(tx, slotID)
	})
	if err != nil {
		return nil, err
	}
	a.log.Info("slot_released", "order_id", orderID, "order_code", order.OrderCode, "slot_id", slotID)
	return &order, nil
}

// Release 归还一个名额，在调用方事务内执行。
func Release(tx *gorm.DB, slotID uint) error {
	res := tx.Model(&model.CollectionSlot{}).
		Where("id = ? AND booked_count > 0", slotID).
		UpdateColumns(map[string]any{"booked_count": gorm.Expr("booked_count - 1"), "updated_at": time.Now()})
	if res.Error != nil {
		return fmt.Errorf("release slot: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil
	}
	_, err := refreshStatus(tx, slotID)
	return err
}

// take 原子占位：booked_count < capacity 才自增，影响行数为 0 即满员。
func take(tx *gorm.DB, slotID uint, now time.Time) error {
	res := tx.Model(&model.CollectionSlot{}).
		Where("id = ? AND booked_count < capacity", slotID).
		UpdateColumns(map[string]any{"booked_count": gorm.Expr("booked_count + 1"), "updated_at": now})
	if res.Error != nil {
		return fmt.Errorf("book slot: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	s, err := load(tx, slotID)
	if err != nil {
		return err
	}
	return apperr.Wrap(apperr.ErrSlotFull, fmt.Sprintf("collection slot %s on %s is full", s.TimeRange(), s.Date))
}

// refreshStatus booked_count 或容量变化后重新推导状态。
func refreshStatus(tx *gorm.DB, id uint) (model.CollectionSlot, error) {
	s, err := load(tx, id)
	if err != nil {
		return s, err
	}
	derived := model.DeriveSlotStatus(s.BookedCount, s.Capacity)
	if derived != s.Status {
		if err := tx.Model(&model.CollectionSlot{}).Where("id = ?", id).UpdateColumn("status", derived).Error; err != nil {
			return s, fmt.Errorf("update slot status: %w", err)
		}
		s.Status = derived
	}
	return s, nil
}

func load(tx *gorm.DB, id uint) (model.CollectionSlot, error) {
	var s model.CollectionSlot
	if err := tx.First(&s, id).Error; err != nil {
		if database.IsNotFound(err) {
			return s, apperr.NotFound(fmt.Sprintf("collection slot %d not found", id))
		}
		return s, fmt.Errorf("load slot: %w", err)
	}
	return s, nil
}
