package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderConfirmed OrderStatus = "confirmed"
	OrderPreparing OrderStatus = "preparing"
	OrderReady     OrderStatus = "ready"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
)

type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "CASH"
	PaymentOnline PaymentMethod = "ONLINE_PAYMENT"
)

func (m PaymentMethod) Valid() bool { return m == PaymentCash || m == PaymentOnline }

const (
	OrderCodeLength     = 6
	MaxInstructionsSize = 250
)

// orderTransitions 订单状态机：未列出的流转一律视为逻辑错误。
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:   {OrderConfirmed, OrderCancelled},
	OrderConfirmed: {OrderPreparing, OrderReady, OrderCancelled},
	OrderPreparing: {OrderReady, OrderCancelled},
	OrderReady:     {OrderCompleted},
}

// CanTransition from -> to 是否为状态机中的合法流转。
func CanTransition(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourcesOf 可流转到 to 的所有状态，用作条件更新的 WHERE 守卫。
func SourcesOf(to OrderStatus) []OrderStatus {
	var out []OrderStatus
	for _, from := range []OrderStatus{OrderPending, OrderConfirmed, OrderPreparing, OrderReady} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

func (s OrderStatus) Terminal() bool { return s == OrderCompleted || s == OrderCancelled }

type Order struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID           uint          `gorm:"not null;index" json:"user_id"`
	OrderCode        string        `gorm:"size:6;uniqueIndex;not null" json:"order_code"`
	PaymentMethod    PaymentMethod `gorm:"size:20;not null" json:"payment_method"`
	Instructions     string        `gorm:"size:250" json:"instructions,omitempty"`
	Status           OrderStatus   `gorm:"size:16;not null;default:'pending';index" json:"status"`
	CollectionSlotID *uint         `gorm:"index" json:"collection_slot_id"`

	User           *User           `gorm:"constraint:OnDelete:RESTRICT" json:"-"`
	CollectionSlot *CollectionSlot `gorm:"constraint:OnDelete:RESTRICT" json:"collection_slot,omitempty"`
	Items          []OrderItem     `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE" json:"items"`
	Payments       []Payment       `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE" json:"payments,omitempty"`
}

func (Order) TableName() string { return "orders" }

// Total 全部订单项 price * quantity 之和。
func (o Order) Total() decimal.Decimal {
	total := decimal.Zero
	for _, it := range o.Items {
		total = total.Add(it.LineTotal())
	}
	return total
}

// AvailableTotal 只统计未标记缺货的订单项。
func (o Order) AvailableTotal() decimal.Decimal {
	total := decimal.Zero
	for _, it := range o.AvailableItems() {
		total = total.Add(it.LineTotal())
	}
	return total
}

// ConsumedItems 确认时扣过库存的订单项。
func (o Order) ConsumedItems() []OrderItem {
	out := make([]OrderItem, 0, len(o.Items))
	for _, it := range o.Items {
		if it.StockConsumed {
			out = append(out, it)
		}
	}
	return out
}

// AvailableItems 未被厨房标记为缺货的订单项（未知状态视为可供应）。
func (o Order) AvailableItems() []OrderItem {
	out := make([]OrderItem, 0, len(o.Items))
	for _, it := range o.Items {
		if it.Available() {
			out = append(out, it)
		}
	}
	return out
}

func (o Order) ItemByID(id uint) (OrderItem, bool) {
	for _, it := range o.Items {
		if it.ID == id {
			return it, true
		}
	}
	return OrderItem{}, false
}

type OrderItem struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderID  uint            `gorm:"not null;index" json:"order_id"`
	MealID   uint            `gorm:"not null;index" json:"meal_id"`
	Price    decimal.Decimal `gorm:"type:decimal(10,2);not null;<-:create" json:"price"`
	Quantity int             `gorm:"not null" json:"quantity"`
	// IsAvailable 为 nil 表示厨房尚未确认
	IsAvailable *bool `json:"is_available"`
	StatusID    uint  `gorm:"not null;index" json:"status_id"`
	// StockConsumed 确认时已扣减库存；取消时按此标记原样退回。
	StockConsumed bool `gorm:"not null;default:false" json:"stock_consumed"`

	Meal   *Meal   `gorm:"constraint:OnDelete:RESTRICT" json:"meal,omitempty"`
	Status *Status `gorm:"constraint:OnDelete:RESTRICT" json:"status,omitempty"`
}

func (OrderItem) TableName() string { return "order_items" }

func (it OrderItem) Available() bool { return it.IsAvailable == nil || *it.IsAvailable }

func (it OrderItem) LineTotal() decimal.Decimal {
	return it.Price.Mul(decimal.NewFromInt(int64(it.Quantity)))
}
