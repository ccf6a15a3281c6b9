package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// PaymentStatus 支付状态；网关回调中的未知值原样透传。
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentPaid      PaymentStatus = "paid"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
)

// Payment 一次网关支付尝试；一个订单可以有多条。
type Payment struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderID       uint            `gorm:"not null;index" json:"order_id"`
	PaymentMethod PaymentMethod   `gorm:"size:20;not null" json:"payment_method"`
	Amount        decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"amount"`
	Status        PaymentStatus   `gorm:"size:32;not null;default:'pending';index" json:"status"`
	Hash          string          `gorm:"size:64;uniqueIndex;not null" json:"hash"`
	PaymentURL    string          `gorm:"size:512" json:"payment_url"`
	PollURL       string          `gorm:"size:512" json:"poll_url"`
	PaidAt        *time.Time      `json:"paid_at"`

	RawResponse     datatypes.JSON `json:"raw_response,omitempty"`
	CallbackPayload datatypes.JSON `json:"callback_payload,omitempty"`
}

func (Payment) TableName() string { return "payments" }
