package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// StockStatus 每次读取时由 (数量, 阈值) 推导，不落库。
type StockStatus string

const (
	OutOfStock StockStatus = "out_of_stock"
	LowStock   StockStatus = "low_stock"
	InStock    StockStatus = "in_stock"
)

// StockStatusOf <=0 缺货，(0, 阈值] 低库存，其余为充足。
func StockStatusOf(quantity, threshold decimal.Decimal) StockStatus {
	switch {
	case quantity.LessThanOrEqual(decimal.Zero):
		return OutOfStock
	case quantity.LessThanOrEqual(threshold):
		return LowStock
	default:
		return InStock
	}
}

// Ingredient 原料库存，数量允许小数（kg、l 等单位）。
type Ingredient struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name              string          `gorm:"size:128;uniqueIndex;not null" json:"name"`
	Unit              string          `gorm:"size:20;not null" json:"unit"`
	StockQuantity     decimal.Decimal `gorm:"type:decimal(12,3);not null;default:0" json:"stock_quantity"`
	LowStockThreshold decimal.Decimal `gorm:"type:decimal(12,3);not null;default:0" json:"low_stock_threshold"`
}

func (Ingredient) TableName() string { return "ingredients" }

func (i Ingredient) StockStatus() StockStatus {
	return StockStatusOf(i.StockQuantity, i.LowStockThreshold)
}

// Meal 可售卖的餐品。Price 只影响之后创建的订单项。
type Meal struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name              string          `gorm:"size:128;uniqueIndex;not null" json:"name"`
	Price             decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"price"`
	StockQuantity     int64           `gorm:"not null;default:0" json:"stock_quantity"`
	LowStockThreshold int64           `gorm:"not null;default:0" json:"low_stock_threshold"`

	Ingredients []MealIngredient `gorm:"foreignKey:MealID;constraint:OnDelete:CASCADE" json:"ingredients,omitempty"`
}

func (Meal) TableName() string { return "meals" }

func (m Meal) StockStatus() StockStatus {
	return StockStatusOf(decimal.NewFromInt(m.StockQuantity), decimal.NewFromInt(m.LowStockThreshold))
}

// MealIngredient 配方行：每份餐品所需原料数量。
type MealIngredient struct {
	ID               uint            `gorm:"primarykey" json:"id"`
	MealID           uint            `gorm:"not null;uniqueIndex:idx_meal_ingredient" json:"meal_id"`
	IngredientID     uint            `gorm:"not null;uniqueIndex:idx_meal_ingredient" json:"ingredient_id"`
	QuantityRequired decimal.Decimal `gorm:"type:decimal(12,3);not null" json:"quantity_required"`

	Ingredient *Ingredient `gorm:"constraint:OnDelete:RESTRICT" json:"ingredient,omitempty"`
}

func (MealIngredient) TableName() string { return "meal_ingredients" }
