// Package inventory 原料与餐品的库存台账。所有扣减都是条件 UPDATE，并发下库存不会变成负数。
package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"preorder/internal/apperr"
	"preorder/internal/auth"
	"preorder/internal/database"
	"preorder/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// minIngredientRestock 原料补货的最小数量。
var minIngredientRestock = decimal.RequireFromString("0.01")

// SQLite 把 decimal 列存为 REAL，加减会带入二进制误差；数量先在 Go 侧舍入到列精度，
// 写回时再 ROUND，两种驱动下结果一致，扣到 0 就是 0。
const ingredientScale = 3

const (
	ingredientSub = "ROUND(stock_quantity - ?, 3)"
	ingredientAdd = "ROUND(stock_quantity + ?, 3)"
)

type Ledger struct {
	db  *gorm.DB
	log *slog.Logger
}

func NewLedger(db *gorm.DB, log *slog.Logger) *Ledger {
	return &Ledger{db: db, log: log}
}

type IngredientInput struct {
	Name              string          `json:"name" binding:"required"`
	Unit              string          `json:"unit" binding:"required"`
	StockQuantity     decimal.Decimal `json:"stock_quantity"`
	LowStockThreshold decimal.Decimal `json:"low_stock_threshold"`
}

func (l *Ledger) CreateIngredient(ctx context.Context, actor auth.Actor, in IngredientInput) (*model.Ingredient, error) {
	if err := actor.Authorize(auth.ActionManageInventory); err != nil {
		return nil, err
	}
	in.Name = strings.TrimSpace(in.Name)
	in.Unit = strings.TrimSpace(in.Unit)
	if in.Name == "" || in.Unit == "" {
		return nil, apperr.Validation("ingredient name and unit are required")
	}
	if in.StockQuantity.IsNegative() || in.LowStockThreshold.IsNegative() {
		return nil, apperr.Validation("stock quantity and low stock threshold must be >= 0")
	}
	ing := &model.Ingredient{
		Name:              in.Name,
		Unit:              in.Unit,
		StockQuantity:     in.StockQuantity.Round(ingredientScale),
		LowStockThreshold: in.LowStockThreshold.Round(ingredientScale),
	}
	if err := l.db.WithContext(ctx).Create(ing).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return nil, apperr.New(apperr.KindConflict, "duplicate_ingredient_name", fmt.Sprintf("ingredient %q already exists", in.Name))
		}
		return nil, fmt.Errorf("create ingredient: %w", err)
	}
	l.log.Info("ingredient_created", "ingredient_id", ing.ID, "name", ing.Name)
	return ing, nil
}

func (l *Ledger) GetIngredient(ctx context.Context, id uint) (*model.Ingredient, error) {
	var ing model.Ingredient
	if err := l.db.WithContext(ctx).First(&ing, id).Error; err != nil {
		if database.IsNotFound(err) {
			return nil, apperr.NotFound(fmt.Sprintf("ingredient %d not found", id))
		}
		return nil, fmt.Errorf("load ingredient: %w", err)
	}
	return &ing, nil
}

func (l *Ledger) ListIngredients(ctx context.Context) ([]model.Ingredient, error) {
	var list []model.Ingredient
	if err := l.db.WithContext(ctx).Order("name").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list ingredients: %w", err)
	}
	return list, nil
}

// ListLowStock 返回状态为低库存或缺货的原料。
func (l *Ledger) ListLowStock(ctx context.Context) ([]model.Ingredient, error) {
	all, err := l.ListIngredients(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Ingredient, 0)
	for _, ing := range all {
		if ing.StockStatus() != model.InStock {
			out = append(out, ing)
		}
	}
	return out, nil
}

// ReduceIngredientStock 扣减原料；不足时返回 ErrInsufficientStock，库存不变。
func (l *Ledger) ReduceIngredientStock(ctx context.Context, actor auth.Actor, id uint, amount decimal.Decimal) (*model.Ingredient, error) {
	if err := actor.Authorize(auth.ActionManageInventory); err != nil {
		return nil, err
	}
	var out model.Ingredient
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := reduceIngredient(tx, id, amount); err != nil {
			return err
		}
		return tx.First(&out, id).Error
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("ingredient_stock_reduced", "ingredient_id", id, "amount", amount.String(), "remaining", out.StockQuantity.String())
	return &out, nil
}

func (l *Ledger) AddIngredientStock(ctx context.Context, actor auth.Actor, id uint, amount decimal.Decimal) (*model.Ingredient, error) {
	if err := actor.Authorize(auth.ActionManageInventory); err != nil {
		return nil, err
	}
	var out model.Ingredient
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := addIngredient(tx, id, amount); err != nil {
			return err
		}
		return tx.First(&out, id).Error
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("ingredient_restocked", "ingredient_id", id, "amount", amount.String(), "stock", out.StockQuantity.String())
	return &out, nil
}

func (l *Ledger) ReduceMealStock(ctx context.Context, actor auth.Actor, id uint, n int64) (*model.Meal, error) {
	if err := actor.Authorize(auth.ActionManageInventory); err != nil {
		return nil, err
	}
	var out model.Meal
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := reduceMeal(tx, id, n); err != nil {
			return err
		}
		return tx.First(&out, id).Error
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("meal_stock_reduced", "meal_id", id, "amount", n, "remaining", out.StockQuantity)
	return &out, nil
}

func (l *Ledger) AddMealStock(ctx context.Context, actor auth.Actor, id uint, n int64) (*model.Meal, error) {
	if err := actor.Authorize(auth.ActionManageInventory); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, apperr.Wrap(apperr.ErrInvalidQuantity, "meal restock quantity must be greater than 0")
	}
	var out model.Meal
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Meal{}).Where("id = ?", id).
			Update("stock_quantity", gorm.Expr("stock_quantity + ?", n))
		if res.Error != nil {
			return fmt.Errorf("restock meal: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.NotFound(fmt.Sprintf("meal %d not found", id))
		}
		return tx.First(&out, id).Error
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("meal_restocked", "meal_id", id, "amount", n, "stock", out.StockQuantity)
	return &out, nil
}

// ConsumeForOrder 按订单项扣减餐品库存及配方原料。必须在调用方事务内执行，任一不足则整体失败。
func ConsumeForOrder(tx *gorm.DB, items []model.OrderItem) error {
	for _, it := range items {
		qty := int64(it.Quantity)
		if err := reduceMeal(tx, it.MealID, qty); err != nil {
			return err
		}
		var bom []model.MealIngredient
		if err := tx.Where("meal_id = ?", it.MealID).Find(&bom).Error; err != nil {
			return fmt.Errorf("load meal ingredients: %w", err)
		}
		for _, mi := range bom {
			need := mi.QuantityRequired.Mul(decimal.NewFromInt(qty))
			if err := reduceIngredient(tx, mi.IngredientID, need); err != nil {
				return err
			}
		}
	}
	return nil
}

// RestoreForOrder 退回 ConsumeForOrder 扣减的库存（确认后取消的订单），在调用方事务内执行。
func RestoreForOrder(tx *gorm.DB, items []model.OrderItem) error {
	for _, it := range items {
		qty := int64(it.Quantity)
		res := tx.Model(&model.Meal{}).Where("id = ?", it.MealID).
			Update("stock_quantity", gorm.Expr("stock_quantity + ?", qty))
		if res.Error != nil {
			return fmt.Errorf("restore meal stock: %w", res.Error)
		}
		var bom []model.MealIngredient
		if err := tx.Where("meal_id = ?", it.MealID).Find(&bom).Error; err != nil {
			return fmt.Errorf("load meal ingredients: %w", err)
		}
		for _, mi := range bom {
			back := mi.QuantityRequired.Mul(decimal.NewFromInt(qty)).Round(ingredientScale)
			res := tx.Model(&model.Ingredient{}).Where("id = ?", mi.IngredientID).
				Update("stock_quantity", gorm.Expr(ingredientAdd, back))
			if res.Error != nil {
				return fmt.Errorf("restore ingredient stock: %w", res.Error)
			}
		}
	}
	return nil
}

func reduceIngredient(tx *gorm.DB, id uint, amount decimal.Decimal) error {
	amount = amount.Round(ingredientScale)
	if !amount.IsPositive() {
		return apperr.Wrap(apperr.ErrInvalidQuantity, "amount to deduct must be greater than 0")
	}
	// 条件更新：库存不足时影响行数为 0，不做部分扣减。
	res := tx.Model(&model.Ingredient{}).
		Where("id = ? AND stock_quantity >= ?", id, amount).
		Update("stock_quantity", gorm.Expr(ingredientSub, amount))
	if res.Error != nil {
		return fmt.Errorf("reduce ingredient stock: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	var ing model.Ingredient
	if err := tx.First(&ing, id).Error; err != nil {
		if database.IsNotFound(err) {
			return apperr.NotFound(fmt.Sprintf("ingredient %d not found", id))
		}
		return fmt.Errorf("load ingredient: %w", err)
	}
	return apperr.Wrap(apperr.ErrInsufficientStock, fmt.Sprintf("not enough %s in stock: need %s %s, have %s",
		ing.Name, amount.String(), ing.Unit, ing.StockQuantity.String()))
}

func addIngredient(tx *gorm.DB, id uint, amount decimal.Decimal) error {
	amount = amount.Round(ingredientScale)
	if amount.LessThan(minIngredientRestock) {
		return apperr.Wrap(apperr.ErrInvalidQuantity, "ingredient restock quantity must be at least 0.01")
	}
	res := tx.Model(&model.Ingredient{}).Where("id = ?", id).
		Update("stock_quantity", gorm.Expr(ingredientAdd, amount))
	if res.Error != nil {
		return fmt.Errorf("restock ingredient: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound(fmt.Sprintf("ingredient %d not found", id))
	}
	return nil
}

func reduceMeal(tx *gorm.DB, id uint, n int64) error {
	if n <= 0 {
		return apperr.Wrap(apperr.ErrInvalidQuantity, "amount to deduct must be greater than 0")
	}
	res := tx.Model(&model.Meal{}).
		Where("id = ? AND stock_quantity >= ?", id, n).
		Update("stock_quantity", gorm.Expr("stock_quantity - ?", n))
	if res.Error != nil {
		return fmt.Errorf("reduce meal stock: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	var meal model.Meal
	if err := tx.First(&meal, id).Error; err != nil {
		if database.IsNotFound(err) {
			return apperr.NotFound(fmt.Sprintf("meal %d not found", id))
		}
		return fmt.Errorf("load meal: %w", err)
	}
	return apperr.Wrap(apperr.ErrInsufficientStock, fmt.Sprintf("not enough %s in stock: need %d, have %d",
		meal.Name, n, meal.StockQuantity))
}
