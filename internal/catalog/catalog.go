package catalog

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

type Catalog struct {
	db  *gorm.DB
	log *slog.Logger
}

func New(db *gorm.DB, log *slog.Logger) *Catalog {
	return &Catalog{db: db, log: log}
}

type MealInput struct {
	Name              string          `json:"name" binding:"required"`
	Price             decimal.Decimal `json:"price"`
	StockQuantity     int64           `json:"stock_quantity"`
	LowStockThreshold int64           `json:"low_stock_threshold"`
}

// Create 新增餐品；名称唯一，区分大小写精确匹配。
func (c *Catalog) Create(ctx context.Context, actor auth.Actor, in MealInput) (*model.Meal, error) {
	if err := actor.Authorize(auth.ActionManageCatalog); err != nil {
		return nil, err
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, apperr.Validation("meal name is required")
	}
	if in.Price.IsNegative() {
		return nil, apperr.Validation("price must be >= 0")
	}
	if in.StockQuantity < 0 || in.LowStockThreshold < 0 {
		return nil, apperr.Validation("stock quantity and low stock threshold must be >= 0")
	}
	meal := &model.Meal{
		Name:              in.Name,
		Price:             in.Price,
		StockQuantity:     in.StockQuantity,
		LowStockThreshold: in.LowStockThreshold,
	}
	if err := c.db.WithContext(ctx).Create(meal).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return nil, apperr.Wrap(apperr.ErrDuplicateMeal, fmt.Sprintf("a meal named %q already exists", in.Name))
		}
		return nil, fmt.Errorf("create meal: %w", err)
	}
	c.log.Info("meal_created", "meal_id", meal.ID, "name", meal.Name, "price", meal.Price.String())
	return meal, nil
}

// UpdatePrice 修改目录价格；已下单的订单项保留下单时的价格快照。
func (c *Catalog) UpdatePrice(ctx context.Context, actor auth.Actor, id uint, price decimal.Decimal) (*model.Meal, error) {
	if err := actor.Authorize(auth.ActionManageCatalog); err != nil {
		return nil, err
	}
	if price.IsNegative() {
		return nil, apperr.Validation("price must be >= 0")
	}
	res := c.db.WithContext(ctx).Model(&model.Meal{}).Where("id = ?", id).Update("price", price)
	if res.Error != nil {
		return nil, fmt.Errorf("update price: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperr.NotFound(fmt.Sprintf("meal %d not found", id))
	}
	c.log.Info("meal_price_updated", "meal_id", id, "price", price.String())
	return c.Get(ctx, id)
}

// AttachIngredient 新增配方行；同一餐品对同一原料只能关联一次。
func (c *Catalog) AttachIngredient(ctx context.Context, actor auth.Actor, mealID, ingredientID uint, qty decimal.Decimal) (*model.MealIngredient, error) {
	if err := actor.Authorize(auth.ActionManageCatalog); err != nil {
		return nil, err
	}
	if !qty.IsPositive() {
		return nil, apperr.Validation("quantity required must be greater than 0")
	}
	mi := &model.MealIngredient{MealID: mealID, IngredientID: ingredientID, QuantityRequired: qty}
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&model.Meal{}).Where("id = ?", mealID).Count(&n).Error; err != nil {
			return fmt.Errorf("check meal: %w", err)
		}
		if n == 0 {
			return apperr.NotFound(fmt.Sprintf("meal %d not found", mealID))
		}
		if err := tx.Model(&model.Ingredient{}).Where("id = ?", ingredientID).Count(&n).Error; err != nil {
			return fmt.Errorf("check ingredient: %w", err)
		}
		if n == 0 {
			return apperr.NotFound(fmt.Sprintf("ingredient %d not found", ingredientID))
		}
		if err := tx.Create(mi).Error; err != nil {
			if database.IsUniqueViolation(err) {
				return apperr.ErrDuplicateIngredient
			}
			return fmt.Errorf("attach ingredient: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.log.Info("meal_ingredient_attached", "meal_id", mealID, "ingredient_id", ingredientID, "quantity", qty.String())
	return mi, nil
}

func (c *Catalog) Get(ctx context.Context, id uint) (*model.Meal, error) {
	var meal model.Meal
	err := c.db.WithContext(ctx).Preload("Ingredients.Ingredient").First(&meal, id).Error
	if err != nil {
		if database.IsNotFound(err) {
			return nil, apperr.NotFound(fmt.Sprintf("meal %d not found", id))
		}
		return nil, fmt.Errorf("load meal: %w", err)
	}
	return &meal, nil
}

func (c *Catalog) List(ctx context.Context) ([]model.Meal, error) {
	var list []model.Meal
	if err := c.db.WithContext(ctx).Preload("Ingredients.Ingredient").Order("name").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list meals: %w", err)
	}
	return list, nil
}
