package router

import (
	"net/http"

	"preorder/internal/catalog"
	"preorder/internal/inventory"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func listMeals(cat *catalog.Catalog) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := cat.List(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, list)
	}
}

func getMeal(cat *catalog.Catalog) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, good := idParam(c, "id")
		if !good {
			return
		}
		m, err := cat.Get(c.Request.Context(), id)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, m)
	}
}

func createMeal(cat *catalog.Catalog) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req catalog.MealInput
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		m, err := cat.Create(c.Request.Context(), actor(c), req)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusCreated, m)
	}
}

func updateMealPrice(cat *catalog.Catalog) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, good := idParam(c, "id")
		if !good {
			return
		}
		var req struct {
			Price decimal.Decimal `json:"price"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		m, err := cat.UpdatePrice(c.Request.Context(), actor(c), id, req.Price)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, m)
	}
}

func attachIngredient(cat *catalog.Catalog) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, good := idParam(c, "id")
		if !good {
			return
		}
		var req struct {
			IngredientID     uint            `json:"ingredient_id" binding:"required"`
			QuantityRequired decimal.Decimal `json:"quantity_required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		mi, err := cat.AttachIngredient(c.Request.Context(), actor(c), id, req.IngredientID, req.QuantityRequired)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusCreated, mi)
	}
}

type mealAmount struct {
	Amount int64 `json:"amount" binding:"required"`
}

func restockMeal(l *inventory.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, good := idParam(c, "id")
		if !good {
			return
		}
		var req mealAmount
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		m, err := l.AddMealStock(c.Request.Context(), actor(c), id, req.Amount)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, gin.H{"meal": m, "stock_status": m.StockStatus()})
	}
}

func reduceMeal(l *inventory.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, good := idParam(c, "id")
		if !good {
			return
		}
		var req mealAmount
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		m, err := l.ReduceMealStock(c.Request.Context(), actor(c), id, req.Amount)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, gin.H{"meal": m, "stock_status": m.StockStatus()})
	}
}
