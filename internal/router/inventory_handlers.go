package router

import (
	"net/http"

	"preorder/internal/inventory"
	"preorder/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// ingredientView 附带按当前库存计算出的状态。
type ingredientView struct {
	model.Ingredient
	StockStatus model.StockStatus `json:"stock_status"`
}

func viewIngredient(i model.Ingredient) ingredientView {
	return ingredientView{Ingredient: i, StockStatus: i.StockStatus()}
}

func viewIngredients(list []model.Ingredient) []ingredientView {
	out := make([]ingredientView, 0, len(list))
	for _, i := range list {
		out = append(out, viewIngredient(i))
	}
	return out
}

func listIngredients(l *inventory.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := l.ListIngredients(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, viewIngredients(list))
	}
}

func listLowStock(l *inventory.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := l.ListLowStock(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, viewIngredients(list))
	}
}

func getIngredient(l *inventory.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, good := idParam(c, "id")
		if !good {
			return
		}
		i, err := l.GetIngredient(c.Request.Context(), id)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, viewIngredient(*i))
	}
}

func createIngredient(l *inventory.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req inventory.IngredientInput
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		i, err := l.CreateIngredient(c.Request.Context(), actor(c), req)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusCreated, viewIngredient(*i))
	}
}

type ingredientAmount struct {
	Amount decimal.Decimal `json:"amount"`
}

func restockIngredient(l *inventory.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, good := idParam(c, "id")
		if !good {
			return
		}
		var req ingredientAmount
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		i, err := l.AddIngredientStock(c.Request.Context(), actor(c), id, req.Amount)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, viewIngredient(*i))
	}
}

func reduceIngredient(l *inventory.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, good := idParam(c, "id")
		if !good {
			return
		}
		var req ingredientAmount
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		i, err := l.ReduceIngredientStock(c.Request.Context(), actor(c), id, req.Amount)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, viewIngredient(*i))
	}
}

// importRestock 接收 multipart 上传的 xlsx 补货单（字段名 file）。
func importRestock(l *inventory.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		fh, err := c.FormFile("file")
		if err != nil {
			badRequest(c, "upload the restock sheet as multipart field 'file'")
			return
		}
		f, err := fh.Open()
		if err != nil {
			badRequest(c, "cannot read uploaded file")
			return
		}
		defer f.Close()

		summary, err := l.ImportRestock(c.Request.Context(), actor(c), f)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, summary)
	}
}
