package router

import (
	"context"
	"net/http"
	"strconv"

	"preorder/internal/auth"
	"preorder/internal/model"
	"preorder/internal/order"

	"github.com/gin-gonic/gin"
)

// orderView 在订单上附带派生金额，金额不落库。
type orderView struct {
	*model.Order
	Total          string `json:"total"`
	AvailableTotal string `json:"available_total"`
}

func viewOrder(o *model.Order) orderView {
	return orderView{Order: o, Total: o.Total().StringFixed(2), AvailableTotal: o.AvailableTotal().StringFixed(2)}
}

func createOrder(svc *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req order.CreateInput
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		o, err := svc.Create(c.Request.Context(), actor(c), req)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusCreated, viewOrder(o))
	}
}

func listOrders(svc *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		f := order.Filter{Status: model.OrderStatus(c.Query("status"))}
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				badRequest(c, "limit must be an integer")
				return
			}
			f.Limit = n
		}
		list, err := svc.List(c.Request.Context(), actor(c), f)
		if err != nil {
			fail(c, err)
			return
		}
		out := make([]orderView, 0, len(list))
		for i := range list {
			out = append(out, viewOrder(&list[i]))
		}
		ok(c, http.StatusOK, out)
	}
}

func getOrder(svc *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, good := idParam(c, "id")
		if !good {
			return
		}
		o, err := svc.Get(c.Request.Context(), actor(c), id)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, viewOrder(o))
	}
}

// transition 所有状态流转接口共用：只取路径上的订单 id。
func transition(fn func(ctx context.Context, a auth.Actor, id uint) (*model.Order, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, good := idParam(c, "id")
		if !good {
			return
		}
		o, err := fn(c.Request.Context(), actor(c), id)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, viewOrder(o))
	}
}

func setItemAvailability(svc *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, good := idParam(c, "id")
		if !good {
			return
		}
		itemID, good := idParam(c, "item_id")
		if !good {
			return
		}
		var req struct {
			IsAvailable *bool `json:"is_available" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		o, err := svc.SetItemAvailability(c.Request.Context(), actor(c), id, itemID, *req.IsAvailable)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, viewOrder(o))
	}
}

func setItemStatus(svc *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, good := idParam(c, "id")
		if !good {
			return
		}
		itemID, good := idParam(c, "item_id")
		if !good {
			return
		}
		var req struct {
			Status string `json:"status" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		o, err := svc.SetItemStatus(c.Request.Context(), actor(c), id, itemID, req.Status)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, viewOrder(o))
	}
}
