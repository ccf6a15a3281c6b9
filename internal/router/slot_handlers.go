package router

import (
	"net/http"

	"preorder/internal/slot"

	"github.com/gin-gonic/gin"
)

// listAvailableSlots 顾客选择取餐时段：GET /api/slots/available?date=YYYY-MM-DD
func listAvailableSlots(a *slot.Allocator) gin.HandlerFunc {
	return func(c *gin.Context) {
		date := c.Query("date")
		if date == "" {
			badRequest(c, "query parameter date is required (YYYY-MM-DD)")
			return
		}
		views, err := a.ListAvailable(c.Request.Context(), date)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, views)
	}
}

func listSlots(a *slot.Allocator) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := a.List(c.Request.Context(), c.Query("date"))
		if err != nil {
			fail(c, err)
			return
		}
		views := make([]slot.View, 0, len(list))
		for _, s := range list {
			views = append(views, slot.NewView(s))
		}
		ok(c, http.StatusOK, views)
	}
}

func getSlot(a *slot.Allocator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, good := idParam(c, "id")
		if !good {
			return
		}
		s, err := a.Get(c.Request.Context(), id)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, slot.NewView(*s))
	}
}

func createSlot(a *slot.Allocator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req slot.Input
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		s, err := a.Create(c.Request.Context(), actor(c), req)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusCreated, slot.NewView(*s))
	}
}

func updateSlot(a *slot.Allocator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, good := idParam(c, "id")
		if !good {
			return
		}
		var req slot.Input
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		s, err := a.Update(c.Request.Context(), actor(c), id, req)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, slot.NewView(*s))
	}
}

func deleteSlot(a *slot.Allocator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, good := idParam(c, "id")
		if !good {
			return
		}
		if err := a.Delete(c.Request.Context(), actor(c), id); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "collection slot deleted"})
	}
}

func assignSlot(a *slot.Allocator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, good := idParam(c, "id")
		if !good {
			return
		}
		var req struct {
			SlotID uint `json:"slot_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		o, err := a.Assign(c.Request.Context(), actor(c), id, req.SlotID)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, o)
	}
}

func unassignSlot(a *slot.Allocator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, good := idParam(c, "id")
		if !good {
			return
		}
		o, err := a.Unassign(c.Request.Context(), actor(c), id)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, o)
	}
}
