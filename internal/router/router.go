package router

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"preorder/internal/apperr"
	"preorder/internal/auth"
	"preorder/internal/catalog"
	"preorder/internal/config"
	"preorder/internal/inventory"
	"preorder/internal/middleware"
	"preorder/internal/order"
	"preorder/internal/payment"
	"preorder/internal/slot"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
)

// Deps 聚合路由需要的全部服务；Redis 为空时跳过限流。
type Deps struct {
	Config    config.AppConfig
	Log       *slog.Logger
	Redis     *rd.Client
	Directory *auth.Directory
	Catalog   *catalog.Catalog
	Ledger    *inventory.Ledger
	Slots     *slot.Allocator
	Orders    *order.Service
	Payments  *payment.Service
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	r.Use(middleware.RequestLogger(d.Log))

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})

	api := r.Group("/api")
	api.POST("/auth/register", register(d.Directory))
	api.POST("/auth/login", login(d.Directory))
	// 网关回调不带 JWT，靠共享密钥 hash 验签
	api.POST("/payments/callback", paymentCallback(d.Payments, d.Log))

	authed := api.Group("", auth.JWTMiddleware(d.Config.JWTSecret))
	limited := func(scope string) gin.HandlerFunc {
		if d.Redis == nil {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RedisRateLimit(d.Redis, scope, d.Config.RateLimit, d.Config.RateWindow)
	}

	authed.POST("/users", auth.RequireAction(auth.ActionManageUsers), createStaff(d.Directory))

	authed.GET("/meals", auth.RequireAction(auth.ActionViewCatalog), listMeals(d.Catalog))
	authed.GET("/meals/:id", auth.RequireAction(auth.ActionViewCatalog), getMeal(d.Catalog))
	authed.POST("/meals", auth.RequireAction(auth.ActionManageCatalog), createMeal(d.Catalog))
	authed.PUT("/meals/:id/price", auth.RequireAction(auth.ActionManageCatalog), updateMealPrice(d.Catalog))
	authed.POST("/meals/:id/ingredients", auth.RequireAction(auth.ActionManageCatalog), attachIngredient(d.Catalog))
	authed.POST("/meals/:id/restock", auth.RequireAction(auth.ActionManageInventory), restockMeal(d.Ledger))
	authed.POST("/meals/:id/reduce", auth.RequireAction(auth.ActionManageInventory), reduceMeal(d.Ledger))

	authed.GET("/ingredients", auth.RequireAction(auth.ActionViewInventory), listIngredients(d.Ledger))
	authed.GET("/ingredients/low-stock", auth.RequireAction(auth.ActionViewInventory), listLowStock(d.Ledger))
	authed.GET("/ingredients/:id", auth.RequireAction(auth.ActionViewInventory), getIngredient(d.Ledger))
	authed.POST("/ingredients", auth.RequireAction(auth.ActionManageInventory), createIngredient(d.Ledger))
	authed.POST("/ingredients/:id/restock", auth.RequireAction(auth.ActionManageInventory), restockIngredient(d.Ledger))
	authed.POST("/ingredients/:id/reduce", auth.RequireAction(auth.ActionManageInventory), reduceIngredient(d.Ledger))
	authed.POST("/ingredients/restock/import", auth.RequireAction(auth.ActionManageInventory), importRestock(d.Ledger))

	authed.GET("/slots/available", auth.RequireAction(auth.ActionViewSlots), listAvailableSlots(d.Slots))
	authed.GET("/slots", auth.RequireAction(auth.ActionManageSlots), listSlots(d.Slots))
	authed.GET("/slots/:id", auth.RequireAction(auth.ActionViewSlots), getSlot(d.Slots))
	authed.POST("/slots", auth.RequireAction(auth.ActionManageSlots), createSlot(d.Slots))
	authed.PUT("/slots/:id", auth.RequireAction(auth.ActionManageSlots), updateSlot(d.Slots))
	authed.DELETE("/slots/:id", auth.RequireAction(auth.ActionManageSlots), deleteSlot(d.Slots))

	authed.POST("/orders", auth.RequireAction(auth.ActionCreateOrder), createOrder(d.Orders))
	authed.GET("/orders", auth.RequireAction(auth.ActionViewOrder), listOrders(d.Orders))
	authed.GET("/orders/:id", auth.RequireAction(auth.ActionViewOrder), getOrder(d.Orders))
	authed.POST("/orders/:id/confirm", auth.RequireAction(auth.ActionConfirmOrder), transition(d.Orders.Confirm))
	authed.POST("/orders/:id/prepare", auth.RequireAction(auth.ActionPrepareOrder), transition(d.Orders.StartPreparing))
	authed.POST("/orders/:id/ready", auth.RequireAction(auth.ActionMarkOrderReady), transition(d.Orders.MarkReady))
	authed.POST("/orders/:id/complete", auth.RequireAction(auth.ActionCompleteOrder), transition(d.Orders.Complete))
	authed.POST("/orders/:id/cancel", auth.RequireAction(auth.ActionCancelOrder), transition(d.Orders.Cancel))
	authed.PUT("/orders/:id/items/:item_id/availability", auth.RequireAction(auth.ActionSetItemAvailability), setItemAvailability(d.Orders))
	authed.PUT("/orders/:id/items/:item_id/status", auth.RequireAction(auth.ActionSetItemStatus), setItemStatus(d.Orders))
	authed.POST("/orders/:id/slot", auth.RequireAction(auth.ActionAssignSlot), limited("slot"), assignSlot(d.Slots))
	authed.DELETE("/orders/:id/slot", auth.RequireAction(auth.ActionAssignSlot), unassignSlot(d.Slots))
	authed.POST("/orders/:id/pay", auth.RequireAction(auth.ActionPayOrder), limited("pay"), initiatePayment(d.Payments))
	authed.GET("/orders/:id/payments", auth.RequireAction(auth.ActionViewOrder), listPayments(d.Payments))
	authed.POST("/payments/:id/poll", auth.RequireAction(auth.ActionViewOrder), pollPayment(d.Payments))
}

// ok 统一成功响应：{code:0, data}
func ok(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"code": 0, "data": data})
}

// fail 把服务层错误映射为 HTTP 状态与可读信息；内部错误不向外暴露细节。
func fail(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	body := gin.H{"code": status, "msg": apperr.Message(err)}
	var e *apperr.Error
	if errors.As(err, &e) {
		body["error"] = e.Code
	}
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "msg": msg})
}

func idParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		badRequest(c, name+" must be a positive integer")
		return 0, false
	}
	return uint(id), true
}

func actor(c *gin.Context) auth.Actor {
	a, _ := auth.ActorFrom(c)
	return a
}
