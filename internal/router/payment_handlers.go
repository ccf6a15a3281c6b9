package router

import (
	"log/slog"
	"net/http"

	"preorder/internal/apperr"
	"preorder/internal/payment"

	"github.com/gin-gonic/gin"
)

func initiatePayment(svc *payment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, good := idParam(c, "id")
		if !good {
			return
		}
		p, err := svc.Initiate(c.Request.Context(), actor(c), id)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusCreated, gin.H{"payment": p, "redirect_url": p.PaymentURL})
	}
}

func listPayments(svc *payment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, good := idParam(c, "id")
		if !good {
			return
		}
		list, err := svc.ListForOrder(c.Request.Context(), actor(c), id)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, list)
	}
}

func pollPayment(svc *payment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, good := idParam(c, "id")
		if !good {
			return
		}
		p, err := svc.Poll(c.Request.Context(), actor(c), id)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, p)
	}
}

// paymentCallback 网关异步通知：200 {status:"success"}；验签失败 400；无对应支付 404；其它 500。
func paymentCallback(svc *payment.Service, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "msg": "cannot read callback body"})
			return
		}
		if _, err := svc.HandleCallback(c.Request.Context(), body); err != nil {
			status := apperr.HTTPStatus(err)
			if status >= http.StatusInternalServerError {
				log.Error("payment_callback_failed", "error", err)
				status = http.StatusInternalServerError
			}
			c.JSON(status, gin.H{"status": "error", "msg": apperr.Message(err)})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success"})
	}
}
