package router

import (
	"net/http"

	"preorder/internal/auth"
	"preorder/internal/model"

	"github.com/gin-gonic/gin"
)

type credentials struct {
	Name     string `json:"name"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

func register(dir *auth.Directory) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req credentials
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		u, err := dir.Register(c.Request.Context(), req.Name, req.Email, req.Password)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusCreated, u)
	}
}

func login(dir *auth.Directory) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req credentials
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		token, u, err := dir.Login(c.Request.Context(), req.Email, req.Password)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, gin.H{"token": token, "user": u})
	}
}

// createStaff 管理员创建厨房或管理员账号。
func createStaff(dir *auth.Directory) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			credentials
			Role model.Role `json:"role" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		u, err := dir.CreateStaff(c.Request.Context(), actor(c), req.Name, req.Email, req.Password, req.Role)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusCreated, u)
	}
}
