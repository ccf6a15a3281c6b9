package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ctxActorKey = "auth.actor"

// JWTMiddleware 解析 Bearer 令牌，把 Actor 放进 gin 上下文。
func JWTMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "Authorization header must be 'Bearer <token>'"})
			return
		}
		claims, err := ParseToken(secret, parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "invalid or expired token"})
			return
		}
		SetActor(c, Actor{UserID: claims.UserID, Role: claims.Role})
		c.Next()
	}
}

// RequireAction 角色无权限时在进入 handler 前直接拒绝。
func RequireAction(action Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := ActorFrom(c)
		if !ok || !Can(actor.Role, action) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": 403, "msg": "you are not allowed to perform this action"})
			return
		}
		c.Next()
	}
}

// SetActor 把已认证的调用方写入请求上下文。
func SetActor(c *gin.Context, a Actor) { c.Set(ctxActorKey, a) }

func ActorFrom(c *gin.Context) (Actor, bool) {
	v, ok := c.Get(ctxActorKey)
	if !ok {
		return Actor{}, false
	}
	actor, ok := v.(Actor)
	return actor, ok
}
