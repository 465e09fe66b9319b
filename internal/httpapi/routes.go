package httpapi

import (
	"context"
	"net/http"

	"persona-ledger/internal/rbac"

	"github.com/gin-gonic/gin"
)

// Register wires the v1 API. authMW must inject identity into the request
// context; slots may be nil when no limiter is configured.
func Register(r gin.IRouter, h Handlers, authMW gin.HandlerFunc, slots SlotLimiter) {
	v1 := r.Group("/v1")
	v1.Use(authMW)

	v1.GET("/me/balance", h.GetBalance)

	convs := v1.Group("/conversations/:conversation_id")
	convs.Use(rbac.RequireAnyRole(rbac.RoleClient, rbac.RoleAdmin))
	{
		send := []gin.HandlerFunc{}
		if slots != nil {
			send = append(send, SendSlots(slots))
		}
		send = append(send, h.SendMessage)
		convs.POST("/messages", send...)
		convs.GET("/quote", h.QuoteMessage)
		convs.GET("/usage", h.ConversationUsage)
	}

	admin := v1.Group("/admin")
	admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
	{
		admin.POST("/users/:user_id/grant", h.AdminGrant)
		admin.GET("/pricing", h.AdminPricing)
	}
}

// RegisterHealth adds the unauthenticated liveness route. check may be nil.
func RegisterHealth(r gin.IRouter, check func(ctx context.Context) error) {
	r.GET("/healthz", func(c *gin.Context) {
		if check != nil {
			if err := check(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
