package httpapi

import (
	"context"
	"net/http"

	"persona-ledger/internal/auth"
	"persona-ledger/pkg/logger"

	"github.com/gin-gonic/gin"
)

// SlotLimiter bounds in-flight operations per subject. utils.ConcurrencyCap
// implements it over Redis.
type SlotLimiter interface {
	Acquire(ctx context.Context, subject string) (bool, error)
	Release(ctx context.Context, subject string) error
}

// SendSlots caps concurrent sends per user. It only sheds load: the store
// transaction still decides every charge. A limiter outage fails open.
func SendSlots(l SlotLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		userID, err := auth.UserID(ctx)
		if err != nil {
			c.Next()
			return
		}

		ok, err := l.Acquire(ctx, userID)
		if err != nil {
			logger.From(ctx).Warn("send slot acquire failed", "user_id", userID, "error", err)
			c.Next()
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many concurrent sends"})
			return
		}

		defer func() {
			// Release even when the request context is already cancelled.
			rctx := context.WithoutCancel(ctx)
			if err := l.Release(rctx, userID); err != nil {
				logger.From(rctx).Warn("send slot release failed", "user_id", userID, "error", err)
			}
		}()
		c.Next()
	}
}
