package httpapi

import (
	"net/http"

	"persona-ledger/internal/ledger"
	"persona-ledger/pkg/logger"

	"github.com/gin-gonic/gin"
)

// writeError maps a ledger error to a status code and a stable error body.
// Internal errors are logged with their cause and answered generically.
func writeError(c *gin.Context, err error) {
	kind := ledger.KindOf(err)
	body := gin.H{"error": string(kind)}

	var status int
	switch kind {
	case ledger.KindInvalidArgument:
		status = http.StatusBadRequest
	case ledger.KindNotFound:
		status = http.StatusNotFound
	case ledger.KindPrecondition:
		status = http.StatusUnprocessableEntity
		if reason, ok := ledger.PreconditionReason(err); ok {
			body["reason"] = reason
		}
	case ledger.KindInsufficientBalance:
		status = http.StatusPaymentRequired
	case ledger.KindInvalidPrice:
		status = http.StatusServiceUnavailable
		body["message"] = "pricing unavailable"
	case ledger.KindConflict, ledger.KindConflictExhausted:
		status = http.StatusConflict
		body["message"] = "try again"
	case ledger.KindCanceled:
		status = http.StatusRequestTimeout
	default:
		status = http.StatusInternalServerError
		body["error"] = "internal"
		_ = c.Error(err)
		logger.FromGin(c).Error("ledger operation failed", "error", err)
	}
	c.AbortWithStatusJSON(status, body)
}
