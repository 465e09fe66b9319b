package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"persona-ledger/internal/audit"
	"persona-ledger/internal/auth"
	"persona-ledger/internal/ledger"
	"persona-ledger/internal/pricing"
	"persona-ledger/internal/replies"
	"persona-ledger/internal/reporting"
	"persona-ledger/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Ledger is the slice of ledger.Coordinator the handlers need.
type Ledger interface {
	Send(ctx context.Context, req ledger.SendRequest) (ledger.Message, error)
	Grant(ctx context.Context, userID string, amount int64) (ledger.UserAccount, error)
	Quote(ctx context.Context, conversationID, userID string, kind pricing.Kind) (pricing.Quote, error)
	Balance(ctx context.Context, userID string) (ledger.UserAccount, error)
	PricingPolicy(ctx context.Context) (pricing.Policy, error)
}

// ReplyQueue accepts reply jobs without blocking.
type ReplyQueue interface {
	Enqueue(job replies.Job) bool
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call the ledger, return JSON.
type Handlers struct {
	Ledger  Ledger
	Audit   *audit.Service
	Replies ReplyQueue
	Reports *reporting.Service
}

type sendMessageRequest struct {
	Kind    string `json:"kind"`
	Content string `json:"content"`
}

// SendMessage charges the caller and appends a client message to one of
// their conversations. A committed message is handed to the reply queue.
func (h Handlers) SendMessage(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}

	var body sendMessageRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	msg, err := h.Ledger.Send(c.Request.Context(), ledger.SendRequest{
		ConversationID: c.Param("conversation_id"),
		UserID:         userID,
		AuthorRole:     ledger.AuthorClient,
		Kind:           pricing.Kind(strings.TrimSpace(body.Kind)),
		Content:        body.Content,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	if h.Replies != nil {
		h.Replies.Enqueue(replies.Job{UserID: userID, Message: msg})
	}
	c.JSON(http.StatusCreated, msg)
}

// QuoteMessage returns what a send of the given kind would cost right now.
// Nothing is charged.
func (h Handlers) QuoteMessage(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	kind := strings.TrimSpace(c.Query("kind"))
	if kind == "" {
		kind = string(pricing.KindText)
	}

	q, err := h.Ledger.Quote(c.Request.Context(), c.Param("conversation_id"), userID, pricing.Kind(kind))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

func (h Handlers) GetBalance(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	acct, err := h.Ledger.Balance(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

const defaultUsageWindow = 30 * 24 * time.Hour

// ConversationUsage reports token spend of one conversation over
// [from, to). Both bounds are RFC 3339; to defaults to now and from to
// thirty days before to.
func (h Handlers) ConversationUsage(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reports not configured"})
		return
	}

	to := time.Now().UTC()
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC 3339"})
			return
		}
		to = t
	}
	from := to.Add(-defaultUsageWindow)
	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC 3339"})
			return
		}
		from = t
	}

	out, err := h.Reports.UsageSummary(c.Request.Context(), reporting.UsageSummaryRequest{
		UserID:         userID,
		ConversationID: c.Param("conversation_id"),
		Range:          reporting.TimeRange{From: from, To: to},
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type grantRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

// AdminGrant credits tokens to a user and records an audit event.
// RBAC: admin or super_admin.
func (h Handlers) AdminGrant(c *gin.Context) {
	adminID, ok := callerID(c)
	if !ok {
		return
	}
	adminRole, _ := auth.Role(c.Request.Context())

	var body grantRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if body.Amount <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "amount must be positive"})
		return
	}

	target := c.Param("user_id")
	acct, err := h.Ledger.Grant(c.Request.Context(), target, body.Amount)
	if err != nil {
		writeError(c, err)
		return
	}

	// The grant is committed; a lost audit line must not invite a retried grant.
	if h.Audit != nil {
		ctx := c.Request.Context()
		if err := h.Audit.LogGrant(ctx, adminID, adminRole, c.ClientIP(), target, body.Amount, body.Reason); err != nil {
			logger.From(ctx).Error("audit grant failed", "target_user_id", target, "amount", body.Amount, "error", err)
		}
	}
	c.JSON(http.StatusOK, acct)
}

func (h Handlers) AdminPricing(c *gin.Context) {
	p, err := h.Ledger.PricingPolicy(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func callerID(c *gin.Context) (string, bool) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return "", false
	}
	return uid, true
}
