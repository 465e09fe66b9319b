package reporting

import (
	"time"

	"persona-ledger/internal/ledger"
	"persona-ledger/internal/pricing"
)

// TimeRange is the half-open window [From, To).
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// UsageSummaryRequest asks for the token spend of one conversation.
// UserID must own the conversation.
type UsageSummaryRequest struct {
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Range          TimeRange `json:"range"`
}

type KindUsage struct {
	Messages int   `json:"messages"`
	Tokens   int64 `json:"tokens"`
}

type UsageSummary struct {
	ConversationID string    `json:"conversation_id"`
	Range          TimeRange `json:"range"`

	// MessageCount is the conversation's lifetime counter, independent of Range.
	MessageCount int64 `json:"message_count"`

	Messages    int                             `json:"messages"`
	TokensSpent int64                           `json:"tokens_spent"`
	ByKind      map[pricing.Kind]KindUsage      `json:"by_kind"`
	ByAuthor    map[ledger.AuthorRole]KindUsage `json:"by_author"`
}
