package ledger

import (
	"context"
	"time"

	"persona-ledger/internal/pricing"
)

// Store is the transactional document store the ledger runs against.
//
// RunInTx executes fn against a consistent snapshot. Writes staged through
// the Tx become visible only when fn returns nil and the commit succeeds.
// When a document read or written by fn was changed by a concurrent commit,
// RunInTx returns an error wrapping ErrConflict and nothing is written.
// Errors returned by fn are passed through unchanged.
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the unit of work handed to RunInTx. Reads return ErrNotFound for
// missing documents; a missing pricing policy is an empty Policy.
type Tx interface {
	Conversation(ctx context.Context, id string) (Conversation, error)
	AiProfile(ctx context.Context, id string) (AiProfile, error)
	PricingPolicy(ctx context.Context) (pricing.Policy, error)
	UserAccount(ctx context.Context, id string) (UserAccount, error)

	InsertMessage(ctx context.Context, m Message) error
	UpdateConversationCount(ctx context.Context, id string, messageCount int64, at time.Time) error
	UpdateBalance(ctx context.Context, userID string, balance int64, at time.Time) error
}

// Seeder writes reference documents owned by collaborators outside the
// ledger (signup, conversation start, persona moderation, pricing admin).
// Used by the CLI and local bootstrapping; the send path never calls it.
type Seeder interface {
	PutAccount(ctx context.Context, a UserAccount) error
	PutConversation(ctx context.Context, c Conversation) error
	PutAiProfile(ctx context.Context, p AiProfile) error
	PutPricingPolicy(ctx context.Context, p pricing.Policy) error
}

// MessageLog reads committed messages outside any transaction. Results are
// ordered by creation time; the window is [from, to).
type MessageLog interface {
	ListMessages(ctx context.Context, conversationID string, from, to time.Time) ([]Message, error)
}
