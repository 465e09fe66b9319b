package audit

import "time"

// Event is an immutable, append-only audit record of an admin action on the
// token ledger.
//
// Invariants:
// - Events are never updated or deleted.
// - actor_user_id and type are required.
type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	ActorUserID string `json:"actor_user_id" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress   string `json:"ip_address,omitempty" db:"ip_address"`

	// TargetUserID is the account the action applied to, if any.
	TargetUserID string `json:"target_user_id,omitempty" db:"target_user_id"`
	// Amount is the token delta for grants.
	Amount int64 `json:"amount,omitempty" db:"amount"`

	Message string `json:"message,omitempty" db:"message"`
	// Metadata is optional JSON.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeTokenGrant  EventType = "token_grant"
	EventTypeAdminAction EventType = "admin_action"
)
