package ledger

import (
	"strings"
	"time"

	"persona-ledger/internal/pricing"
)

type AuthorRole string

const (
	AuthorClient AuthorRole = "client"
	AuthorAI     AuthorRole = "ai"
)

func (r AuthorRole) Valid() bool {
	return r == AuthorClient || r == AuthorAI
}

type AiStatus string

const (
	AiPending   AiStatus = "pending"
	AiActive    AiStatus = "active"
	AiSuspended AiStatus = "suspended"
	AiDisabled  AiStatus = "disabled"
	AiRejected  AiStatus = "rejected"
)

type UserAccount struct {
	ID           string    `json:"id"`
	TokenBalance int64     `json:"token_balance"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// NewLocation returns a location only when both coordinates are known.
func NewLocation(lat, lng *float64) *Location {
	if lat == nil || lng == nil {
		return nil
	}
	return &Location{Lat: *lat, Lng: *lng}
}

// Conversation is a user's chat thread with one AI persona.
//
// MessageCount is advanced by the send transaction only; it is never
// recomputed from the message log.
type Conversation struct {
	ID                   string         `json:"id"`
	UserID               string         `json:"user_id"`
	AiID                 string         `json:"ai_id"`
	Status               string         `json:"status"`
	MessageCount         int64          `json:"message_count"`
	Location             *Location      `json:"location,omitempty"`
	CountryCode          string         `json:"country_code,omitempty"`
	TokenPricingOverride pricing.Prices `json:"token_pricing_override,omitempty"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// Message is immutable once committed.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	AuthorID       string       `json:"author_id"`
	AuthorRole     AuthorRole   `json:"author_role"`
	Kind           pricing.Kind `json:"kind"`
	Content        string       `json:"content"`
	TokenCost      int64        `json:"token_cost"`
	CreatedAt      time.Time    `json:"created_at"`
}

type AiProfile struct {
	ID        string   `json:"id"`
	Status    AiStatus `json:"status"`
	HasAvatar bool     `json:"has_avatar"`
}

// SendRequest is the input of a single send.
//
// UserID is the paying account and must own the conversation. For AI-authored
// messages the author is the conversation's persona; the user still pays.
type SendRequest struct {
	ConversationID string       `json:"conversation_id"`
	UserID         string       `json:"user_id"`
	AuthorRole     AuthorRole   `json:"author_role"`
	Kind           pricing.Kind `json:"kind"`
	Content        string       `json:"content"`
}

func (r SendRequest) validate() error {
	if strings.TrimSpace(r.ConversationID) == "" || strings.TrimSpace(r.UserID) == "" {
		return ErrInvalidArgument
	}
	if !r.AuthorRole.Valid() {
		return ErrInvalidArgument
	}
	if strings.TrimSpace(string(r.Kind)) == "" {
		return ErrInvalidArgument
	}
	return nil
}
