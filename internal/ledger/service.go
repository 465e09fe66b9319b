package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"persona-ledger/internal/pricing"

	"github.com/google/uuid"
)

// Service runs single attempts of the ledger operations against a Store.
//
// Money invariants:
//   - A Message exists iff its token cost was debited in the same commit.
//   - Balances never go below zero.
//   - conversation.message_count advances by exactly one per committed message.
//
// Service never retries; wrap it in a Coordinator for that.
type Service struct {
	store Store
	// clock and newID are injectable for deterministic tests.
	clock func() time.Time
	newID func() string
}

func NewService(store Store) *Service {
	return &Service{
		store: store,
		clock: time.Now,
		newID: func() string { return uuid.NewString() },
	}
}

// Send performs one atomic send attempt: snapshot read, gate, price, charge,
// append, commit. On any error nothing has been written.
func (s *Service) Send(ctx context.Context, req SendRequest) (Message, error) {
	if err := req.validate(); err != nil {
		return Message{}, err
	}

	var out Message
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		conv, ai, err := loadConversation(ctx, tx, req.ConversationID, req.UserID)
		if err != nil {
			return err
		}
		policy, err := tx.PricingPolicy(ctx)
		if err != nil {
			return err
		}
		acct, err := tx.UserAccount(ctx, req.UserID)
		if err != nil {
			return err
		}

		if err := Gate(conv, ai); err != nil {
			return err
		}
		quote, err := pricing.Resolve(req.Kind, policy, conv.TokenPricingOverride, conv.CountryCode)
		if err != nil {
			return err
		}
		if acct.TokenBalance < quote.Cost {
			return fmt.Errorf("%w: balance %d, cost %d", ErrInsufficientBalance, acct.TokenBalance, quote.Cost)
		}

		now := s.clock().UTC()
		msg := Message{
			ID:             s.newID(),
			ConversationID: conv.ID,
			AuthorID:       authorID(req, conv),
			AuthorRole:     req.AuthorRole,
			Kind:           req.Kind,
			Content:        req.Content,
			TokenCost:      quote.Cost,
			CreatedAt:      now,
		}
		if err := tx.InsertMessage(ctx, msg); err != nil {
			return err
		}
		if err := tx.UpdateConversationCount(ctx, conv.ID, conv.MessageCount+1, now); err != nil {
			return err
		}
		if err := tx.UpdateBalance(ctx, acct.ID, acct.TokenBalance-quote.Cost, now); err != nil {
			return err
		}
		out = msg
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return out, nil
}

// Quote returns the price a send of kind would be charged right now. It runs
// the same reads, gate and resolver as Send but writes nothing.
func (s *Service) Quote(ctx context.Context, conversationID, userID string, kind pricing.Kind) (pricing.Quote, error) {
	if strings.TrimSpace(conversationID) == "" || strings.TrimSpace(userID) == "" || strings.TrimSpace(string(kind)) == "" {
		return pricing.Quote{}, ErrInvalidArgument
	}
	var out pricing.Quote
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		conv, ai, err := loadConversation(ctx, tx, conversationID, userID)
		if err != nil {
			return err
		}
		policy, err := tx.PricingPolicy(ctx)
		if err != nil {
			return err
		}
		if err := Gate(conv, ai); err != nil {
			return err
		}
		out, err = pricing.Resolve(kind, policy, conv.TokenPricingOverride, conv.CountryCode)
		return err
	})
	if err != nil {
		return pricing.Quote{}, err
	}
	return out, nil
}

// Grant credits amount tokens to a user's balance in one attempt.
func (s *Service) Grant(ctx context.Context, userID string, amount int64) (UserAccount, error) {
	if strings.TrimSpace(userID) == "" || amount <= 0 {
		return UserAccount{}, ErrInvalidArgument
	}
	var out UserAccount
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		acct, err := tx.UserAccount(ctx, userID)
		if err != nil {
			return err
		}
		if amount > math.MaxInt64-acct.TokenBalance {
			return fmt.Errorf("%w: grant overflows balance", ErrInvalidArgument)
		}
		now := s.clock().UTC()
		acct.TokenBalance += amount
		acct.UpdatedAt = now
		if err := tx.UpdateBalance(ctx, acct.ID, acct.TokenBalance, now); err != nil {
			return err
		}
		out = acct
		return nil
	})
	if err != nil {
		return UserAccount{}, err
	}
	return out, nil
}

func (s *Service) Balance(ctx context.Context, userID string) (UserAccount, error) {
	if strings.TrimSpace(userID) == "" {
		return UserAccount{}, ErrInvalidArgument
	}
	var out UserAccount
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		out, err = tx.UserAccount(ctx, userID)
		return err
	})
	return out, err
}

func (s *Service) PricingPolicy(ctx context.Context) (pricing.Policy, error) {
	var out pricing.Policy
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		out, err = tx.PricingPolicy(ctx)
		return err
	})
	return out, err
}

// loadConversation reads the conversation and its persona. A conversation
// owned by another user is reported as not found. The persona is nil when
// it does not exist; the gate decides what that means.
func loadConversation(ctx context.Context, tx Tx, conversationID, userID string) (Conversation, *AiProfile, error) {
	conv, err := tx.Conversation(ctx, conversationID)
	if err != nil {
		return Conversation{}, nil, err
	}
	if conv.UserID != userID {
		return Conversation{}, nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	var ai *AiProfile
	if conv.AiID != "" {
		p, err := tx.AiProfile(ctx, conv.AiID)
		switch {
		case err == nil:
			ai = &p
		case errors.Is(err, ErrNotFound):
		default:
			return Conversation{}, nil, err
		}
	}
	return conv, ai, nil
}

func authorID(req SendRequest, conv Conversation) string {
	if req.AuthorRole == AuthorAI {
		return conv.AiID
	}
	return req.UserID
}
