// Package reporting aggregates committed messages into token usage reports.
// Reports read the append-only message log; they never touch balances.
package reporting

import (
	"context"
	"errors"
	"fmt"

	"persona-ledger/internal/ledger"
	"persona-ledger/internal/pricing"
)

var ErrInvalidRequest = fmt.Errorf("reporting: invalid request: %w", ledger.ErrInvalidArgument)

type Service struct {
	store ledger.Store
	log   ledger.MessageLog
}

func NewService(store ledger.Store, log ledger.MessageLog) *Service {
	return &Service{store: store, log: log}
}

func (s *Service) UsageSummary(ctx context.Context, req UsageSummaryRequest) (UsageSummary, error) {
	if req.UserID == "" || req.ConversationID == "" {
		return UsageSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return UsageSummary{}, ErrInvalidRequest
	}
	if s.store == nil || s.log == nil {
		return UsageSummary{}, errors.New("reporting: repository not configured")
	}

	var conv ledger.Conversation
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		conv, err = tx.Conversation(ctx, req.ConversationID)
		return err
	})
	if err != nil {
		return UsageSummary{}, err
	}
	if conv.UserID != req.UserID {
		return UsageSummary{}, fmt.Errorf("conversation %s: %w", req.ConversationID, ledger.ErrNotFound)
	}

	msgs, err := s.log.ListMessages(ctx, req.ConversationID, req.Range.From, req.Range.To)
	if err != nil {
		return UsageSummary{}, err
	}

	out := UsageSummary{
		ConversationID: req.ConversationID,
		Range:          req.Range,
		MessageCount:   conv.MessageCount,
		ByKind:         map[pricing.Kind]KindUsage{},
		ByAuthor:       map[ledger.AuthorRole]KindUsage{},
	}
	for _, m := range msgs {
		out.Messages++
		out.TokensSpent += m.TokenCost

		k := out.ByKind[m.Kind]
		k.Messages++
		k.Tokens += m.TokenCost
		out.ByKind[m.Kind] = k

		a := out.ByAuthor[m.AuthorRole]
		a.Messages++
		a.Tokens += m.TokenCost
		out.ByAuthor[m.AuthorRole] = a
	}
	return out, nil
}
