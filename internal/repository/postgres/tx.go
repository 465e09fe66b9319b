package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"persona-ledger/internal/ledger"
	"persona-ledger/internal/pricing"
)

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) Conversation(ctx context.Context, id string) (ledger.Conversation, error) {
	const q = `
SELECT id, user_id, ai_id, status, message_count, location_lat, location_lng,
       country_code, token_pricing_override, updated_at
FROM conversations
WHERE id = $1
`
	var (
		c        ledger.Conversation
		lat, lng sql.NullFloat64
		override []byte
	)
	if err := t.tx.QueryRowContext(ctx, q, id).Scan(
		&c.ID,
		&c.UserID,
		&c.AiID,
		&c.Status,
		&c.MessageCount,
		&lat,
		&lng,
		&c.CountryCode,
		&override,
		&c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Conversation{}, fmt.Errorf("conversation %s: %w", id, ledger.ErrNotFound)
		}
		return ledger.Conversation{}, err
	}
	if lat.Valid && lng.Valid {
		c.Location = &ledger.Location{Lat: lat.Float64, Lng: lng.Float64}
	}
	p, err := pricing.ParseOverride(override)
	if err != nil {
		return ledger.Conversation{}, fmt.Errorf("conversation %s override: %w", id, err)
	}
	c.TokenPricingOverride = p
	return c, nil
}

func (t *pgTx) AiProfile(ctx context.Context, id string) (ledger.AiProfile, error) {
	const q = `
SELECT id, status, has_avatar
FROM ai_profiles
WHERE id = $1
`
	var p ledger.AiProfile
	if err := t.tx.QueryRowContext(ctx, q, id).Scan(&p.ID, &p.Status, &p.HasAvatar); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.AiProfile{}, fmt.Errorf("ai profile %s: %w", id, ledger.ErrNotFound)
		}
		return ledger.AiProfile{}, err
	}
	return p, nil
}

func (t *pgTx) PricingPolicy(ctx context.Context) (pricing.Policy, error) {
	const q = `
SELECT document, updated_at
FROM pricing_policies
WHERE id = $1
`
	var (
		doc []byte
		at  time.Time
	)
	if err := t.tx.QueryRowContext(ctx, q, defaultPolicyID).Scan(&doc, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return pricing.Policy{}, nil
		}
		return pricing.Policy{}, err
	}
	p, err := pricing.ParsePolicy(doc)
	if err != nil {
		return pricing.Policy{}, fmt.Errorf("pricing policy: %w", err)
	}
	p.UpdatedAt = at
	return p, nil
}

func (t *pgTx) UserAccount(ctx context.Context, id string) (ledger.UserAccount, error) {
	const q = `
SELECT id, token_balance, updated_at
FROM user_accounts
WHERE id = $1
`
	var a ledger.UserAccount
	if err := t.tx.QueryRowContext(ctx, q, id).Scan(&a.ID, &a.TokenBalance, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.UserAccount{}, fmt.Errorf("account %s: %w", id, ledger.ErrNotFound)
		}
		return ledger.UserAccount{}, err
	}
	return a, nil
}

func (t *pgTx) InsertMessage(ctx context.Context, m ledger.Message) error {
	const q = `
INSERT INTO messages (id, conversation_id, author_id, author_role, kind, content, token_cost, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`
	_, err := t.tx.ExecContext(ctx, q,
		m.ID,
		m.ConversationID,
		m.AuthorID,
		string(m.AuthorRole),
		string(m.Kind),
		m.Content,
		m.TokenCost,
		m.CreatedAt,
	)
	return err
}

func (t *pgTx) UpdateConversationCount(ctx context.Context, id string, messageCount int64, at time.Time) error {
	const q = `
UPDATE conversations
SET message_count = $2, updated_at = $3
WHERE id = $1
`
	return execOne(ctx, t.tx, "conversation "+id, q, id, messageCount, at)
}

func (t *pgTx) UpdateBalance(ctx context.Context, userID string, balance int64, at time.Time) error {
	if balance < 0 {
		return fmt.Errorf("account %s: negative balance %d: %w", userID, balance, ledger.ErrInsufficientBalance)
	}
	const q = `
UPDATE user_accounts
SET token_balance = $2, updated_at = $3
WHERE id = $1
`
	return execOne(ctx, t.tx, "account "+userID, q, userID, balance, at)
}

func execOne(ctx context.Context, tx *sql.Tx, what, q string, args ...any) error {
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%s: %w", what, ledger.ErrNotFound)
	}
	return nil
}
