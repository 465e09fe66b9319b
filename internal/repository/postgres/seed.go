package postgres

import (
	"context"
	"database/sql"

	"persona-ledger/internal/ledger"
	"persona-ledger/internal/pricing"
)

var (
	_ ledger.Store      = (*Store)(nil)
	_ ledger.Seeder     = (*Store)(nil)
	_ ledger.MessageLog = (*Store)(nil)
)

func (s *Store) PutAccount(ctx context.Context, a ledger.UserAccount) error {
	const q = `
INSERT INTO user_accounts (id, token_balance, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (id) DO UPDATE SET token_balance = EXCLUDED.token_balance, updated_at = now()
`
	_, err := s.db.ExecContext(ctx, q, a.ID, a.TokenBalance)
	return err
}

// PutConversation replaces the whole conversation row, counter included.
func (s *Store) PutConversation(ctx context.Context, c ledger.Conversation) error {
	if c.ID == "" || c.UserID == "" || c.MessageCount < 0 {
		return ledger.ErrInvalidArgument
	}
	const q = `
INSERT INTO conversations (id, user_id, ai_id, status, message_count, location_lat, location_lng,
                           country_code, token_pricing_override, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
ON CONFLICT (id) DO UPDATE SET
    user_id = EXCLUDED.user_id,
    ai_id = EXCLUDED.ai_id,
    status = EXCLUDED.status,
    message_count = EXCLUDED.message_count,
    location_lat = EXCLUDED.location_lat,
    location_lng = EXCLUDED.location_lng,
    country_code = EXCLUDED.country_code,
    token_pricing_override = EXCLUDED.token_pricing_override,
    updated_at = now()
`
	var lat, lng sql.NullFloat64
	if c.Location != nil {
		lat = sql.NullFloat64{Float64: c.Location.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: c.Location.Lng, Valid: true}
	}
	override, err := pricing.EncodeOverride(c.TokenPricingOverride)
	if err != nil {
		return err
	}
	var overrideArg any
	if override != nil {
		overrideArg = string(override)
	}
	_, err = s.db.ExecContext(ctx, q,
		c.ID,
		c.UserID,
		c.AiID,
		c.Status,
		c.MessageCount,
		lat,
		lng,
		pricing.NormalizeCountry(c.CountryCode),
		overrideArg,
	)
	return err
}

func (s *Store) PutAiProfile(ctx context.Context, p ledger.AiProfile) error {
	const q = `
INSERT INTO ai_profiles (id, status, has_avatar)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, has_avatar = EXCLUDED.has_avatar
`
	_, err := s.db.ExecContext(ctx, q, p.ID, string(p.Status), p.HasAvatar)
	return err
}

func (s *Store) PutPricingPolicy(ctx context.Context, p pricing.Policy) error {
	const q = `
INSERT INTO pricing_policies (id, document, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document, updated_at = now()
`
	doc, err := pricing.EncodePolicy(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, q, defaultPolicyID, string(doc))
	return err
}
