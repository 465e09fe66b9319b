package postgres

import (
	"context"
	"fmt"
	"time"

	"persona-ledger/internal/ledger"
	"persona-ledger/internal/pricing"
)

func (s *Store) ListMessages(ctx context.Context, conversationID string, from, to time.Time) ([]ledger.Message, error) {
	const q = `
SELECT id, conversation_id, author_id, author_role, kind, content, token_cost, created_at
FROM messages
WHERE conversation_id = $1 AND created_at >= $2 AND created_at < $3
ORDER BY created_at, id
`
	rows, err := s.db.QueryContext(ctx, q, conversationID, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list messages: %w", err)
	}
	defer rows.Close()

	out := make([]ledger.Message, 0)
	for rows.Next() {
		var (
			m          ledger.Message
			role, kind string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.AuthorID, &role, &kind, &m.Content, &m.TokenCost, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		m.AuthorRole = ledger.AuthorRole(role)
		m.Kind = pricing.Kind(kind)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list messages: %w", err)
	}
	return out, nil
}
