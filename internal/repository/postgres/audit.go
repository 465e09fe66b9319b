package postgres

import (
	"context"
	"database/sql"

	"persona-ledger/internal/audit"
)

// AuditRepo appends audit events to audit_events. It never updates or
// deletes rows.
type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(db *sql.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

func (r *AuditRepo) Append(ctx context.Context, e audit.Event) error {
	const q = `
INSERT INTO audit_events (id, type, actor_user_id, actor_role, target_user_id, amount,
                          ip_address, message, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`
	var metadata any
	if e.Metadata != "" {
		metadata = e.Metadata
	}
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		string(e.Type),
		e.ActorUserID,
		e.ActorRole,
		e.TargetUserID,
		e.Amount,
		e.IPAddress,
		e.Message,
		metadata,
		e.CreatedAt,
	)
	return err
}
