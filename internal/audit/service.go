package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events. Append-only.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records admin actions. Audit is internal-only and callers treat
// failures as best-effort: a failed append never undoes the action.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.ActorUserID == "" || e.Type == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// LogGrant records an admin token grant.
func (s *Service) LogGrant(ctx context.Context, actorUserID, actorRole, ip, targetUserID string, amount int64, reason string) error {
	if targetUserID == "" || amount <= 0 {
		return ErrInvalidEvent
	}
	return s.Append(ctx, Event{
		Type:         EventTypeTokenGrant,
		ActorUserID:  actorUserID,
		ActorRole:    actorRole,
		IPAddress:    ip,
		TargetUserID: targetUserID,
		Amount:       amount,
		Message:      reason,
	})
}
