package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"persona-ledger/internal/pricing"
)

// RetryPolicy bounds how often a conflicting attempt is re-run. Zero fields
// take DefaultRetryPolicy values; a negative BaseBackoff retries without
// waiting.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseBackoff: 20 * time.Millisecond, MaxBackoff: 250 * time.Millisecond}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseBackoff < 0 {
		p.BaseBackoff, p.MaxBackoff = 0, 0
	} else {
		if p.BaseBackoff == 0 {
			p.BaseBackoff = d.BaseBackoff
		}
		if p.MaxBackoff == 0 {
			p.MaxBackoff = d.MaxBackoff
		}
	}
	if p.MaxBackoff < p.BaseBackoff {
		p.MaxBackoff = p.BaseBackoff
	}
	return p
}

// backoff returns the wait before attempt n+1 (n >= 1): exponential from
// BaseBackoff, capped at MaxBackoff, with jitter in the upper half.
func (p RetryPolicy) backoff(n int) time.Duration {
	if p.BaseBackoff <= 0 {
		return 0
	}
	d := p.BaseBackoff
	for i := 1; i < n && d < p.MaxBackoff; i++ {
		d *= 2
	}
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	half := d / 2
	return half + rand.N(half+1)
}

// Observer is notified once per finished send. attempts counts every attempt
// made, including the last one.
type Observer interface {
	ObserveSend(req SendRequest, msg Message, attempts int, err error)
}

// Coordinator retries ledger attempts that lost an optimistic race.
// Only ErrConflict is retried; every other outcome is final.
type Coordinator struct {
	svc      *Service
	policy   RetryPolicy
	observer Observer
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewCoordinator(svc *Service, policy RetryPolicy, observer Observer) *Coordinator {
	return &Coordinator{
		svc:      svc,
		policy:   policy.withDefaults(),
		observer: observer,
		sleep:    sleepCtx,
	}
}

// Send charges and appends one message, retrying on write conflicts.
func (c *Coordinator) Send(ctx context.Context, req SendRequest) (Message, error) {
	var msg Message
	attempts, err := c.retry(ctx, func() error {
		var err error
		msg, err = c.svc.Send(ctx, req)
		return err
	})
	if c.observer != nil {
		c.observer.ObserveSend(req, msg, attempts, err)
	}
	if err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (c *Coordinator) Grant(ctx context.Context, userID string, amount int64) (UserAccount, error) {
	var acct UserAccount
	_, err := c.retry(ctx, func() error {
		var err error
		acct, err = c.svc.Grant(ctx, userID, amount)
		return err
	})
	return acct, err
}

func (c *Coordinator) Quote(ctx context.Context, conversationID, userID string, kind pricing.Kind) (pricing.Quote, error) {
	var q pricing.Quote
	_, err := c.retry(ctx, func() error {
		var err error
		q, err = c.svc.Quote(ctx, conversationID, userID, kind)
		return err
	})
	return q, err
}

func (c *Coordinator) Balance(ctx context.Context, userID string) (UserAccount, error) {
	return c.svc.Balance(ctx, userID)
}

func (c *Coordinator) PricingPolicy(ctx context.Context) (pricing.Policy, error) {
	return c.svc.PricingPolicy(ctx)
}

func (c *Coordinator) retry(ctx context.Context, attempt func() error) (int, error) {
	var last error
	for n := 1; n <= c.policy.MaxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return n - 1, err
		}
		last = attempt()
		if last == nil || !errors.Is(last, ErrConflict) {
			return n, last
		}
		if n == c.policy.MaxAttempts {
			break
		}
		if err := c.sleep(ctx, c.policy.backoff(n)); err != nil {
			return n, err
		}
	}
	return c.policy.MaxAttempts, fmt.Errorf("%w after %d attempts: %w", ErrConflictExhausted, c.policy.MaxAttempts, last)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
