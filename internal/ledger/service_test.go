package ledger

import (
	"context"
	"errors"
	"math"
	"testing"

	"persona-ledger/internal/pricing"

	"github.com/stretchr/testify/require"
)

func TestSend_CountryPrice(t *testing.T) {
	f := newFixture(t)

	msg, err := f.send(pricing.KindText)
	require.NoError(t, err)
	require.Equal(t, int64(2), msg.TokenCost)
	require.Equal(t, "user-1", msg.AuthorID)
	require.Equal(t, fixedNow, msg.CreatedAt)

	require.Equal(t, int64(8), f.balance(t))
	require.Equal(t, int64(1), f.messageCount(t))
	require.Len(t, f.store.Messages("conv-1"), 1)
}

func TestSend_ConversationOverride(t *testing.T) {
	f := newFixture(t, withOverride(pricing.Prices{pricing.KindImage: 3}))

	msg, err := f.send(pricing.KindImage)
	require.NoError(t, err)
	require.Equal(t, int64(3), msg.TokenCost)
	require.Equal(t, int64(7), f.balance(t))
}

func TestSend_InsufficientBalanceWritesNothing(t *testing.T) {
	f := newFixture(t, withBalance(1))

	_, err := f.send(pricing.KindText)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.Equal(t, KindInsufficientBalance, KindOf(err))

	require.Equal(t, int64(1), f.balance(t))
	require.Equal(t, int64(0), f.messageCount(t))
	require.Empty(t, f.store.Messages("conv-1"))
}

func TestSend_ExactBalanceReachesZero(t *testing.T) {
	f := newFixture(t, withBalance(2))

	_, err := f.send(pricing.KindText)
	require.NoError(t, err)
	require.Equal(t, int64(0), f.balance(t))

	_, err = f.send(pricing.KindText)
	require.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestSend_PendingPersonaAlwaysRejected(t *testing.T) {
	pending := AiProfile{ID: "ai-1", Status: AiPending, HasAvatar: true}
	lat, lng := 48.85, 2.35

	cases := []struct {
		name string
		opts []fixtureOpt
	}{
		{"country, rich", []fixtureOpt{withBalance(100)}},
		{"country, broke", []fixtureOpt{withBalance(0)}},
		{"coordinates only", []fixtureOpt{withConversation(func(c *Conversation) {
			c.CountryCode = ""
			c.Location = NewLocation(&lat, &lng)
		})}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, append(tc.opts, withAi(pending))...)
			before := f.balance(t)

			_, err := f.send(pricing.KindText)
			require.ErrorIs(t, err, ErrAiNotActive)
			require.Equal(t, before, f.balance(t))
			require.Equal(t, int64(0), f.messageCount(t))
		})
	}
}

func TestSend_LocationRequiredBeforeAnythingElse(t *testing.T) {
	lat := 1.0
	f := newFixture(t,
		withBalance(0),
		withAi(AiProfile{ID: "ai-1", Status: AiSuspended}),
		withConversation(func(c *Conversation) {
			c.CountryCode = ""
			c.Location = NewLocation(&lat, nil)
		}),
	)

	_, err := f.send(pricing.KindText)
	require.ErrorIs(t, err, ErrLocationRequired)
	reason, ok := PreconditionReason(err)
	require.True(t, ok)
	require.Equal(t, "location_required", reason)
}

func TestSend_MissingPersona(t *testing.T) {
	f := newFixture(t, withAi(AiProfile{}))

	_, err := f.send(pricing.KindText)
	require.ErrorIs(t, err, ErrAiNotFound)
	require.Equal(t, KindPrecondition, KindOf(err))
}

func TestSend_NotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Send(ctx, SendRequest{ConversationID: "nope", UserID: "user-1", AuthorRole: AuthorClient, Kind: pricing.KindText})
	require.ErrorIs(t, err, ErrNotFound)

	// conversation belongs to user-1
	require.NoError(t, f.store.PutAccount(ctx, UserAccount{ID: "user-2", TokenBalance: 50}))
	_, err = f.svc.Send(ctx, SendRequest{ConversationID: "conv-1", UserID: "user-2", AuthorRole: AuthorClient, Kind: pricing.KindText})
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, int64(50), mustBalance(t, f, "user-2"))
}

func TestSend_MissingAccount(t *testing.T) {
	f := newFixture(t, withConversation(func(c *Conversation) { c.UserID = "ghost" }))

	_, err := f.svc.Send(context.Background(), SendRequest{ConversationID: "conv-1", UserID: "ghost", AuthorRole: AuthorClient, Kind: pricing.KindText})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSend_InvalidArguments(t *testing.T) {
	f := newFixture(t)
	bad := []SendRequest{
		{UserID: "user-1", AuthorRole: AuthorClient, Kind: pricing.KindText},
		{ConversationID: "conv-1", AuthorRole: AuthorClient, Kind: pricing.KindText},
		{ConversationID: "conv-1", UserID: "user-1", AuthorRole: "system", Kind: pricing.KindText},
		{ConversationID: "conv-1", UserID: "user-1", AuthorRole: AuthorClient},
	}
	for _, req := range bad {
		_, err := f.svc.Send(context.Background(), req)
		require.ErrorIs(t, err, ErrInvalidArgument)
	}
}

func TestSend_InvalidPrice(t *testing.T) {
	f := newFixture(t)

	_, err := f.send("video")
	require.ErrorIs(t, err, ErrInvalidPrice)
	require.Equal(t, KindInvalidPrice, KindOf(err))
	require.Equal(t, int64(10), f.balance(t))
}

func TestSend_AiAuthoredChargesOwner(t *testing.T) {
	f := newFixture(t)

	msg, err := f.svc.Send(context.Background(), SendRequest{
		ConversationID: "conv-1", UserID: "user-1", AuthorRole: AuthorAI, Kind: pricing.KindImage,
	})
	require.NoError(t, err)
	require.Equal(t, "ai-1", msg.AuthorID)
	require.Equal(t, int64(5), f.balance(t))
}

func TestSend_SequentialCounters(t *testing.T) {
	f := newFixture(t, withBalance(100))

	const n = 7
	for i := 0; i < n; i++ {
		_, err := f.send(pricing.KindText)
		require.NoError(t, err)
	}
	require.Equal(t, int64(n), f.messageCount(t))
	require.Len(t, f.store.Messages("conv-1"), n)
	require.Equal(t, int64(100-2*n), f.balance(t))
}

func TestSend_PolicyChangeDoesNotRepriceHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.send(pricing.KindText)
	require.NoError(t, err)
	require.NoError(t, f.store.PutPricingPolicy(ctx, pricing.Policy{Base: pricing.Prices{pricing.KindText: 4}}))
	_, err = f.send(pricing.KindText)
	require.NoError(t, err)

	msgs := f.store.Messages("conv-1")
	require.Len(t, msgs, 2)
	require.Equal(t, int64(2), msgs[0].TokenCost)
	require.Equal(t, int64(4), msgs[1].TokenCost)
}

func TestQuote_NoCharge(t *testing.T) {
	f := newFixture(t)

	q, err := f.svc.Quote(context.Background(), "conv-1", "user-1", pricing.KindText)
	require.NoError(t, err)
	require.Equal(t, int64(2), q.Cost)
	require.Equal(t, pricing.TierCountry, q.Tier)
	require.Equal(t, int64(10), f.balance(t))

	_, err = f.svc.Quote(context.Background(), "conv-1", "user-2", pricing.KindText)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGrant(t *testing.T) {
	f := newFixture(t)

	acct, err := f.svc.Grant(context.Background(), "user-1", 15)
	require.NoError(t, err)
	require.Equal(t, int64(25), acct.TokenBalance)
	require.Equal(t, int64(25), f.balance(t))

	_, err = f.svc.Grant(context.Background(), "user-1", 0)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = f.svc.Grant(context.Background(), "nobody", 5)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGrant_OverflowRejectedWithoutWrite(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Grant(context.Background(), "user-1", math.MaxInt64)
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.Equal(t, KindInvalidArgument, KindOf(err))
	require.Equal(t, int64(10), f.balance(t))
}

func TestStoreConflictOnConcurrentCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		a, err := tx.UserAccount(ctx, "user-1")
		if err != nil {
			return err
		}
		// another writer commits between our read and our commit
		if _, err := f.svc.Grant(ctx, "user-1", 1); err != nil {
			return err
		}
		return tx.UpdateBalance(ctx, a.ID, a.TokenBalance-1, fixedNow)
	})
	require.True(t, errors.Is(err, ErrConflict), "got %v", err)
	require.Equal(t, int64(11), f.balance(t))
}

func TestStoreConflictOnReadOnlyDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.AiProfile(ctx, "ai-1"); err != nil {
			return err
		}
		if err := f.store.PutAiProfile(ctx, AiProfile{ID: "ai-1", Status: AiSuspended, HasAvatar: true}); err != nil {
			return err
		}
		return tx.UpdateBalance(ctx, "user-1", 9, fixedNow)
	})
	require.ErrorIs(t, err, ErrConflict)
	require.Equal(t, int64(10), f.balance(t))
}

func mustBalance(t *testing.T, f *fixture, userID string) int64 {
	t.Helper()
	a, err := f.svc.Balance(context.Background(), userID)
	require.NoError(t, err)
	return a.TokenBalance
}
