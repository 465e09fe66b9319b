package ledger

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"persona-ledger/internal/pricing"

	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store *MemoryStore
	svc   *Service
	conv  Conversation
	ai    AiProfile
	user  UserAccount
}

type fixtureOpt func(*fixture)

func withBalance(n int64) fixtureOpt { return func(f *fixture) { f.user.TokenBalance = n } }

func withOverride(p pricing.Prices) fixtureOpt {
	return func(f *fixture) { f.conv.TokenPricingOverride = p }
}

func withAi(p AiProfile) fixtureOpt { return func(f *fixture) { f.ai = p } }

func withConversation(mut func(*Conversation)) fixtureOpt {
	return func(f *fixture) { mut(&f.conv) }
}

// newFixture seeds scenario 1 of the pricing rules: base {text:1,image:5},
// FR text=2, a French conversation with an active persona and 10 tokens.
func newFixture(t *testing.T, opts ...fixtureOpt) *fixture {
	t.Helper()
	f := &fixture{
		store: NewMemoryStore(),
		conv:  Conversation{ID: "conv-1", UserID: "user-1", AiID: "ai-1", Status: "open", CountryCode: "FR"},
		ai:    AiProfile{ID: "ai-1", Status: AiActive, HasAvatar: true},
		user:  UserAccount{ID: "user-1", TokenBalance: 10},
	}
	for _, o := range opts {
		o(f)
	}

	ctx := context.Background()
	require.NoError(t, f.store.PutAccount(ctx, f.user))
	require.NoError(t, f.store.PutConversation(ctx, f.conv))
	if f.ai.ID != "" {
		require.NoError(t, f.store.PutAiProfile(ctx, f.ai))
	}
	require.NoError(t, f.store.PutPricingPolicy(ctx, pricing.Policy{
		Base:      pricing.Prices{pricing.KindText: 1, pricing.KindImage: 5},
		Countries: map[string]pricing.Prices{"FR": {pricing.KindText: 2}},
	}))

	var seq atomic.Int64
	f.svc = NewService(f.store)
	f.svc.clock = func() time.Time { return fixedNow }
	f.svc.newID = func() string { return fmt.Sprintf("msg-%d", seq.Add(1)) }
	return f
}

func (f *fixture) send(kind pricing.Kind) (Message, error) {
	return f.svc.Send(context.Background(), SendRequest{
		ConversationID: f.conv.ID,
		UserID:         f.user.ID,
		AuthorRole:     AuthorClient,
		Kind:           kind,
		Content:        "hello",
	})
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	a, err := f.svc.Balance(context.Background(), f.user.ID)
	require.NoError(t, err)
	return a.TokenBalance
}

func (f *fixture) messageCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	err := f.store.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error {
		c, err := tx.Conversation(ctx, f.conv.ID)
		n = c.MessageCount
		return err
	})
	require.NoError(t, err)
	return n
}
