package ledger

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"persona-ledger/internal/pricing"
)

type docKey struct {
	coll string
	id   string
}

func (k docKey) String() string { return k.coll + "/" + k.id }

var policyKey = docKey{coll: "pricing", id: "default"}

// MemoryStore is an in-process Store with optimistic concurrency: every
// document carries a version, a transaction remembers the versions it read,
// and commit fails with ErrConflict if any of them moved. Used for tests and
// STORE_BACKEND=memory.
type MemoryStore struct {
	mu            sync.Mutex
	accounts      map[string]UserAccount
	conversations map[string]Conversation
	profiles      map[string]AiProfile
	policy        pricing.Policy
	messages      []Message
	messageIDs    map[string]struct{}
	versions      map[docKey]uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:      map[string]UserAccount{},
		conversations: map[string]Conversation{},
		profiles:      map[string]AiProfile{},
		messageIDs:    map[string]struct{}{},
		versions:      map[docKey]uint64{},
	}
}

func (s *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		s:        s,
		reads:    map[docKey]uint64{},
		counts:   map[string]counterWrite{},
		balances: map[string]counterWrite{},
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) commit(tx *memTx) error {
	if len(tx.msgs) == 0 && len(tx.counts) == 0 && len(tx.balances) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range tx.reads {
		if s.versions[k] != v {
			return fmt.Errorf("%s: %w", k, ErrConflict)
		}
	}
	for _, m := range tx.msgs {
		if _, dup := s.messageIDs[m.ID]; dup {
			return fmt.Errorf("message %s already exists", m.ID)
		}
	}
	for id := range tx.counts {
		if _, ok := s.conversations[id]; !ok {
			return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
	}
	for id := range tx.balances {
		if _, ok := s.accounts[id]; !ok {
			return fmt.Errorf("account %s: %w", id, ErrNotFound)
		}
	}

	for _, m := range tx.msgs {
		s.messages = append(s.messages, m)
		s.messageIDs[m.ID] = struct{}{}
	}
	for id, w := range tx.counts {
		c := s.conversations[id]
		c.MessageCount = w.value
		c.UpdatedAt = w.at
		s.conversations[id] = c
		s.versions[docKey{"conversations", id}]++
	}
	for id, w := range tx.balances {
		a := s.accounts[id]
		a.TokenBalance = w.value
		a.UpdatedAt = w.at
		s.accounts[id] = a
		s.versions[docKey{"accounts", id}]++
	}
	return nil
}

// Messages returns the committed messages of a conversation in commit order.
func (s *MemoryStore) Messages(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out
}

func (s *MemoryStore) ListMessages(ctx context.Context, conversationID string, from, to time.Time) ([]Message, error) {
	out := make([]Message, 0)
	for _, m := range s.Messages(conversationID) {
		if m.CreatedAt.Before(from) || !m.CreatedAt.Before(to) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *MemoryStore) PutAccount(ctx context.Context, a UserAccount) error {
	if a.ID == "" || a.TokenBalance < 0 {
		return ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = a
	s.versions[docKey{"accounts", a.ID}]++
	return nil
}

func (s *MemoryStore) PutConversation(ctx context.Context, c Conversation) error {
	if c.ID == "" || c.UserID == "" || c.MessageCount < 0 {
		return ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.ID] = cloneConversation(c)
	s.versions[docKey{"conversations", c.ID}]++
	return nil
}

func (s *MemoryStore) PutAiProfile(ctx context.Context, p AiProfile) error {
	if p.ID == "" {
		return ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
	s.versions[docKey{"ai_profiles", p.ID}]++
	return nil
}

func (s *MemoryStore) PutPricingPolicy(ctx context.Context, p pricing.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = clonePolicy(p)
	s.versions[policyKey]++
	return nil
}

type counterWrite struct {
	value int64
	at    time.Time
}

type memTx struct {
	s        *MemoryStore
	reads    map[docKey]uint64
	msgs     []Message
	counts   map[string]counterWrite
	balances map[string]counterWrite
}

// observe records the version of k the first time it is seen. Caller holds s.mu.
func (t *memTx) observe(k docKey) {
	if _, seen := t.reads[k]; !seen {
		t.reads[k] = t.s.versions[k]
	}
}

func (t *memTx) Conversation(ctx context.Context, id string) (Conversation, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.observe(docKey{"conversations", id})
	c, ok := t.s.conversations[id]
	if !ok {
		return Conversation{}, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	c = cloneConversation(c)
	if w, ok := t.counts[id]; ok {
		c.MessageCount, c.UpdatedAt = w.value, w.at
	}
	return c, nil
}

func (t *memTx) AiProfile(ctx context.Context, id string) (AiProfile, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.observe(docKey{"ai_profiles", id})
	p, ok := t.s.profiles[id]
	if !ok {
		return AiProfile{}, fmt.Errorf("ai profile %s: %w", id, ErrNotFound)
	}
	return p, nil
}

func (t *memTx) PricingPolicy(ctx context.Context) (pricing.Policy, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.observe(policyKey)
	return clonePolicy(t.s.policy), nil
}

func (t *memTx) UserAccount(ctx context.Context, id string) (UserAccount, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.observe(docKey{"accounts", id})
	a, ok := t.s.accounts[id]
	if !ok {
		return UserAccount{}, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if w, ok := t.balances[id]; ok {
		a.TokenBalance, a.UpdatedAt = w.value, w.at
	}
	return a, nil
}

func (t *memTx) InsertMessage(ctx context.Context, m Message) error {
	if m.ID == "" || m.TokenCost <= 0 {
		return ErrInvalidArgument
	}
	t.msgs = append(t.msgs, m)
	return nil
}

func (t *memTx) UpdateConversationCount(ctx context.Context, id string, messageCount int64, at time.Time) error {
	if messageCount < 0 {
		return ErrInvalidArgument
	}
	t.s.mu.Lock()
	t.observe(docKey{"conversations", id})
	t.s.mu.Unlock()
	t.counts[id] = counterWrite{value: messageCount, at: at}
	return nil
}

func (t *memTx) UpdateBalance(ctx context.Context, userID string, balance int64, at time.Time) error {
	if balance < 0 {
		return fmt.Errorf("account %s: negative balance %d: %w", userID, balance, ErrInsufficientBalance)
	}
	t.s.mu.Lock()
	t.observe(docKey{"accounts", userID})
	t.s.mu.Unlock()
	t.balances[userID] = counterWrite{value: balance, at: at}
	return nil
}

func cloneConversation(c Conversation) Conversation {
	if c.Location != nil {
		loc := *c.Location
		c.Location = &loc
	}
	c.TokenPricingOverride = maps.Clone(c.TokenPricingOverride)
	return c
}

func clonePolicy(p pricing.Policy) pricing.Policy {
	out := pricing.Policy{Base: maps.Clone(p.Base), UpdatedAt: p.UpdatedAt}
	if p.Countries != nil {
		out.Countries = make(map[string]pricing.Prices, len(p.Countries))
		for k, v := range p.Countries {
			out.Countries[k] = maps.Clone(v)
		}
	}
	return out
}
