package dynamo

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"persona-ledger/internal/audit"
	"persona-ledger/internal/ledger"
	"persona-ledger/internal/pricing"
)

type fakeDynamo struct {
	mu       sync.Mutex
	items    map[string]map[string]types.AttributeValue
	txErr    error
	txInputs []*dynamodb.TransactWriteItemsInput
	updates  []*dynamodb.UpdateItemInput
	puts     []*dynamodb.PutItemInput
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: map[string]map[string]types.AttributeValue{}}
}

func keyOf(key map[string]types.AttributeValue) string {
	return key[attrPK].(*types.AttributeValueMemberS).Value + "|" + key[attrSK].(*types.AttributeValueMemberS).Value
}

func (f *fakeDynamo) put(k itemKey, item map[string]types.AttributeValue) {
	for name, v := range k.attrs() {
		item[name] = v
	}
	f.items[k.String()] = item
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[keyOf(in.Key)]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, in)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, in)
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txInputs = append(f.txInputs, in)
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

// Query supports the key condition used by ListMessages: exact partition
// and an inclusive sort key range.
func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk := in.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value
	lo := in.ExpressionAttributeValues[":lo"].(*types.AttributeValueMemberS).Value
	hi := in.ExpressionAttributeValues[":hi"].(*types.AttributeValueMemberS).Value

	var items []map[string]types.AttributeValue
	for _, item := range f.items {
		if item[attrPK].(*types.AttributeValueMemberS).Value != pk {
			continue
		}
		sk := item[attrSK].(*types.AttributeValueMemberS).Value
		if sk < lo || sk > hi {
			continue
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i][attrSK].(*types.AttributeValueMemberS).Value < items[j][attrSK].(*types.AttributeValueMemberS).Value
	})
	return &dynamodb.QueryOutput{Items: items, Count: int32(len(items))}, nil
}

func sv(v string) *types.AttributeValueMemberS { return &types.AttributeValueMemberS{Value: v} }
func nv(v string) *types.AttributeValueMemberN { return &types.AttributeValueMemberN{Value: v} }

// seedScenario stores a French conversation with an active persona, the
// base/FR policy and a 10 token balance stored as a string.
func seedScenario(f *fakeDynamo, override types.AttributeValue) {
	conv := map[string]types.AttributeValue{
		"userId":       sv("user-1"),
		"aiId":         sv("ai-1"),
		"status":       sv("open"),
		"messageCount": nv("4"),
		"countryCode":  sv("FR"),
		"version":      nv("7"),
	}
	if override != nil {
		conv["pricingOverride"] = override
	}
	f.put(conversationKey("conv-1"), conv)
	f.put(aiKey("ai-1"), map[string]types.AttributeValue{
		"status":    sv("active"),
		"hasAvatar": &types.AttributeValueMemberBOOL{Value: true},
		"version":   nv("2"),
	})
	f.put(policyKey(), map[string]types.AttributeValue{
		"document": sv(`{"base": {"text": 1, "image": 5}, "countries": {"FR": {"text": "2"}}}`),
		"version":  nv("1"),
	})
	f.put(accountKey("user-1"), map[string]types.AttributeValue{
		"tokenBalance": sv("10"),
		"version":      nv("3"),
	})
}

func mustNewStore(t *testing.T, f *fakeDynamo) *Store {
	t.Helper()
	st, err := New(f, "ledger-test")
	require.NoError(t, err)
	return st
}

func send(kind pricing.Kind) ledger.SendRequest {
	return ledger.SendRequest{ConversationID: "conv-1", UserID: "user-1", AuthorRole: ledger.AuthorClient, Kind: kind, Content: "salut"}
}

func findUpdate(t *testing.T, in *dynamodb.TransactWriteItemsInput, k itemKey) *types.Update {
	t.Helper()
	for _, it := range in.TransactItems {
		if it.Update != nil && keyOf(it.Update.Key) == k.String() {
			return it.Update
		}
	}
	t.Fatalf("no update for %s", k)
	return nil
}

func findCheck(t *testing.T, in *dynamodb.TransactWriteItemsInput, k itemKey) *types.ConditionCheck {
	t.Helper()
	for _, it := range in.TransactItems {
		if it.ConditionCheck != nil && keyOf(it.ConditionCheck.Key) == k.String() {
			return it.ConditionCheck
		}
	}
	t.Fatalf("no condition check for %s", k)
	return nil
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "t")
	require.Error(t, err)
	_, err = New(newFakeDynamo(), " ")
	require.Error(t, err)
}

func TestSend_CommitsVersionedTransaction(t *testing.T) {
	f := newFakeDynamo()
	seedScenario(f, nil)

	msg, err := ledger.NewService(mustNewStore(t, f)).Send(context.Background(), send(pricing.KindText))
	require.NoError(t, err)
	require.Equal(t, int64(2), msg.TokenCost)

	require.Len(t, f.txInputs, 1)
	in := f.txInputs[0]
	// message put + two counter updates + checks on persona and policy
	require.Len(t, in.TransactItems, 5)

	var put *types.Put
	for _, it := range in.TransactItems {
		if it.Put != nil {
			put = it.Put
		}
	}
	require.NotNil(t, put)
	require.Equal(t, "attribute_not_exists(PK)", aws.ToString(put.ConditionExpression))
	require.Equal(t, "2", put.Item["tokenCost"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, "CONV#conv-1", put.Item[attrPK].(*types.AttributeValueMemberS).Value)

	bal := findUpdate(t, in, accountKey("user-1"))
	require.Equal(t, "#version = :v", aws.ToString(bal.ConditionExpression))
	require.Equal(t, "3", bal.ExpressionAttributeValues[":v"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, "8", bal.ExpressionAttributeValues[":val"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, "tokenBalance", bal.ExpressionAttributeNames["#attr"])

	conv := findUpdate(t, in, conversationKey("conv-1"))
	require.Equal(t, "7", conv.ExpressionAttributeValues[":v"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, "5", conv.ExpressionAttributeValues[":val"].(*types.AttributeValueMemberN).Value)

	ai := findCheck(t, in, aiKey("ai-1"))
	require.Equal(t, "2", ai.ExpressionAttributeValues[":v"].(*types.AttributeValueMemberN).Value)
	findCheck(t, in, policyKey())
}

func TestSend_OverrideAsNativeMap(t *testing.T) {
	f := newFakeDynamo()
	seedScenario(f, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{"image": sv("3")}})

	msg, err := ledger.NewService(mustNewStore(t, f)).Send(context.Background(), send(pricing.KindImage))
	require.NoError(t, err)
	require.Equal(t, int64(3), msg.TokenCost)
	bal := findUpdate(t, f.txInputs[0], accountKey("user-1"))
	require.Equal(t, "7", bal.ExpressionAttributeValues[":val"].(*types.AttributeValueMemberN).Value)
}

func TestSend_MissingPolicyChecksAbsence(t *testing.T) {
	f := newFakeDynamo()
	seedScenario(f, nil)
	delete(f.items, policyKey().String())

	msg, err := ledger.NewService(mustNewStore(t, f)).Send(context.Background(), send(pricing.KindImage))
	require.NoError(t, err)
	require.Equal(t, int64(5), msg.TokenCost)

	check := findCheck(t, f.txInputs[0], policyKey())
	require.Equal(t, "attribute_not_exists(PK)", aws.ToString(check.ConditionExpression))
	require.Nil(t, check.ExpressionAttributeValues)
}

func TestSend_InsufficientBalanceSkipsCommit(t *testing.T) {
	f := newFakeDynamo()
	seedScenario(f, nil)
	f.items[accountKey("user-1").String()]["tokenBalance"] = nv("1")

	_, err := ledger.NewService(mustNewStore(t, f)).Send(context.Background(), send(pricing.KindText))
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	require.Empty(t, f.txInputs)
}

func TestSend_CanceledTransactionIsConflict(t *testing.T) {
	f := newFakeDynamo()
	seedScenario(f, nil)
	f.txErr = &types.TransactionCanceledException{
		Message: aws.String("Transaction cancelled"),
		CancellationReasons: []types.CancellationReason{
			{Code: aws.String("None")},
			{Code: aws.String("ConditionalCheckFailed")},
		},
	}

	coord := ledger.NewCoordinator(ledger.NewService(mustNewStore(t, f)), ledger.RetryPolicy{MaxAttempts: 2}, nil)
	_, err := coord.Send(context.Background(), send(pricing.KindText))
	require.ErrorIs(t, err, ledger.ErrConflictExhausted)
	require.Len(t, f.txInputs, 2)
}

func TestClassify(t *testing.T) {
	require.ErrorIs(t, classify(&types.TransactionConflictException{}), ledger.ErrConflict)

	other := classify(&types.TransactionCanceledException{
		CancellationReasons: []types.CancellationReason{{Code: aws.String("ValidationError")}},
	})
	require.False(t, errors.Is(other, ledger.ErrConflict))

	require.False(t, errors.Is(classify(errors.New("throttled")), ledger.ErrConflict))
}

func TestIntAttr_Coercion(t *testing.T) {
	item := map[string]types.AttributeValue{
		"a": nv("12"),
		"b": sv(" 7 "),
		"c": sv("seven"),
		"d": &types.AttributeValueMemberBOOL{Value: true},
	}
	v, err := intAttr(item, "a")
	require.NoError(t, err)
	require.Equal(t, int64(12), v)
	v, err = intAttr(item, "b")
	require.NoError(t, err)
	require.Equal(t, int64(7), v)
	_, err = intAttr(item, "c")
	require.Error(t, err)
	_, err = intAttr(item, "d")
	require.Error(t, err)
	_, err = intAttr(item, "missing")
	require.Error(t, err)
}

func TestConversation_LocationNeedsBothCoordinates(t *testing.T) {
	c, err := itemToConversation("c", map[string]types.AttributeValue{"userId": sv("u"), "lat": nv("1.5")})
	require.NoError(t, err)
	require.Nil(t, c.Location)

	c, err = itemToConversation("c", map[string]types.AttributeValue{"userId": sv("u"), "lat": nv("1.5"), "lng": nv("-3")})
	require.NoError(t, err)
	require.Equal(t, &ledger.Location{Lat: 1.5, Lng: -3}, c.Location)
}

func TestUpsert_BumpsVersion(t *testing.T) {
	f := newFakeDynamo()
	st := mustNewStore(t, f)

	require.NoError(t, st.PutAiProfile(context.Background(), ledger.AiProfile{ID: "ai-9", Status: ledger.AiActive, HasAvatar: true}))
	require.Len(t, f.updates, 1)
	in := f.updates[0]
	require.Equal(t, "SET #f0 = :f0, #f1 = :f1 ADD #version :one", aws.ToString(in.UpdateExpression))
	require.Equal(t, "hasAvatar", in.ExpressionAttributeNames["#f0"])
	require.Equal(t, "status", in.ExpressionAttributeNames["#f1"])
	require.Equal(t, "AI#ai-9|PROFILE", keyOf(in.Key))
}

func TestPutConversation_ReseedRemovesAbsentOptionals(t *testing.T) {
	f := newFakeDynamo()
	st := mustNewStore(t, f)

	require.NoError(t, st.PutConversation(context.Background(), ledger.Conversation{ID: "conv-9", UserID: "user-2", AiID: "ai-1", MessageCount: 0}))
	require.Len(t, f.updates, 1)
	in := f.updates[0]
	require.Contains(t, aws.ToString(in.UpdateExpression), " REMOVE #r0, #r1, #r2 ADD #version :one")
	require.Equal(t, "lat", in.ExpressionAttributeNames["#r0"])
	require.Equal(t, "lng", in.ExpressionAttributeNames["#r1"])
	require.Equal(t, "pricingOverride", in.ExpressionAttributeNames["#r2"])
	require.Equal(t, "userId", in.ExpressionAttributeNames["#f5"])
	require.Equal(t, "user-2", in.ExpressionAttributeValues[":f5"].(*types.AttributeValueMemberS).Value)

	f.updates = nil
	require.NoError(t, st.PutConversation(context.Background(), ledger.Conversation{
		ID: "conv-9", UserID: "user-2", AiID: "ai-1",
		Location:             &ledger.Location{Lat: 1, Lng: 2},
		TokenPricingOverride: pricing.Prices{pricing.KindText: 3},
	}))
	require.NotContains(t, aws.ToString(f.updates[0].UpdateExpression), "REMOVE")
}

func TestAuditRepo_Append(t *testing.T) {
	f := newFakeDynamo()
	repo, err := NewAuditRepo(f, "ledger-test")
	require.NoError(t, err)

	require.NoError(t, repo.Append(context.Background(), audit.Event{
		ID: "ev-1", Type: audit.EventTypeTokenGrant, ActorUserID: "admin-1", TargetUserID: "user-1", Amount: 5,
	}))
	require.Len(t, f.puts, 1)
	item := f.puts[0].Item
	require.Equal(t, "AUDIT#user-1", item[attrPK].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "5", item["amount"].(*types.AttributeValueMemberN).Value)
	_, hasIP := item["ipAddress"]
	require.False(t, hasIP)
}

func TestListMessages_WindowAndOrder(t *testing.T) {
	f := newFakeDynamo()
	seedScenario(f, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, at := range []time.Time{
		base.Add(500 * time.Millisecond),
		base,
		base.Add(time.Hour),
	} {
		m := ledger.Message{
			ID:             []string{"m-b", "m-a", "m-c"}[i],
			ConversationID: "conv-1",
			AuthorID:       "user-1",
			AuthorRole:     ledger.AuthorClient,
			Kind:           pricing.KindText,
			TokenCost:      2,
			CreatedAt:      at,
		}
		item := messageItem(m)
		f.items[messageKey(m).String()] = item
	}

	st := mustNewStore(t, f)
	got, err := st.ListMessages(context.Background(), "conv-1", base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "m-a", got[0].ID)
	require.Equal(t, "m-b", got[1].ID)
	require.Equal(t, int64(2), got[1].TokenCost)
	require.Equal(t, ledger.AuthorClient, got[1].AuthorRole)
	require.True(t, got[1].CreatedAt.Equal(base.Add(500*time.Millisecond)))
}
