// Package dynamo implements the ledger store on a single DynamoDB table.
//
// Documents carry a numeric version attribute. A transaction reads with
// strongly consistent GetItem calls and commits every write in one
// TransactWriteItems call, conditioned on the versions it read. Documents
// that were read but not written get a ConditionCheck, so a concurrent change
// to any of them cancels the commit with ledger.ErrConflict.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"persona-ledger/internal/ledger"
	"persona-ledger/internal/pricing"
)

// dynamodbAPI is the subset of the DynamoDB client the store uses.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

type Store struct {
	api       dynamodbAPI
	tableName string
}

var (
	_ ledger.Store      = (*Store)(nil)
	_ ledger.Seeder     = (*Store)(nil)
	_ ledger.MessageLog = (*Store)(nil)
)

func New(api dynamodbAPI, tableName string) (*Store, error) {
	if api == nil {
		return nil, errors.New("dynamo: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("dynamo: table name must not be empty")
	}
	return &Store{api: api, tableName: tableName}, nil
}

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	tx := &dynTx{
		s:        s,
		reads:    map[itemKey]readState{},
		counts:   map[string]counterWrite{},
		balances: map[string]counterWrite{},
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.commit(ctx)
}

type readState struct {
	exists  bool
	version int64
}

type counterWrite struct {
	value int64
	at    time.Time
}

type dynTx struct {
	s        *Store
	reads    map[itemKey]readState
	msgs     []ledger.Message
	counts   map[string]counterWrite
	balances map[string]counterWrite
}

// get reads one document and records its version. A missing document is
// returned as a nil item.
func (t *dynTx) get(ctx context.Context, k itemKey) (map[string]types.AttributeValue, error) {
	out, err := t.s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(t.s.tableName),
		Key:            k.attrs(),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo: get %s: %w", k, err)
	}
	if out == nil || len(out.Item) == 0 {
		t.observe(k, readState{})
		return nil, nil
	}
	v, err := optionalIntAttr(out.Item, attrVersion)
	if err != nil {
		return nil, err
	}
	t.observe(k, readState{exists: true, version: v})
	return out.Item, nil
}

func (t *dynTx) observe(k itemKey, st readState) {
	if _, seen := t.reads[k]; !seen {
		t.reads[k] = st
	}
}

func (t *dynTx) Conversation(ctx context.Context, id string) (ledger.Conversation, error) {
	item, err := t.get(ctx, conversationKey(id))
	if err != nil {
		return ledger.Conversation{}, err
	}
	if item == nil {
		return ledger.Conversation{}, fmt.Errorf("conversation %s: %w", id, ledger.ErrNotFound)
	}
	c, err := itemToConversation(id, item)
	if err != nil {
		return ledger.Conversation{}, err
	}
	if w, ok := t.counts[id]; ok {
		c.MessageCount, c.UpdatedAt = w.value, w.at
	}
	return c, nil
}

func (t *dynTx) AiProfile(ctx context.Context, id string) (ledger.AiProfile, error) {
	item, err := t.get(ctx, aiKey(id))
	if err != nil {
		return ledger.AiProfile{}, err
	}
	if item == nil {
		return ledger.AiProfile{}, fmt.Errorf("ai profile %s: %w", id, ledger.ErrNotFound)
	}
	return itemToAiProfile(id, item)
}

func (t *dynTx) PricingPolicy(ctx context.Context) (pricing.Policy, error) {
	item, err := t.get(ctx, policyKey())
	if err != nil {
		return pricing.Policy{}, err
	}
	if item == nil {
		return pricing.Policy{}, nil
	}
	return itemToPolicy(item)
}

func (t *dynTx) UserAccount(ctx context.Context, id string) (ledger.UserAccount, error) {
	item, err := t.get(ctx, accountKey(id))
	if err != nil {
		return ledger.UserAccount{}, err
	}
	if item == nil {
		return ledger.UserAccount{}, fmt.Errorf("account %s: %w", id, ledger.ErrNotFound)
	}
	a, err := itemToAccount(id, item)
	if err != nil {
		return ledger.UserAccount{}, err
	}
	if w, ok := t.balances[id]; ok {
		a.TokenBalance, a.UpdatedAt = w.value, w.at
	}
	return a, nil
}

func (t *dynTx) InsertMessage(ctx context.Context, m ledger.Message) error {
	if m.ID == "" || m.TokenCost <= 0 {
		return ledger.ErrInvalidArgument
	}
	t.msgs = append(t.msgs, m)
	return nil
}

func (t *dynTx) UpdateConversationCount(ctx context.Context, id string, messageCount int64, at time.Time) error {
	if messageCount < 0 {
		return ledger.ErrInvalidArgument
	}
	t.counts[id] = counterWrite{value: messageCount, at: at}
	return nil
}

func (t *dynTx) UpdateBalance(ctx context.Context, userID string, balance int64, at time.Time) error {
	if balance < 0 {
		return fmt.Errorf("account %s: negative balance %d: %w", userID, balance, ledger.ErrInsufficientBalance)
	}
	t.balances[userID] = counterWrite{value: balance, at: at}
	return nil
}

func (t *dynTx) commit(ctx context.Context) error {
	if len(t.msgs) == 0 && len(t.counts) == 0 && len(t.balances) == 0 {
		return nil
	}

	table := aws.String(t.s.tableName)
	written := map[itemKey]bool{}
	var items []types.TransactWriteItem

	for _, m := range t.msgs {
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName:           table,
			Item:                messageItem(m),
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		}})
	}
	for id, w := range t.counts {
		k := conversationKey(id)
		written[k] = true
		items = append(items, t.counterUpdate(k, "messageCount", w))
	}
	for id, w := range t.balances {
		k := accountKey(id)
		written[k] = true
		items = append(items, t.counterUpdate(k, "tokenBalance", w))
	}
	for k, st := range t.reads {
		if written[k] {
			continue
		}
		cond, values := versionCondition(st)
		items = append(items, types.TransactWriteItem{ConditionCheck: &types.ConditionCheck{
			TableName:                 table,
			Key:                       k.attrs(),
			ConditionExpression:       aws.String(cond),
			ExpressionAttributeNames:  versionNames(st),
			ExpressionAttributeValues: values,
		}})
	}

	_, err := t.s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		return classify(err)
	}
	return nil
}

// counterUpdate sets one numeric attribute and bumps the version, on the
// condition that the document is unchanged since it was read.
func (t *dynTx) counterUpdate(k itemKey, attr string, w counterWrite) types.TransactWriteItem {
	st, read := t.reads[k]
	if !read {
		st = readState{exists: true, version: -1}
	}
	cond, values := versionCondition(st)
	if values == nil {
		values = map[string]types.AttributeValue{}
	}
	values[":val"] = numAttr(w.value)
	values[":at"] = &types.AttributeValueMemberS{Value: w.at.UTC().Format(timeLayout)}
	values[":one"] = numAttr(1)
	names := map[string]string{"#attr": attr, "#version": attrVersion}
	return types.TransactWriteItem{Update: &types.Update{
		TableName:                 aws.String(t.s.tableName),
		Key:                       k.attrs(),
		UpdateExpression:          aws.String("SET #attr = :val, updatedAt = :at ADD #version :one"),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}}
}

// versionCondition builds the optimistic check for a read state. A version
// of -1 means the document was written without being read: it only has to
// exist.
func versionCondition(st readState) (string, map[string]types.AttributeValue) {
	switch {
	case !st.exists:
		return "attribute_not_exists(PK)", nil
	case st.version < 0:
		return "attribute_exists(PK)", nil
	case st.version == 0:
		return "attribute_exists(PK) AND attribute_not_exists(#version)", nil
	default:
		return "#version = :v", map[string]types.AttributeValue{":v": numAttr(st.version)}
	}
}

func versionNames(st readState) map[string]string {
	if !st.exists || st.version < 0 {
		return nil
	}
	return map[string]string{"#version": attrVersion}
}

// classify maps commit cancellations caused by a concurrent writer to
// ledger.ErrConflict.
func classify(err error) error {
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, r := range canceled.CancellationReasons {
			switch aws.ToString(r.Code) {
			case "ConditionalCheckFailed", "TransactionConflict":
				return fmt.Errorf("dynamo: %w: %w", ledger.ErrConflict, err)
			}
		}
		return fmt.Errorf("dynamo: transaction canceled: %w", err)
	}
	var conflict *types.TransactionConflictException
	if errors.As(err, &conflict) {
		return fmt.Errorf("dynamo: %w: %w", ledger.ErrConflict, err)
	}
	return fmt.Errorf("dynamo: commit: %w", err)
}
