package dynamo

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"persona-ledger/internal/ledger"
	"persona-ledger/internal/pricing"
)

// Single-table layout:
//
//	USER#<id>     ACCOUNT            tokenBalance, updatedAt, version
//	CONV#<id>     META               userId, aiId, status, messageCount, lat, lng,
//	                                 countryCode, pricingOverride, updatedAt, version
//	CONV#<id>     MSG#<ts>#<msgId>   message attributes (insert-only)
//	AI#<id>       PROFILE            status, hasAvatar, version
//	PRICING       POLICY             document (JSON), updatedAt, version
//	AUDIT#<user>  <ts>#<eventId>     audit event (insert-only)
const (
	attrPK      = "PK"
	attrSK      = "SK"
	attrVersion = "version"

	skAccount   = "ACCOUNT"
	skMeta      = "META"
	skProfile   = "PROFILE"
	skPolicy    = "POLICY"
	skPrefixMsg = "MSG#"
	pkPricing   = "PRICING"

	timeLayout = time.RFC3339Nano
	// skTimeLayout is fixed width so sort keys order chronologically.
	skTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

type itemKey struct {
	pk, sk string
}

func (k itemKey) String() string { return k.pk + "|" + k.sk }

func (k itemKey) attrs() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: k.pk},
		attrSK: &types.AttributeValueMemberS{Value: k.sk},
	}
}

func accountKey(id string) itemKey      { return itemKey{"USER#" + id, skAccount} }
func conversationKey(id string) itemKey { return itemKey{"CONV#" + id, skMeta} }
func aiKey(id string) itemKey           { return itemKey{"AI#" + id, skProfile} }
func policyKey() itemKey                { return itemKey{pkPricing, skPolicy} }

func messageKey(m ledger.Message) itemKey {
	return itemKey{"CONV#" + m.ConversationID, skPrefixMsg + m.CreatedAt.UTC().Format(skTimeLayout) + "#" + m.ID}
}

func itemToAccount(id string, item map[string]types.AttributeValue) (ledger.UserAccount, error) {
	bal, err := intAttr(item, "tokenBalance")
	if err != nil {
		return ledger.UserAccount{}, err
	}
	return ledger.UserAccount{ID: id, TokenBalance: bal, UpdatedAt: timeAttr(item, "updatedAt")}, nil
}

func itemToConversation(id string, item map[string]types.AttributeValue) (ledger.Conversation, error) {
	userID, err := strAttr(item, "userId")
	if err != nil {
		return ledger.Conversation{}, err
	}
	count, err := optionalIntAttr(item, "messageCount")
	if err != nil {
		return ledger.Conversation{}, err
	}
	override, err := overrideAttr(item, "pricingOverride")
	if err != nil {
		return ledger.Conversation{}, err
	}
	aiID, _ := strAttr(item, "aiId")
	status, _ := strAttr(item, "status")
	country, _ := strAttr(item, "countryCode")

	c := ledger.Conversation{
		ID:                   id,
		UserID:               userID,
		AiID:                 aiID,
		Status:               status,
		MessageCount:         count,
		CountryCode:          country,
		TokenPricingOverride: override,
		UpdatedAt:            timeAttr(item, "updatedAt"),
	}
	lat, latOK := floatAttr(item, "lat")
	lng, lngOK := floatAttr(item, "lng")
	if latOK && lngOK {
		c.Location = &ledger.Location{Lat: lat, Lng: lng}
	}
	return c, nil
}

func itemToAiProfile(id string, item map[string]types.AttributeValue) (ledger.AiProfile, error) {
	status, err := strAttr(item, "status")
	if err != nil {
		return ledger.AiProfile{}, err
	}
	p := ledger.AiProfile{ID: id, Status: ledger.AiStatus(status)}
	if b, ok := item["hasAvatar"].(*types.AttributeValueMemberBOOL); ok {
		p.HasAvatar = b.Value
	}
	return p, nil
}

func itemToPolicy(item map[string]types.AttributeValue) (pricing.Policy, error) {
	doc, err := strAttr(item, "document")
	if err != nil {
		return pricing.Policy{}, err
	}
	p, err := pricing.ParsePolicy([]byte(doc))
	if err != nil {
		return pricing.Policy{}, err
	}
	p.UpdatedAt = timeAttr(item, "updatedAt")
	return p, nil
}

func messageItem(m ledger.Message) map[string]types.AttributeValue {
	item := messageKey(m).attrs()
	item["messageId"] = &types.AttributeValueMemberS{Value: m.ID}
	item["conversationId"] = &types.AttributeValueMemberS{Value: m.ConversationID}
	item["authorId"] = &types.AttributeValueMemberS{Value: m.AuthorID}
	item["authorRole"] = &types.AttributeValueMemberS{Value: string(m.AuthorRole)}
	item["kind"] = &types.AttributeValueMemberS{Value: string(m.Kind)}
	item["content"] = &types.AttributeValueMemberS{Value: m.Content}
	item["tokenCost"] = numAttr(m.TokenCost)
	item["createdAt"] = &types.AttributeValueMemberS{Value: m.CreatedAt.UTC().Format(timeLayout)}
	return item
}

func itemToMessage(item map[string]types.AttributeValue) (ledger.Message, error) {
	var (
		m    ledger.Message
		role string
		kind string
		err  error
	)
	if m.ID, err = strAttr(item, "messageId"); err != nil {
		return ledger.Message{}, err
	}
	if m.ConversationID, err = strAttr(item, "conversationId"); err != nil {
		return ledger.Message{}, err
	}
	if m.AuthorID, err = strAttr(item, "authorId"); err != nil {
		return ledger.Message{}, err
	}
	if role, err = strAttr(item, "authorRole"); err != nil {
		return ledger.Message{}, err
	}
	if kind, err = strAttr(item, "kind"); err != nil {
		return ledger.Message{}, err
	}
	if m.TokenCost, err = intAttr(item, "tokenCost"); err != nil {
		return ledger.Message{}, err
	}
	m.AuthorRole = ledger.AuthorRole(role)
	m.Kind = pricing.Kind(kind)
	if v, ok := item["content"].(*types.AttributeValueMemberS); ok {
		m.Content = v.Value
	}
	m.CreatedAt = timeAttr(item, "createdAt")
	return m, nil
}

func numAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("dynamo: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("dynamo: attribute %q is not a string", key)
	}
	return s.Value, nil
}

// intAttr reads an integer stored either as N or as a numeric S.
func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("dynamo: missing attribute %q", key)
	}
	return intValue(key, v)
}

func optionalIntAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	if _, ok := item[key]; !ok {
		return 0, nil
	}
	return intAttr(item, key)
}

func intValue(key string, v types.AttributeValue) (int64, error) {
	var raw string
	switch tv := v.(type) {
	case *types.AttributeValueMemberN:
		raw = tv.Value
	case *types.AttributeValueMemberS:
		raw = strings.TrimSpace(tv.Value)
	default:
		return 0, fmt.Errorf("dynamo: attribute %q is not a number", key)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("dynamo: parse attribute %q: %w", key, err)
	}
	return n, nil
}

func floatAttr(item map[string]types.AttributeValue, key string) (float64, bool) {
	n, ok := item[key].(*types.AttributeValueMemberN)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(n.Value, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func timeAttr(item map[string]types.AttributeValue, key string) time.Time {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// overrideAttr accepts either a JSON string ({"image": "3"}) or a native map
// whose values are N or numeric S.
func overrideAttr(item map[string]types.AttributeValue, key string) (pricing.Prices, error) {
	switch v := item[key].(type) {
	case nil, *types.AttributeValueMemberNULL:
		return nil, nil
	case *types.AttributeValueMemberS:
		return pricing.ParseOverride([]byte(v.Value))
	case *types.AttributeValueMemberM:
		out := pricing.Prices{}
		for kind, av := range v.Value {
			n, err := intValue(key+"."+kind, av)
			if err != nil {
				return nil, err
			}
			out[pricing.Kind(kind)] = n
		}
		return out, nil
	default:
		return nil, errors.New("dynamo: pricingOverride must be a JSON string or a map")
	}
}
