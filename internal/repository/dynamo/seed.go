package dynamo

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"persona-ledger/internal/ledger"
	"persona-ledger/internal/pricing"
)

func (s *Store) PutAccount(ctx context.Context, a ledger.UserAccount) error {
	if a.ID == "" || a.TokenBalance < 0 {
		return ledger.ErrInvalidArgument
	}
	return s.upsert(ctx, accountKey(a.ID), map[string]types.AttributeValue{
		"tokenBalance": numAttr(a.TokenBalance),
		"updatedAt":    nowAttr(),
	})
}

func (s *Store) PutConversation(ctx context.Context, c ledger.Conversation) error {
	if c.ID == "" || c.UserID == "" || c.MessageCount < 0 {
		return ledger.ErrInvalidArgument
	}
	fields := map[string]types.AttributeValue{
		"userId":       &types.AttributeValueMemberS{Value: c.UserID},
		"aiId":         &types.AttributeValueMemberS{Value: c.AiID},
		"status":       &types.AttributeValueMemberS{Value: c.Status},
		"messageCount": numAttr(c.MessageCount),
		"countryCode":  &types.AttributeValueMemberS{Value: pricing.NormalizeCountry(c.CountryCode)},
		"updatedAt":    nowAttr(),
	}
	// A reseed replaces the whole document, so optional attributes the new
	// value lacks are removed.
	var remove []string
	if c.Location != nil {
		fields["lat"] = &types.AttributeValueMemberN{Value: strconv.FormatFloat(c.Location.Lat, 'f', -1, 64)}
		fields["lng"] = &types.AttributeValueMemberN{Value: strconv.FormatFloat(c.Location.Lng, 'f', -1, 64)}
	} else {
		remove = append(remove, "lat", "lng")
	}
	if len(c.TokenPricingOverride) > 0 {
		raw, err := pricing.EncodeOverride(c.TokenPricingOverride)
		if err != nil {
			return err
		}
		fields["pricingOverride"] = &types.AttributeValueMemberS{Value: string(raw)}
	} else {
		remove = append(remove, "pricingOverride")
	}
	return s.upsert(ctx, conversationKey(c.ID), fields, remove...)
}

func (s *Store) PutAiProfile(ctx context.Context, p ledger.AiProfile) error {
	if p.ID == "" {
		return ledger.ErrInvalidArgument
	}
	return s.upsert(ctx, aiKey(p.ID), map[string]types.AttributeValue{
		"status":    &types.AttributeValueMemberS{Value: string(p.Status)},
		"hasAvatar": &types.AttributeValueMemberBOOL{Value: p.HasAvatar},
	})
}

func (s *Store) PutPricingPolicy(ctx context.Context, p pricing.Policy) error {
	doc, err := pricing.EncodePolicy(p)
	if err != nil {
		return err
	}
	return s.upsert(ctx, policyKey(), map[string]types.AttributeValue{
		"document":  &types.AttributeValueMemberS{Value: string(doc)},
		"updatedAt": nowAttr(),
	})
}

// upsert sets fields on a document and bumps its version so in-flight
// transactions that read the old version fail their commit.
func (s *Store) upsert(ctx context.Context, k itemKey, fields map[string]types.AttributeValue, remove ...string) error {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	sets := make([]string, 0, len(names))
	exprNames := map[string]string{"#version": attrVersion}
	exprValues := map[string]types.AttributeValue{":one": numAttr(1)}
	for i, name := range names {
		n, v := fmt.Sprintf("#f%d", i), fmt.Sprintf(":f%d", i)
		sets = append(sets, n+" = "+v)
		exprNames[n] = name
		exprValues[v] = fields[name]
	}
	expr := "SET " + strings.Join(sets, ", ")
	if len(remove) > 0 {
		rms := make([]string, 0, len(remove))
		for i, name := range remove {
			n := fmt.Sprintf("#r%d", i)
			rms = append(rms, n)
			exprNames[n] = name
		}
		expr += " REMOVE " + strings.Join(rms, ", ")
	}

	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       k.attrs(),
		UpdateExpression:          aws.String(expr + " ADD #version :one"),
		ExpressionAttributeNames:  exprNames,
		ExpressionAttributeValues: exprValues,
	})
	if err != nil {
		return fmt.Errorf("dynamo: upsert %s: %w", k, err)
	}
	return nil
}

func nowAttr() *types.AttributeValueMemberS {
	return &types.AttributeValueMemberS{Value: time.Now().UTC().Format(timeLayout)}
}
