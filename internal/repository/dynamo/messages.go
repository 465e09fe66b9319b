package dynamo

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"persona-ledger/internal/ledger"
)

// ListMessages queries the conversation partition between two MSG# sort
// keys. The upper bound "MSG#<to>" sorts before any key at instant to.
func (s *Store) ListMessages(ctx context.Context, conversationID string, from, to time.Time) ([]ledger.Message, error) {
	lower := skPrefixMsg + from.UTC().Format(skTimeLayout)
	upper := skPrefixMsg + to.UTC().Format(skTimeLayout)

	p := dynamodb.NewQueryPaginator(s.api, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("#pk = :pk AND #sk BETWEEN :lo AND :hi"),
		ExpressionAttributeNames: map[string]string{
			"#pk": attrPK,
			"#sk": attrSK,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: conversationKey(conversationID).pk},
			":lo": &types.AttributeValueMemberS{Value: lower},
			":hi": &types.AttributeValueMemberS{Value: upper},
		},
		ConsistentRead: aws.Bool(true),
	})

	out := make([]ledger.Message, 0)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("dynamo: list messages: %w", err)
		}
		for _, item := range page.Items {
			m, err := itemToMessage(item)
			if err != nil {
				return nil, err
			}
			if !m.CreatedAt.Before(to) {
				continue
			}
			out = append(out, m)
		}
	}
	return out, nil
}
