package dynamo

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"persona-ledger/internal/audit"
)

// AuditRepo appends audit events to the ledger table under AUDIT#<target>.
type AuditRepo struct {
	api       dynamodbAPI
	tableName string
}

func NewAuditRepo(api dynamodbAPI, tableName string) (*AuditRepo, error) {
	if api == nil || tableName == "" {
		return nil, errors.New("dynamo: api and table name are required")
	}
	return &AuditRepo{api: api, tableName: tableName}, nil
}

func (r *AuditRepo) Append(ctx context.Context, e audit.Event) error {
	subject := e.TargetUserID
	if subject == "" {
		subject = e.ActorUserID
	}
	item := map[string]types.AttributeValue{
		attrPK:        &types.AttributeValueMemberS{Value: "AUDIT#" + subject},
		attrSK:        &types.AttributeValueMemberS{Value: e.CreatedAt.UTC().Format(skTimeLayout) + "#" + e.ID},
		"eventId":     &types.AttributeValueMemberS{Value: e.ID},
		"type":        &types.AttributeValueMemberS{Value: string(e.Type)},
		"actorUserId": &types.AttributeValueMemberS{Value: e.ActorUserID},
		"actorRole":   &types.AttributeValueMemberS{Value: e.ActorRole},
		"amount":      numAttr(e.Amount),
		"createdAt":   &types.AttributeValueMemberS{Value: e.CreatedAt.UTC().Format(timeLayout)},
	}
	for name, v := range map[string]string{
		"targetUserId": e.TargetUserID,
		"ipAddress":    e.IPAddress,
		"message":      e.Message,
		"metadata":     e.Metadata,
	} {
		if v != "" {
			item[name] = &types.AttributeValueMemberS{Value: v}
		}
	}

	_, err := r.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return fmt.Errorf("dynamo: append audit event: %w", err)
	}
	return nil
}
