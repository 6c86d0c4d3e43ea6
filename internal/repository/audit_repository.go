package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stockauth/stockauth/internal/models"
)

// AuditRepository appends login audit records under PK=LOGIN#<user_id>.
type AuditRepository struct {
	client    DynamoDBAPI
	tableName string
	logger    *logrus.Logger
	now       func() time.Time
}

func NewAuditRepository(client DynamoDBAPI, tableName string, logger *logrus.Logger) *AuditRepository {
	return &AuditRepository{
		client:    client,
		tableName: tableName,
		logger:    logger,
		now:       time.Now,
	}
}

func (r *AuditRepository) RecordLogin(ctx context.Context, userID string) error {
	createdAt := r.now().UTC()

	item, err := attributevalue.MarshalMap(models.LoginAudit{UserID: userID, CreatedAt: createdAt})
	if err != nil {
		return fmt.Errorf("failed to marshal login audit: %w", err)
	}
	item["PK"] = &types.AttributeValueMemberS{Value: "LOGIN#" + userID}
	item["SK"] = &types.AttributeValueMemberS{Value: appendOnlySK(createdAt)}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to record login: %w", err)
	}

	return nil
}

// ErrorLogRepository is the diagnostic sink. Entries are grouped by day
// under PK=LOG#<yyyy-mm-dd>.
type ErrorLogRepository struct {
	client    DynamoDBAPI
	tableName string
	now       func() time.Time
}

func NewErrorLogRepository(client DynamoDBAPI, tableName string) *ErrorLogRepository {
	return &ErrorLogRepository{
		client:    client,
		tableName: tableName,
		now:       time.Now,
	}
}

func (r *ErrorLogRepository) Record(ctx context.Context, module, message string) error {
	createdAt := r.now().UTC()

	item, err := attributevalue.MarshalMap(models.ErrorLogEntry{Module: module, Message: message, CreatedAt: createdAt})
	if err != nil {
		return fmt.Errorf("failed to marshal error log entry: %w", err)
	}
	item["PK"] = &types.AttributeValueMemberS{Value: "LOG#" + createdAt.Format(time.DateOnly)}
	item["SK"] = &types.AttributeValueMemberS{Value: appendOnlySK(createdAt)}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to record error log: %w", err)
	}

	return nil
}

func appendOnlySK(at time.Time) string {
	return at.Format(time.RFC3339Nano) + "#" + uuid.New().String()
}
