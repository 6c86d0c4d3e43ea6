package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stockauth/stockauth/internal/models"
)

const (
	usernameLookupPrefix = "USERNAME#"
	emailLookupPrefix    = "EMAIL#"
	metadataSK           = "METADATA"
)

// UserRepository stores users in the single table. Besides the USER#<id>
// item every user owns a USERNAME#<username> and an EMAIL#<email> item
// pointing back at the id, which keeps both unique.
type UserRepository struct {
	client    DynamoDBAPI
	tableName string
	logger    *logrus.Logger
	now       func() time.Time
}

func NewUserRepository(client DynamoDBAPI, tableName string, logger *logrus.Logger) *UserRepository {
	return &UserRepository{
		client:    client,
		tableName: tableName,
		logger:    logger,
		now:       time.Now,
	}
}

// NormalizeEmail is the canonical form used for email lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// FindByUsername returns nil, nil when no user matches. With activeOnly set,
// soft-deleted users are treated as missing.
func (r *UserRepository) FindByUsername(ctx context.Context, username string, activeOnly bool) (*models.User, error) {
	return r.findByLookup(ctx, usernameLookupPrefix+username, activeOnly)
}

// FindByEmail behaves like FindByUsername for the email lookup item.
func (r *UserRepository) FindByEmail(ctx context.Context, email string, activeOnly bool) (*models.User, error) {
	return r.findByLookup(ctx, emailLookupPrefix+NormalizeEmail(email), activeOnly)
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	user := &models.User{ID: id}

	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: user.GetPK()},
			"SK": &types.AttributeValueMemberS{Value: user.GetSK()},
		},
	})
	if err != nil {
		r.logger.WithError(err).Error("Failed to get user from DynamoDB")
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if result.Item == nil {
		return nil, nil
	}

	var dbUser models.User
	if err := attributevalue.UnmarshalMap(result.Item, &dbUser); err != nil {
		r.logger.WithError(err).Error("Failed to unmarshal user from DynamoDB")
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}

	return &dbUser, nil
}

func (r *UserRepository) findByLookup(ctx context.Context, pk string, activeOnly bool) (*models.User, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: metadataSK},
		},
	})
	if err != nil {
		r.logger.WithError(err).Error("Failed to get user lookup from DynamoDB")
		return nil, fmt.Errorf("failed to get user lookup: %w", err)
	}

	if result.Item == nil {
		return nil, nil
	}

	idAttr, ok := result.Item["user_id"].(*types.AttributeValueMemberS)
	if !ok || idAttr.Value == "" {
		return nil, fmt.Errorf("user lookup %s has no user_id", pk)
	}

	user, err := r.GetByID(ctx, idAttr.Value)
	if err != nil || user == nil {
		return user, err
	}

	if activeOnly && user.IsDeleted() {
		return nil, nil
	}

	return user, nil
}

// Create writes the user and both lookup items in one transaction.
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	user.Email = NormalizeEmail(user.Email)

	now := r.now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	item, err := attributevalue.MarshalMap(user)
	if err != nil {
		r.logger.WithError(err).Error("Failed to marshal user for DynamoDB")
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	item["PK"] = &types.AttributeValueMemberS{Value: user.GetPK()}
	item["SK"] = &types.AttributeValueMemberS{Value: user.GetSK()}

	notExists := aws.String("attribute_not_exists(PK)")

	_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           aws.String(r.tableName),
				Item:                item,
				ConditionExpression: notExists,
			}},
			{Put: &types.Put{
				TableName:           aws.String(r.tableName),
				Item:                lookupItem(usernameLookupPrefix+user.Username, user.ID),
				ConditionExpression: notExists,
			}},
			{Put: &types.Put{
				TableName:           aws.String(r.tableName),
				Item:                lookupItem(emailLookupPrefix+user.Email, user.ID),
				ConditionExpression: notExists,
			}},
		},
	})

	if err != nil {
		if isTransactionCanceled(err) {
			return ErrAlreadyExists
		}
		r.logger.WithError(err).Error("Failed to create user in DynamoDB")
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

func (r *UserRepository) UpdatePasswordHash(ctx context.Context, user *models.User, hash string) error {
	updatedAt := r.now().UTC()

	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: user.GetPK()},
			"SK": &types.AttributeValueMemberS{Value: user.GetSK()},
		},
		UpdateExpression:    aws.String("SET password_hash = :hash, updated_at = :updated_at"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":hash":       &types.AttributeValueMemberS{Value: hash},
			":updated_at": &types.AttributeValueMemberS{Value: updatedAt.Format(time.RFC3339Nano)},
		},
	})

	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrNotFound
		}
		r.logger.WithError(err).Error("Failed to update password hash in DynamoDB")
		return fmt.Errorf("failed to update password hash: %w", err)
	}

	user.PasswordHash = hash
	user.UpdatedAt = updatedAt
	return nil
}

func lookupItem(pk, userID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":      &types.AttributeValueMemberS{Value: pk},
		"SK":      &types.AttributeValueMemberS{Value: metadataSK},
		"user_id": &types.AttributeValueMemberS{Value: userID},
	}
}
