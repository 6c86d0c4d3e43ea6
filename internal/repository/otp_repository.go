package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sirupsen/logrus"
	"github.com/stockauth/stockauth/internal/models"
)

const (
	otpPKPrefix      = "OTP#"
	otpTokenSKPrefix = "TOKEN#"
	otpClaimSK       = "ACTIVE"
)

// OTPRepository keeps one item per issued code under PK=OTP#<code>, so every
// token sharing a code is a single Query away. The same partition holds the
// code's claim item, owned by whichever token currently has the code.
type OTPRepository struct {
	client    DynamoDBAPI
	tableName string
	logger    *logrus.Logger
}

type otpItem struct {
	ID        string `dynamodbav:"id"`
	Code      string `dynamodbav:"code"`
	UserID    string `dynamodbav:"user_id"`
	Purpose   string `dynamodbav:"purpose"`
	IsUsed    bool   `dynamodbav:"is_used"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
	CreatedAt int64  `dynamodbav:"created_at"`
}

func NewOTPRepository(client DynamoDBAPI, tableName string, logger *logrus.Logger) *OTPRepository {
	return &OTPRepository{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

// Create stores a new token together with the code's claim item
// (SK=ACTIVE). The claim can only be taken while no unexpired token holds
// it, so two callers racing on the same code cannot both succeed: the loser
// gets ErrAlreadyExists. TTL lets DynamoDB drop items the sweeper missed.
func (r *OTPRepository) Create(ctx context.Context, token models.OTPToken) error {
	pk := &types.AttributeValueMemberS{Value: otpPKPrefix + token.Code}
	ttl := &types.AttributeValueMemberN{Value: strconv.FormatInt(token.ExpiresAt.Unix(), 10)}

	item := map[string]types.AttributeValue{
		"PK":         pk,
		"SK":         &types.AttributeValueMemberS{Value: otpSK(token.ID)},
		"id":         &types.AttributeValueMemberS{Value: token.ID},
		"code":       &types.AttributeValueMemberS{Value: token.Code},
		"user_id":    &types.AttributeValueMemberS{Value: token.UserID},
		"purpose":    &types.AttributeValueMemberS{Value: token.Purpose.String()},
		"is_used":    &types.AttributeValueMemberBOOL{Value: token.IsUsed},
		"expires_at": millis(token.ExpiresAt),
		"created_at": millis(token.CreatedAt),
		"TTL":        ttl,
	}

	claim := map[string]types.AttributeValue{
		"PK":         pk,
		"SK":         &types.AttributeValueMemberS{Value: otpClaimSK},
		"token_id":   &types.AttributeValueMemberS{Value: token.ID},
		"expires_at": millis(token.ExpiresAt),
		"TTL":        ttl,
	}

	_, err := r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           aws.String(r.tableName),
				Item:                claim,
				ConditionExpression: aws.String("attribute_not_exists(PK) OR expires_at <= :now"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":now": millis(token.CreatedAt),
				},
			}},
			{Put: &types.Put{
				TableName:           aws.String(r.tableName),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			}},
		},
	})

	if err != nil {
		if isTransactionCanceled(err) {
			return ErrAlreadyExists
		}
		r.logger.WithError(err).Error("Failed to store OTP in DynamoDB")
		return fmt.Errorf("failed to store OTP: %w", err)
	}

	return nil
}

// FindByCode returns every stored token with the given code, used or not.
func (r *OTPRepository) FindByCode(ctx context.Context, code string) ([]models.OTPToken, error) {
	paginator := dynamodb.NewQueryPaginator(r.client, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :token)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":    &types.AttributeValueMemberS{Value: otpPKPrefix + code},
			":token": &types.AttributeValueMemberS{Value: otpTokenSKPrefix},
		},
	})

	var tokens []models.OTPToken
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query OTPs: %w", err)
		}

		var items []otpItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal OTPs: %w", err)
		}

		for _, item := range items {
			token, err := item.toModel()
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token)
		}
	}

	return tokens, nil
}

// MarkUsed flips is_used in a single conditional write. It fails with
// ErrConditionFailed when the token was already used, has expired at now,
// or no longer exists. On success the code's claim is released.
func (r *OTPRepository) MarkUsed(ctx context.Context, token models.OTPToken, now time.Time) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: otpPKPrefix + token.Code},
			"SK": &types.AttributeValueMemberS{Value: otpSK(token.ID)},
		},
		UpdateExpression:    aws.String("SET is_used = :used"),
		ConditionExpression: aws.String("attribute_exists(PK) AND is_used = :unused AND expires_at > :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":used":   &types.AttributeValueMemberBOOL{Value: true},
			":unused": &types.AttributeValueMemberBOOL{Value: false},
			":now":    millis(now),
		},
	})

	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrConditionFailed
		}
		r.logger.WithError(err).Error("Failed to mark OTP as used")
		return fmt.Errorf("failed to mark OTP as used: %w", err)
	}

	r.releaseClaim(ctx, token)
	return nil
}

// releaseClaim drops the claim if token still holds it. A claim left behind
// only keeps its code out of rotation until it expires.
func (r *OTPRepository) releaseClaim(ctx context.Context, token models.OTPToken) {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: otpPKPrefix + token.Code},
			"SK": &types.AttributeValueMemberS{Value: otpClaimSK},
		},
		ConditionExpression: aws.String("token_id = :id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":id": &types.AttributeValueMemberS{Value: token.ID},
		},
	})
	if err != nil && !isConditionalCheckFailed(err) {
		r.logger.WithError(err).Warn("Failed to release OTP claim")
	}
}

// DeleteExpired removes every token with expires_at <= now, used or not, and
// returns how many tokens this call deleted. Expired claims go with them. Each delete re-checks the expiry
// so it never races with a live write.
func (r *OTPRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	cutoff := millis(now)

	paginator := dynamodb.NewScanPaginator(r.client, &dynamodb.ScanInput{
		TableName:            aws.String(r.tableName),
		FilterExpression:     aws.String("begins_with(PK, :prefix) AND expires_at <= :now"),
		ProjectionExpression: aws.String("PK, SK"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prefix": &types.AttributeValueMemberS{Value: otpPKPrefix},
			":now":    cutoff,
		},
	})

	deleted := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return deleted, fmt.Errorf("failed to scan expired OTPs: %w", err)
		}

		for _, item := range page.Items {
			_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(r.tableName),
				Key: map[string]types.AttributeValue{
					"PK": item["PK"],
					"SK": item["SK"],
				},
				ConditionExpression: aws.String("attribute_exists(PK) AND expires_at <= :now"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":now": cutoff,
				},
			})
			if err != nil {
				if isConditionalCheckFailed(err) {
					continue
				}
				return deleted, fmt.Errorf("failed to delete expired OTP: %w", err)
			}
			if sk, ok := item["SK"].(*types.AttributeValueMemberS); ok && strings.HasPrefix(sk.Value, otpTokenSKPrefix) {
				deleted++
			}
		}
	}

	return deleted, nil
}

func (i otpItem) toModel() (models.OTPToken, error) {
	purpose, err := models.ParseOTPPurpose(i.Purpose)
	if err != nil {
		return models.OTPToken{}, fmt.Errorf("otp %s: %w", i.ID, err)
	}

	return models.OTPToken{
		ID:        i.ID,
		Code:      i.Code,
		UserID:    i.UserID,
		Purpose:   purpose,
		IsUsed:    i.IsUsed,
		ExpiresAt: time.UnixMilli(i.ExpiresAt).UTC(),
		CreatedAt: time.UnixMilli(i.CreatedAt).UTC(),
	}, nil
}

func otpSK(id string) string {
	return otpTokenSKPrefix + id
}

func millis(t time.Time) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixMilli(), 10)}
}
