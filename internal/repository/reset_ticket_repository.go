package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type resetTicket struct {
	UserID   string    `json:"user_id"`
	Email    string    `json:"email"`
	IssuedAt time.Time `json:"issued_at"`
}

// ResetTicketRepository stores single-use password reset tickets. A ticket
// is handed out after the reset code is verified and redeemed exactly once.
type ResetTicketRepository struct {
	client redis.UniversalClient
	prefix string
}

func NewResetTicketRepository(client redis.UniversalClient, keyPrefix string) *ResetTicketRepository {
	prefix := "reset_ticket"
	if keyPrefix != "" {
		prefix = keyPrefix + ":reset_ticket"
	}
	return &ResetTicketRepository{client: client, prefix: prefix}
}

func (r *ResetTicketRepository) Issue(ctx context.Context, userID, email string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}

	ticket := uuid.New().String()
	data, err := json.Marshal(resetTicket{UserID: userID, Email: email, IssuedAt: time.Now().UTC()})
	if err != nil {
		return "", fmt.Errorf("failed to marshal reset ticket: %w", err)
	}

	if err := r.client.Set(ctx, r.key(ticket), data, ttl).Err(); err != nil {
		return "", fmt.Errorf("redis set reset ticket: %w", err)
	}

	return ticket, nil
}

// Redeem atomically reads and deletes the ticket. Unknown, expired and
// already redeemed tickets all yield ErrNotFound.
func (r *ResetTicketRepository) Redeem(ctx context.Context, ticket string) (string, string, error) {
	if ticket == "" {
		return "", "", ErrNotFound
	}

	raw, err := r.client.GetDel(ctx, r.key(ticket)).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("redis getdel reset ticket: %w", err)
	}

	var data resetTicket
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return "", "", fmt.Errorf("failed to unmarshal reset ticket: %w", err)
	}

	return data.UserID, data.Email, nil
}

// Restore puts a redeemed ticket back for ttl, so a caller whose reset
// failed after Redeem can retry with the same ticket. It never overwrites a
// ticket that is still stored.
func (r *ResetTicketRepository) Restore(ctx context.Context, ticket, userID, email string, ttl time.Duration) error {
	if ticket == "" || ttl <= 0 {
		return errors.New("ticket and positive ttl are required")
	}

	data, err := json.Marshal(resetTicket{UserID: userID, Email: email, IssuedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal reset ticket: %w", err)
	}

	if err := r.client.SetNX(ctx, r.key(ticket), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis restore reset ticket: %w", err)
	}

	return nil
}

func (r *ResetTicketRepository) key(ticket string) string {
	return r.prefix + ":" + ticket
}
