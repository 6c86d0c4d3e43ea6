package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stockauth/stockauth/internal/config"
	"github.com/stockauth/stockauth/internal/metrics"
	"github.com/stockauth/stockauth/internal/models"
	"github.com/stockauth/stockauth/internal/repository"
)

type otpStore interface {
	Create(ctx context.Context, token models.OTPToken) error
	FindByCode(ctx context.Context, code string) ([]models.OTPToken, error)
	MarkUsed(ctx context.Context, token models.OTPToken, now time.Time) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

type OTPService struct {
	store   otpStore
	cfg     *config.OTPConfig
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	random  io.Reader
}

func NewOTPService(store otpStore, cfg *config.OTPConfig, logger *logrus.Logger, m *metrics.Metrics) *OTPService {
	return &OTPService{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		random:  rand.Reader,
	}
}

// Issue stores a fresh code for userID and returns it. A code is never handed
// out while another valid token carries it: the store refuses the write with
// ErrAlreadyExists, and the lookup beforehand only saves a wasted write.
func (s *OTPService) Issue(ctx context.Context, userID string, purpose models.OTPPurpose) (string, error) {
	for attempt := 0; attempt < s.cfg.MaxGenerationAttempts; attempt++ {
		code, err := s.generateRandomOTP(s.cfg.Length)
		if err != nil {
			return "", fmt.Errorf("failed to generate OTP: %w", err)
		}

		now := s.now().UTC()

		existing, err := s.store.FindByCode(ctx, code)
		if err != nil {
			return "", fmt.Errorf("failed to check OTP uniqueness: %w", err)
		}
		if anyValid(existing, now) {
			continue
		}

		token := models.OTPToken{
			ID:        uuid.New().String(),
			Code:      code,
			UserID:    userID,
			Purpose:   purpose,
			ExpiresAt: now.Add(s.cfg.Expiry),
			CreatedAt: now,
		}

		if err := s.store.Create(ctx, token); err != nil {
			if errors.Is(err, repository.ErrAlreadyExists) {
				continue
			}
			return "", err
		}

		s.metrics.OTPIssued(purpose.String())
		s.logger.WithFields(logrus.Fields{
			"user_id": userID,
			"purpose": purpose.String(),
		}).Debug("OTP issued")

		return code, nil
	}

	return "", fmt.Errorf("no unused OTP code found after %d attempts", s.cfg.MaxGenerationAttempts)
}

// FindValid returns the unused, unexpired token of userID with the given
// code and purpose. Wrong, used and expired codes all yield ErrTokenNotFound.
func (s *OTPService) FindValid(ctx context.Context, userID, code string, purpose models.OTPPurpose) (*models.OTPToken, error) {
	if !isDigits(code, s.cfg.Length) {
		return nil, ErrTokenNotFound
	}

	tokens, err := s.store.FindByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to look up OTP: %w", err)
	}

	now := s.now()
	for i := range tokens {
		t := tokens[i]
		if t.UserID == userID && t.Purpose == purpose && t.IsValid(now) {
			return &t, nil
		}
	}

	return nil, ErrTokenNotFound
}

// Consume marks token used. Only one caller can win; the others, and any
// caller holding an expired token, get ErrTokenNotFound.
func (s *OTPService) Consume(ctx context.Context, token *models.OTPToken) error {
	if err := s.store.MarkUsed(ctx, *token, s.now()); err != nil {
		if errors.Is(err, repository.ErrConditionFailed) {
			return ErrTokenNotFound
		}
		return fmt.Errorf("failed to consume OTP: %w", err)
	}
	token.IsUsed = true
	return nil
}

// PurgeExpired deletes every token whose expiry has passed, used or not.
func (s *OTPService) PurgeExpired(ctx context.Context) (int, error) {
	n, err := s.store.DeleteExpired(ctx, s.now())
	s.metrics.OTPPurged(n)
	if err != nil {
		return n, fmt.Errorf("failed to purge expired OTPs: %w", err)
	}
	return n, nil
}

func (s *OTPService) generateRandomOTP(length int) (string, error) {
	var otp strings.Builder
	otp.Grow(length)
	for i := 0; i < length; i++ {
		num, err := rand.Int(s.random, big.NewInt(10))
		if err != nil {
			return "", err
		}
		otp.WriteString(num.String())
	}
	return otp.String(), nil
}

func anyValid(tokens []models.OTPToken, now time.Time) bool {
	for i := range tokens {
		if tokens[i].IsValid(now) {
			return true
		}
	}
	return false
}

func isDigits(code string, length int) bool {
	if len(code) != length {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
