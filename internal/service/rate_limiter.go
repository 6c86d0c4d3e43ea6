package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stockauth/stockauth/internal/config"
	"github.com/stockauth/stockauth/internal/metrics"
	"github.com/stockauth/stockauth/internal/models"
	"github.com/stockauth/stockauth/internal/repository"
)

type rateLimitStore interface {
	BlockedUntil(ctx context.Context, identifier, endpoint string) (time.Time, bool, error)
	RecordAttempt(ctx context.Context, identifier, endpoint string, maxAttempts int, blockFor, window time.Duration, now time.Time) (int, bool, error)
	RemainingAttempts(ctx context.Context, identifier, endpoint string, maxAttempts int, window time.Duration, now time.Time) (int, error)
	Reset(ctx context.Context, identifier, endpoint string) error
	Get(ctx context.Context, identifier, endpoint string) (*models.RateLimitRecord, error)
	Delete(ctx context.Context, identifier string, endpoints ...string) (int, error)
}

// AttemptResult is the outcome of recording one failed attempt.
type AttemptResult struct {
	Remaining int
	Blocked   bool
	UnblockAt time.Time
}

// RateLimitStatus is the admin view of one (identifier, endpoint) pair.
type RateLimitStatus struct {
	Endpoint           string     `json:"endpoint"`
	IsBlocked          bool       `json:"is_blocked"`
	RemainingAttempts  int        `json:"remaining_attempts"`
	BlockTimeRemaining int        `json:"block_time_remaining"`
	MaxAttempts        int        `json:"max_attempts"`
	BlockedUntil       *time.Time `json:"blocked_until,omitempty"`
}

// RateLimiter tracks failed attempts per (identifier, endpoint) and locks
// the pair out once the endpoint's policy is exhausted.
type RateLimiter struct {
	store   rateLimitStore
	cfg     config.RateLimitConfig
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewRateLimiter(store rateLimitStore, cfg config.RateLimitConfig, logger *logrus.Logger, m *metrics.Metrics) *RateLimiter {
	return &RateLimiter{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

func (l *RateLimiter) Policy(endpoint string) config.RateLimitPolicy {
	return l.cfg.Policy(endpoint)
}

// IsBlocked reports whether a block is set and has not elapsed yet.
func (l *RateLimiter) IsBlocked(ctx context.Context, identifier, endpoint string) (bool, error) {
	until, ok, err := l.store.BlockedUntil(ctx, identifier, endpoint)
	if err != nil {
		return false, err
	}
	return ok && l.now().Before(until), nil
}

// RemainingAttempts returns how many failures are left before a block. When
// the last failure is older than the reset window the history is cleared,
// block included.
func (l *RateLimiter) RemainingAttempts(ctx context.Context, identifier, endpoint string) (int, error) {
	p := l.Policy(endpoint)
	return l.store.RemainingAttempts(ctx, identifier, endpoint, p.MaxAttempts, p.ResetWindow, l.now())
}

func (l *RateLimiter) RecordAttempt(ctx context.Context, identifier, endpoint string) (AttemptResult, error) {
	p := l.Policy(endpoint)
	now := l.now()

	remaining, blocked, err := l.store.RecordAttempt(ctx, identifier, endpoint, p.MaxAttempts, p.BlockDuration, p.ResetWindow, now)
	if err != nil {
		return AttemptResult{}, err
	}

	result := AttemptResult{Remaining: remaining, Blocked: blocked}
	if blocked {
		result.UnblockAt = now.Add(p.BlockDuration)
		l.metrics.Lockout(endpoint)
		l.logger.WithFields(logrus.Fields{
			"identifier": identifier,
			"endpoint":   endpoint,
			"until":      result.UnblockAt,
		}).Warn("Identifier locked out")
	}

	return result, nil
}

// Reset zeroes the attempts and lifts any block, typically after a success.
func (l *RateLimiter) Reset(ctx context.Context, identifier, endpoint string) error {
	return l.store.Reset(ctx, identifier, endpoint)
}

// BlockTimeRemaining returns the whole minutes left on the block, rounded down.
func (l *RateLimiter) BlockTimeRemaining(ctx context.Context, identifier, endpoint string) (int, error) {
	until, ok, err := l.store.BlockedUntil(ctx, identifier, endpoint)
	if err != nil {
		return 0, err
	}
	return minutesUntil(until, ok, l.now()), nil
}

// Status reads the record without touching it, so looking at a locked out
// identifier never clears its window.
func (l *RateLimiter) Status(ctx context.Context, identifier, endpoint string) (RateLimitStatus, error) {
	p := l.Policy(endpoint)
	status := RateLimitStatus{
		Endpoint:          endpoint,
		RemainingAttempts: p.MaxAttempts,
		MaxAttempts:       p.MaxAttempts,
	}

	record, err := l.store.Get(ctx, identifier, endpoint)
	if errors.Is(err, repository.ErrNotFound) {
		return status, nil
	}
	if err != nil {
		return status, err
	}

	now := l.now()
	if record.BlockedUntil != nil && now.Before(*record.BlockedUntil) {
		status.IsBlocked = true
		status.BlockedUntil = record.BlockedUntil
		status.BlockTimeRemaining = minutesUntil(*record.BlockedUntil, true, now)
	}
	if now.Sub(record.LastAttempt) <= p.ResetWindow {
		status.RemainingAttempts = max(0, p.MaxAttempts-record.Attempts)
	}

	return status, nil
}

// StatusAll returns the status of identifier on every configured endpoint.
func (l *RateLimiter) StatusAll(ctx context.Context, identifier string) ([]RateLimitStatus, error) {
	endpoints := l.endpoints()
	out := make([]RateLimitStatus, 0, len(endpoints))
	for _, endpoint := range endpoints {
		status, err := l.Status(ctx, identifier, endpoint)
		if err != nil {
			return nil, fmt.Errorf("status for %s: %w", endpoint, err)
		}
		out = append(out, status)
	}
	return out, nil
}

// ClearIdentifier deletes the records of identifier on every configured
// endpoint and returns how many existed.
func (l *RateLimiter) ClearIdentifier(ctx context.Context, identifier string) (int, error) {
	n, err := l.store.Delete(ctx, identifier, l.endpoints()...)
	if err != nil {
		return 0, err
	}
	l.logger.WithFields(logrus.Fields{
		"identifier": identifier,
		"cleared":    n,
	}).Info("Rate limit records cleared")
	return n, nil
}

func (l *RateLimiter) endpoints() []string {
	endpoints := make([]string, 0, len(l.cfg.Policies))
	for endpoint := range l.cfg.Policies {
		endpoints = append(endpoints, endpoint)
	}
	sort.Strings(endpoints)
	return endpoints
}

func minutesUntil(until time.Time, ok bool, now time.Time) int {
	if !ok || !now.Before(until) {
		return 0
	}
	return int(until.Sub(now) / time.Minute)
}
