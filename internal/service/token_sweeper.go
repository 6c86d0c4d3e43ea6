package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const sweeperModule = "service.TokenSweeper"

// TokenSweeper deletes expired one-time codes on a fixed interval.
type TokenSweeper struct {
	otps     *OTPService
	errorLog ErrorLog
	interval time.Duration
	logger   *logrus.Logger
}

func NewTokenSweeper(otps *OTPService, errorLog ErrorLog, interval time.Duration, logger *logrus.Logger) *TokenSweeper {
	return &TokenSweeper{
		otps:     otps,
		errorLog: errorLog,
		interval: interval,
		logger:   logger,
	}
}

// Run sweeps once right away and then on every tick until ctx is done.
func (s *TokenSweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Warn("Token sweeper disabled, interval is not positive")
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce never returns an error; failures are logged and the next tick
// tries again.
func (s *TokenSweeper) RunOnce(ctx context.Context) int {
	n, err := s.otps.PurgeExpired(ctx)
	if err != nil {
		s.logger.WithError(err).WithField("deleted", n).Error("Failed to purge expired OTPs")
		s.record(ctx, fmt.Sprintf("purge of expired OTPs failed after %d deletions: %v", n, err))
		return n
	}

	if n > 0 {
		s.logger.WithField("deleted", n).Info("Expired OTPs purged")
		s.record(ctx, fmt.Sprintf("purged %d expired OTPs", n))
	} else {
		s.logger.Debug("No expired OTPs to purge")
	}

	return n
}

func (s *TokenSweeper) record(ctx context.Context, message string) {
	if s.errorLog == nil {
		return
	}
	if err := s.errorLog.Record(ctx, sweeperModule, message); err != nil {
		s.logger.WithError(err).Warn("Failed to write error log entry")
	}
}
