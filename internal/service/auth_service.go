package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/mail"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stockauth/stockauth/internal/config"
	"github.com/stockauth/stockauth/internal/metrics"
	"github.com/stockauth/stockauth/internal/models"
	"github.com/stockauth/stockauth/internal/repository"
)

type UserDirectory interface {
	FindByUsername(ctx context.Context, username string, activeOnly bool) (*models.User, error)
	FindByEmail(ctx context.Context, email string, activeOnly bool) (*models.User, error)
	UpdatePasswordHash(ctx context.Context, user *models.User, hash string) error
}

type Notifier interface {
	Send(ctx context.Context, subject, recipient, body string) error
}

type AuditLog interface {
	RecordLogin(ctx context.Context, userID string) error
}

type ErrorLog interface {
	Record(ctx context.Context, module, message string) error
}

type ResetTicketStore interface {
	Issue(ctx context.Context, userID, email string, ttl time.Duration) (string, error)
	Redeem(ctx context.Context, ticket string) (userID, email string, err error)
	Restore(ctx context.Context, ticket, userID, email string, ttl time.Duration) error
}

type SessionIssuer interface {
	IssueSession(user *models.User) (*models.SessionToken, error)
}

// ErrInvalidCredentials is the only failure a login attempt reports, whether
// the username or the password was wrong.
var ErrInvalidCredentials = &NotFoundError{Resource: "credentials", Remaining: -1}

const authModule = "service.AuthService"

type AuthDeps struct {
	Users     UserDirectory
	Limiter   *RateLimiter
	OTPs      *OTPService
	Passwords *PasswordHasher
	Sessions  SessionIssuer
	Notifier  Notifier
	Audit     AuditLog
	ErrorLog  ErrorLog
	Tickets   ResetTicketStore
	Metrics   *metrics.Metrics
}

type SessionResult struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresIn   int64       `json:"expires_in"`
	ExpiresAt   time.Time   `json:"expires_at"`
	UserID      string      `json:"user_id"`
	Username    string      `json:"username"`
	Name        string      `json:"name"`
	Role        models.Role `json:"role"`
	BranchID    string      `json:"branch_id,omitempty"`
}

// ResetAck carries the single-use ticket ResetPassword requires.
type ResetAck struct {
	ResetToken string `json:"reset_token"`
	ExpiresIn  int64  `json:"expires_in"`
}

type ResetPasswordInput struct {
	Email           string
	NewPassword     string
	ConfirmPassword string
	ResetToken      string
}

// AuthService runs the login, OTP verification and password reset flows.
// Every guessable step goes through the rate limiter first.
type AuthService struct {
	users     UserDirectory
	limiter   *RateLimiter
	otps      *OTPService
	passwords *PasswordHasher
	sessions  SessionIssuer
	notifier  Notifier
	audit     AuditLog
	errorLog  ErrorLog
	tickets   ResetTicketStore
	metrics   *metrics.Metrics
	cfg       config.AuthConfig
	otpExpiry time.Duration
	logger    *logrus.Logger

	sleep func(ctx context.Context, d time.Duration) error
	delay func() time.Duration
}

func NewAuthService(deps AuthDeps, cfg config.AuthConfig, otpExpiry time.Duration, logger *logrus.Logger) *AuthService {
	s := &AuthService{
		users:     deps.Users,
		limiter:   deps.Limiter,
		otps:      deps.OTPs,
		passwords: deps.Passwords,
		sessions:  deps.Sessions,
		notifier:  deps.Notifier,
		audit:     deps.Audit,
		errorLog:  deps.ErrorLog,
		tickets:   deps.Tickets,
		metrics:   deps.Metrics,
		cfg:       cfg,
		otpExpiry: otpExpiry,
		logger:    logger,
		sleep:     sleepContext,
	}
	s.delay = s.randomDelay
	return s
}

// Login checks the password and mails a login code. The caller then
// exchanges the code through VerifyOTP.
func (s *AuthService) Login(ctx context.Context, username, password string) error {
	const op = "login"

	if err := required("username", username); err != nil {
		return err
	}
	if err := required("password", password); err != nil {
		return err
	}

	if err := s.gate(ctx, op, username, config.EndpointLogin); err != nil {
		return err
	}

	user, err := s.users.FindByUsername(ctx, username, true)
	if err != nil {
		return s.dependencyFailure(ctx, op, "find user", err)
	}

	if user == nil {
		s.passwords.Burn(password)
		return s.failAttempt(ctx, op, username, config.EndpointLogin, "unknown username", ErrInvalidCredentials, "invalid credentials")
	}

	if !s.passwords.Verify(user.PasswordHash, password) {
		return s.failAttempt(ctx, op, username, config.EndpointLogin, "wrong password", ErrInvalidCredentials, "invalid credentials")
	}

	s.resetLimiter(ctx, op, username, config.EndpointLogin)

	if err := s.sendCode(ctx, op, user, models.PurposeLogin); err != nil {
		return err
	}

	s.metrics.AuthOutcome(op, "success")
	return nil
}

// VerifyOTP redeems a login code and returns a signed session.
func (s *AuthService) VerifyOTP(ctx context.Context, username, code string) (*SessionResult, error) {
	const op = "verify_otp"

	if err := required("username", username); err != nil {
		return nil, err
	}
	if err := required("token", code); err != nil {
		return nil, err
	}

	user, err := s.redeemCode(ctx, op, username, config.EndpointVerifyOTP, code, models.PurposeLogin,
		func(ctx context.Context) (*models.User, error) {
			return s.users.FindByUsername(ctx, username, true)
		})
	if err != nil {
		return nil, err
	}

	session, err := s.sessions.IssueSession(user)
	if err != nil {
		return nil, s.dependencyFailure(ctx, op, "issue session", err)
	}

	if err := s.audit.RecordLogin(ctx, user.ID); err != nil {
		s.logger.WithError(err).WithField("user_id", user.ID).Warn("Login audit not recorded")
	}

	s.metrics.AuthOutcome(op, "success")

	return &SessionResult{
		AccessToken: session.AccessToken,
		TokenType:   session.TokenType,
		ExpiresIn:   session.ExpiresIn,
		ExpiresAt:   session.ExpiresAt,
		UserID:      user.ID,
		Username:    user.Username,
		Name:        user.Name,
		Role:        user.Role,
		BranchID:    user.BranchID,
	}, nil
}

// ForgotPassword mails a reset code. Unknown emails are not rate limited;
// they wait a random delay and return ErrUserNotFound, which callers must
// answer exactly like a success.
func (s *AuthService) ForgotPassword(ctx context.Context, email string) error {
	const op = "forgot_password"

	email, err := validEmail(email)
	if err != nil {
		return err
	}

	user, err := s.users.FindByEmail(ctx, email, true)
	if err != nil {
		return s.dependencyFailure(ctx, op, "find user", err)
	}

	if user == nil {
		return s.unknownEmail(ctx, op)
	}

	if err := s.sendCode(ctx, op, user, models.PurposePasswordReset); err != nil {
		return err
	}

	s.metrics.AuthOutcome(op, "success")
	return nil
}

// VerifyResetOTP redeems a reset code and returns the ticket ResetPassword
// needs. No session is issued.
func (s *AuthService) VerifyResetOTP(ctx context.Context, email, code string) (*ResetAck, error) {
	const op = "verify_reset_otp"

	email, err := validEmail(email)
	if err != nil {
		return nil, err
	}
	if err := required("token", code); err != nil {
		return nil, err
	}

	user, err := s.redeemCode(ctx, op, email, config.EndpointVerifyResetOTP, code, models.PurposePasswordReset,
		func(ctx context.Context) (*models.User, error) {
			return s.users.FindByEmail(ctx, email, true)
		})
	if err != nil {
		return nil, err
	}

	ticket, err := s.tickets.Issue(ctx, user.ID, user.Email, s.cfg.ResetTicketTTL)
	if err != nil {
		return nil, s.dependencyFailure(ctx, op, "issue reset ticket", err)
	}

	s.metrics.AuthOutcome(op, "success")

	return &ResetAck{
		ResetToken: ticket,
		ExpiresIn:  int64(s.cfg.ResetTicketTTL.Seconds()),
	}, nil
}

// ResetPassword sets a new password for the account bound to in.ResetToken.
// Input is validated before the ticket is redeemed so a typo does not burn it.
func (s *AuthService) ResetPassword(ctx context.Context, in ResetPasswordInput) error {
	const op = "reset_password"

	email, err := validEmail(in.Email)
	if err != nil {
		return err
	}
	if err := required("new_password", in.NewPassword); err != nil {
		return err
	}
	if err := required("confirm_password", in.ConfirmPassword); err != nil {
		return err
	}
	if err := required("reset_token", in.ResetToken); err != nil {
		return err
	}

	if in.NewPassword != in.ConfirmPassword {
		s.recordError(ctx, op, "new password and confirmation do not match")
		return &ValidationError{Field: "confirm_password", Message: "passwords do not match"}
	}

	if len(in.NewPassword) < s.cfg.PasswordMinLength {
		return &ValidationError{
			Field:   "new_password",
			Message: fmt.Sprintf("must be at least %d characters", s.cfg.PasswordMinLength),
		}
	}

	userID, ticketEmail, err := s.tickets.Redeem(ctx, in.ResetToken)
	if errors.Is(err, repository.ErrNotFound) {
		s.recordError(ctx, op, "unknown or expired reset ticket")
		s.metrics.AuthOutcome(op, "failure")
		return ErrResetTicketInvalid
	}
	if err != nil {
		return s.dependencyFailure(ctx, op, "redeem reset ticket", err)
	}

	if repository.NormalizeEmail(ticketEmail) != email {
		s.recordError(ctx, op, "reset ticket presented for another email")
		s.metrics.AuthOutcome(op, "failure")
		return ErrResetTicketInvalid
	}

	user, err := s.users.FindByEmail(ctx, email, true)
	if err != nil {
		s.restoreTicket(ctx, op, in.ResetToken, userID, ticketEmail)
		return s.dependencyFailure(ctx, op, "find user", err)
	}
	if user == nil || user.ID != userID {
		s.recordError(ctx, op, "reset requested for an unknown email")
		s.metrics.AuthOutcome(op, "failure")
		return ErrUserNotFound
	}

	hash, err := s.passwords.Hash(in.NewPassword)
	if err != nil {
		s.restoreTicket(ctx, op, in.ResetToken, userID, ticketEmail)
		return s.dependencyFailure(ctx, op, "hash password", err)
	}

	if err := s.users.UpdatePasswordHash(ctx, user, hash); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrUserNotFound
		}
		s.restoreTicket(ctx, op, in.ResetToken, userID, ticketEmail)
		return s.dependencyFailure(ctx, op, "update password", err)
	}

	s.logger.WithField("user_id", user.ID).Info("Password reset")
	s.metrics.AuthOutcome(op, "success")
	return nil
}

// ResendLoginOTP mails another login code. Earlier codes stay valid.
func (s *AuthService) ResendLoginOTP(ctx context.Context, username string) error {
	const op = "resend_otp_login"

	if err := required("username", username); err != nil {
		return err
	}

	if err := s.gate(ctx, op, username, config.EndpointLogin); err != nil {
		return err
	}

	user, err := s.users.FindByUsername(ctx, username, true)
	if err != nil {
		return s.dependencyFailure(ctx, op, "find user", err)
	}
	if user == nil {
		s.recordError(ctx, op, fmt.Sprintf("resend requested for unknown username %s", username))
		s.metrics.AuthOutcome(op, "failure")
		return ErrUserNotFound
	}

	if err := s.sendCode(ctx, op, user, models.PurposeLogin); err != nil {
		return err
	}

	s.metrics.AuthOutcome(op, "success")
	return nil
}

// ResendResetOTP mails another reset code, with the same unknown-email
// handling as ForgotPassword.
func (s *AuthService) ResendResetOTP(ctx context.Context, email string) error {
	const op = "resend_otp_password"

	email, err := validEmail(email)
	if err != nil {
		return err
	}

	if err := s.gate(ctx, op, email, config.EndpointForgotPassword); err != nil {
		return err
	}

	user, err := s.users.FindByEmail(ctx, email, true)
	if err != nil {
		return s.dependencyFailure(ctx, op, "find user", err)
	}
	if user == nil {
		return s.unknownEmail(ctx, op)
	}

	if err := s.sendCode(ctx, op, user, models.PurposePasswordReset); err != nil {
		return err
	}

	s.metrics.AuthOutcome(op, "success")
	return nil
}

// redeemCode is the shared body of both verify flows: gate, resolve the
// user, find and consume the token, then reset the counter. Every failure
// before consumption counts against (identifier, endpoint).
func (s *AuthService) redeemCode(
	ctx context.Context,
	op, identifier, endpoint, code string,
	purpose models.OTPPurpose,
	lookup func(context.Context) (*models.User, error),
) (*models.User, error) {
	if err := s.gate(ctx, op, identifier, endpoint); err != nil {
		return nil, err
	}

	user, err := lookup(ctx)
	if err != nil {
		return nil, s.dependencyFailure(ctx, op, "find user", err)
	}
	if user == nil {
		return nil, s.failAttempt(ctx, op, identifier, endpoint, "unknown user", ErrTokenNotFound, "invalid code")
	}

	token, err := s.otps.FindValid(ctx, user.ID, code, purpose)
	if errors.Is(err, ErrTokenNotFound) {
		return nil, s.failAttempt(ctx, op, identifier, endpoint, "invalid code", ErrTokenNotFound, "invalid code")
	}
	if err != nil {
		return nil, s.dependencyFailure(ctx, op, "find token", err)
	}

	if err := s.otps.Consume(ctx, token); err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return nil, s.failAttempt(ctx, op, identifier, endpoint, "code already used", ErrTokenNotFound, "invalid code")
		}
		return nil, s.dependencyFailure(ctx, op, "consume token", err)
	}

	s.resetLimiter(ctx, op, identifier, endpoint)

	return user, nil
}

// gate fails fast while identifier is locked out of endpoint. A limiter that
// cannot be read counts as a lockout.
func (s *AuthService) gate(ctx context.Context, op, identifier, endpoint string) error {
	blocked, err := s.limiter.IsBlocked(ctx, identifier, endpoint)
	if err != nil {
		s.logDependency(ctx, op, "read rate limit", err)
		return s.failClosed(op, endpoint)
	}
	if !blocked {
		return nil
	}

	minutes, err := s.limiter.BlockTimeRemaining(ctx, identifier, endpoint)
	if err != nil {
		minutes = blockMinutes(s.limiter.Policy(endpoint))
	}

	s.recordError(ctx, op, fmt.Sprintf("blocked %s attempt for %s", endpoint, identifier))
	s.metrics.AuthOutcome(op, "blocked")

	return &RateLimitedError{
		Endpoint: endpoint,
		Minutes:  minutes,
		Message:  fmt.Sprintf("account temporarily locked, try again in %d minutes", minutes),
	}
}

// failAttempt counts a failure and turns it into the error the caller sees:
// a lockout once the policy is exhausted, otherwise a copy of notFound that
// reports the attempts left.
func (s *AuthService) failAttempt(ctx context.Context, op, identifier, endpoint, reason string, notFound *NotFoundError, label string) error {
	result, err := s.limiter.RecordAttempt(ctx, identifier, endpoint)
	if err != nil {
		s.logDependency(ctx, op, "record attempt", err)
		return s.failClosed(op, endpoint)
	}

	s.recordError(ctx, op, fmt.Sprintf("failed %s attempt for %s: %s, %d attempts left", endpoint, identifier, reason, result.Remaining))

	if result.Blocked {
		minutes := blockMinutes(s.limiter.Policy(endpoint))
		s.metrics.AuthOutcome(op, "blocked")
		return &RateLimitedError{
			Endpoint: endpoint,
			Minutes:  minutes,
			Message:  fmt.Sprintf("too many failed attempts, locked for %d minutes", minutes),
		}
	}

	s.metrics.AuthOutcome(op, "failure")

	message := label
	if result.Remaining > 0 {
		message = fmt.Sprintf("%s, %d attempts left", label, result.Remaining)
	}

	return &NotFoundError{
		Resource:  notFound.Resource,
		Message:   message,
		Remaining: result.Remaining,
	}
}

func (s *AuthService) failClosed(op, endpoint string) error {
	minutes := blockMinutes(s.limiter.Policy(endpoint))
	s.metrics.AuthOutcome(op, "error")
	return &RateLimitedError{
		Endpoint: endpoint,
		Minutes:  minutes,
		Message:  fmt.Sprintf("account temporarily locked, try again in %d minutes", minutes),
	}
}

func (s *AuthService) resetLimiter(ctx context.Context, op, identifier, endpoint string) {
	if err := s.limiter.Reset(ctx, identifier, endpoint); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"module":    authModule,
			"operation": op,
			"endpoint":  endpoint,
		}).Warn("Failed to reset rate limit after success")
	}
}

// restoreTicket hands a redeemed ticket back after a backend failure so the
// user can retry without repeating the OTP step.
func (s *AuthService) restoreTicket(ctx context.Context, op, ticket, userID, email string) {
	if err := s.tickets.Restore(ctx, ticket, userID, email, s.cfg.ResetTicketTTL); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"module":    authModule,
			"operation": op,
			"user_id":   userID,
		}).Warn("Failed to restore reset ticket")
	}
}

func (s *AuthService) unknownEmail(ctx context.Context, op string) error {
	_ = s.sleep(ctx, s.delay())
	s.recordError(ctx, op, "unknown email submitted")
	s.metrics.AuthOutcome(op, "unknown")
	return ErrUserNotFound
}

func (s *AuthService) sendCode(ctx context.Context, op string, user *models.User, purpose models.OTPPurpose) error {
	code, err := s.otps.Issue(ctx, user.ID, purpose)
	if err != nil {
		return s.dependencyFailure(ctx, op, "issue otp", err)
	}

	subject, body := otpMessage(purpose, code, s.otpExpiry)
	if err := s.notifier.Send(ctx, subject, user.Email, body); err != nil {
		return s.dependencyFailure(ctx, op, "send otp", err)
	}

	return nil
}

func (s *AuthService) dependencyFailure(ctx context.Context, op, step string, err error) error {
	s.logDependency(ctx, op, step, err)
	s.metrics.AuthOutcome(op, "error")
	return dependency(step, err)
}

func (s *AuthService) logDependency(ctx context.Context, op, step string, err error) {
	s.logger.WithError(err).WithFields(logrus.Fields{
		"module":    authModule,
		"operation": op,
		"step":      step,
	}).Error("Auth dependency failed")
	s.recordError(ctx, op, fmt.Sprintf("%s: %v", step, err))
}

// recordError writes to the diagnostic log. Its own failures are only logged.
func (s *AuthService) recordError(ctx context.Context, op, message string) {
	if s.errorLog == nil {
		return
	}
	if err := s.errorLog.Record(ctx, authModule+"."+op, message); err != nil {
		s.logger.WithError(err).Warn("Failed to write error log entry")
	}
}

func (s *AuthService) randomDelay() time.Duration {
	lo, hi := s.cfg.UnknownEmailDelayMin, s.cfg.UnknownEmailDelayMax
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

func otpMessage(purpose models.OTPPurpose, code string, expiry time.Duration) (string, string) {
	minutes := int(expiry / time.Minute)

	switch purpose {
	case models.PurposeLogin:
		return fmt.Sprintf("Your login code %s", code),
			fmt.Sprintf("Your verification code to sign in is %s. It expires in %d minutes.", code, minutes)
	case models.PurposePasswordReset:
		return fmt.Sprintf("Your password reset code %s", code),
			fmt.Sprintf("Here is the code to reset your password: %s. It expires in %d minutes. "+
				"If you did not request this, contact support immediately.", code, minutes)
	}

	return fmt.Sprintf("Your code %s", code), fmt.Sprintf("Your code is %s.", code)
}

func blockMinutes(p config.RateLimitPolicy) int {
	return int(p.BlockDuration / time.Minute)
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	return nil
}

// validEmail returns the normalized address or a ValidationError.
func validEmail(email string) (string, error) {
	if err := required("email", email); err != nil {
		return "", err
	}

	normalized := repository.NormalizeEmail(email)
	addr, err := mail.ParseAddress(normalized)
	if err != nil || addr.Address != normalized || !strings.Contains(normalized[strings.LastIndex(normalized, "@")+1:], ".") {
		return "", &ValidationError{Field: "email", Message: "is not a valid email address"}
	}

	return normalized, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
