package service

import (
	"context"
	"errors"
	"io"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stockauth/stockauth/internal/config"
	"github.com/stockauth/stockauth/internal/models"
	"github.com/stockauth/stockauth/internal/repository"
)

var errBoom = errors.New("boom")

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client, server
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testRateLimitConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		Policies: map[string]config.RateLimitPolicy{
			config.EndpointLogin:          {MaxAttempts: 5, BlockDuration: 30 * time.Minute, ResetWindow: 15 * time.Minute},
			config.EndpointVerifyOTP:      {MaxAttempts: 3, BlockDuration: 15 * time.Minute, ResetWindow: 15 * time.Minute},
			config.EndpointVerifyResetOTP: {MaxAttempts: 3, BlockDuration: 15 * time.Minute, ResetWindow: 15 * time.Minute},
			config.EndpointForgotPassword: {MaxAttempts: 5, BlockDuration: 30 * time.Minute, ResetWindow: 15 * time.Minute},
		},
		Default: config.RateLimitPolicy{MaxAttempts: 5, BlockDuration: 30 * time.Minute, ResetWindow: 15 * time.Minute},
	}
}

func testOTPConfig() *config.OTPConfig {
	return &config.OTPConfig{
		Length:                6,
		Expiry:                10 * time.Minute,
		MaxGenerationAttempts: 20,
		PurgeInterval:         time.Hour,
	}
}

// memOTPStore mirrors the conditional semantics of the DynamoDB repository.
type memOTPStore struct {
	mu        sync.Mutex
	tokens    map[string]models.OTPToken
	createErr error
	findErr   error
	markErr   error
}

func newMemOTPStore() *memOTPStore {
	return &memOTPStore{tokens: make(map[string]models.OTPToken)}
}

func (m *memOTPStore) Create(_ context.Context, token models.OTPToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if _, ok := m.tokens[token.ID]; ok {
		return repository.ErrAlreadyExists
	}
	for _, t := range m.tokens {
		if t.Code == token.Code && t.IsValid(token.CreatedAt) {
			return repository.ErrAlreadyExists
		}
	}
	m.tokens[token.ID] = token
	return nil
}

func (m *memOTPStore) FindByCode(_ context.Context, code string) ([]models.OTPToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	var out []models.OTPToken
	for _, t := range m.tokens {
		if t.Code == code {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memOTPStore) MarkUsed(_ context.Context, token models.OTPToken, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return m.markErr
	}
	stored, ok := m.tokens[token.ID]
	if !ok || stored.IsUsed || !now.Before(stored.ExpiresAt) {
		return repository.ErrConditionFailed
	}
	stored.IsUsed = true
	m.tokens[token.ID] = stored
	return nil
}

func (m *memOTPStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.tokens {
		if !t.ExpiresAt.After(now) {
			delete(m.tokens, id)
			n++
		}
	}
	return n, nil
}

func (m *memOTPStore) put(token models.OTPToken) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token.ID] = token
}

func (m *memOTPStore) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}

type fakeUsers struct {
	mu        sync.Mutex
	byID      map[string]*models.User
	findErr   error
	updateErr error
}

func newFakeUsers(users ...*models.User) *fakeUsers {
	f := &fakeUsers{byID: make(map[string]*models.User)}
	for _, u := range users {
		f.byID[u.ID] = u
	}
	return f
}

func (f *fakeUsers) FindByUsername(_ context.Context, username string, activeOnly bool) (*models.User, error) {
	return f.find(func(u *models.User) bool { return u.Username == username }, activeOnly)
}

func (f *fakeUsers) FindByEmail(_ context.Context, email string, activeOnly bool) (*models.User, error) {
	email = repository.NormalizeEmail(email)
	return f.find(func(u *models.User) bool { return u.Email == email }, activeOnly)
}

func (f *fakeUsers) find(match func(*models.User) bool, activeOnly bool) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	for _, u := range f.byID {
		if match(u) {
			if activeOnly && u.IsDeleted() {
				return nil, nil
			}
			copied := *u
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeUsers) UpdatePasswordHash(_ context.Context, user *models.User, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	stored, ok := f.byID[user.ID]
	if !ok {
		return repository.ErrNotFound
	}
	stored.PasswordHash = hash
	user.PasswordHash = hash
	return nil
}

func (f *fakeUsers) hashOf(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[id].PasswordHash
}

type sentMessage struct {
	Subject   string
	Recipient string
	Body      string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeNotifier) Send(_ context.Context, subject, recipient, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{Subject: subject, Recipient: recipient, Body: body})
	return nil
}

var codePattern = regexp.MustCompile(`\b\d{6}\b`)

func (f *fakeNotifier) lastCode(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("no message sent")
	}
	code := codePattern.FindString(f.sent[len(f.sent)-1].Subject)
	if code == "" {
		t.Fatalf("no code in subject %q", f.sent[len(f.sent)-1].Subject)
	}
	return code
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeAudit struct {
	mu    sync.Mutex
	users []string
	err   error
}

func (f *fakeAudit) RecordLogin(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.users = append(f.users, userID)
	return nil
}

func (f *fakeAudit) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.users...)
}

type logEntry struct {
	Module  string
	Message string
}

type fakeErrorLog struct {
	mu      sync.Mutex
	entries []logEntry
}

func (f *fakeErrorLog) Record(_ context.Context, module, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, logEntry{Module: module, Message: message})
	return nil
}

func (f *fakeErrorLog) all() []logEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]logEntry(nil), f.entries...)
}

// failingLimitStore makes every rate limit call fail.
type failingLimitStore struct{}

func (failingLimitStore) BlockedUntil(context.Context, string, string) (time.Time, bool, error) {
	return time.Time{}, false, errBoom
}

func (failingLimitStore) RecordAttempt(context.Context, string, string, int, time.Duration, time.Duration, time.Time) (int, bool, error) {
	return 0, false, errBoom
}

func (failingLimitStore) RemainingAttempts(context.Context, string, string, int, time.Duration, time.Time) (int, error) {
	return 0, errBoom
}

func (failingLimitStore) Reset(context.Context, string, string) error {
	return errBoom
}

func (failingLimitStore) Get(context.Context, string, string) (*models.RateLimitRecord, error) {
	return nil, errBoom
}

func (failingLimitStore) Delete(context.Context, string, ...string) (int, error) {
	return 0, errBoom
}
