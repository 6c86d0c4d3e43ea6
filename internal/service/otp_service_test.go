package service

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stockauth/stockauth/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOTPService(store otpStore, clock *testClock) *OTPService {
	s := NewOTPService(store, testOTPConfig(), newTestLogger(), nil)
	s.now = clock.Now
	return s
}

func TestOTPService_IssueStoresSixDigitCode(t *testing.T) {
	store := newMemOTPStore()
	clock := newTestClock()
	s := newTestOTPService(store, clock)

	code, err := s.Issue(context.Background(), "user-1", models.PurposeLogin)
	require.NoError(t, err)
	assert.Regexp(t, `^\d{6}$`, code)

	tokens, err := store.FindByCode(context.Background(), code)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "user-1", tokens[0].UserID)
	assert.Equal(t, models.PurposeLogin, tokens[0].Purpose)
	assert.False(t, tokens[0].IsUsed)
	assert.Equal(t, clock.Now().Add(10*time.Minute), tokens[0].ExpiresAt)
}

func TestOTPService_IssueSkipsCodesHeldByValidTokens(t *testing.T) {
	store := newMemOTPStore()
	clock := newTestClock()
	s := newTestOTPService(store, clock)

	store.put(models.OTPToken{
		ID: "held", Code: "000000", UserID: "other", Purpose: models.PurposeLogin,
		ExpiresAt: clock.Now().Add(time.Minute), CreatedAt: clock.Now(),
	})

	// Six zero bytes draw "000000", then six ones draw "111111".
	s.random = bytes.NewReader(append(make([]byte, 6), bytes.Repeat([]byte{1}, 6)...))

	code, err := s.Issue(context.Background(), "user-1", models.PurposeLogin)
	require.NoError(t, err)
	assert.Equal(t, "111111", code)
}

func TestOTPService_IssueReusesCodesOfExpiredTokens(t *testing.T) {
	store := newMemOTPStore()
	clock := newTestClock()
	s := newTestOTPService(store, clock)

	store.put(models.OTPToken{
		ID: "stale", Code: "000000", UserID: "other", Purpose: models.PurposeLogin,
		ExpiresAt: clock.Now().Add(-time.Minute), CreatedAt: clock.Now().Add(-11 * time.Minute),
	})
	s.random = bytes.NewReader(make([]byte, 6))

	code, err := s.Issue(context.Background(), "user-1", models.PurposeLogin)
	require.NoError(t, err)
	assert.Equal(t, "000000", code)
}

func TestOTPService_IssueGivesUpAfterMaxAttempts(t *testing.T) {
	store := newMemOTPStore()
	clock := newTestClock()
	s := newTestOTPService(store, clock)
	cfg := testOTPConfig()
	cfg.MaxGenerationAttempts = 2
	s.cfg = cfg

	store.put(models.OTPToken{
		ID: "held", Code: "000000", UserID: "other", Purpose: models.PurposeLogin,
		ExpiresAt: clock.Now().Add(time.Minute),
	})
	s.random = bytes.NewReader(make([]byte, 12))

	_, err := s.Issue(context.Background(), "user-1", models.PurposeLogin)
	require.Error(t, err)
}

// zeroReader always draws the code "000000".
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

// lockstepStore holds the first lookup of each caller until both have read,
// so both see the code as free before either writes.
type lockstepStore struct {
	*memOTPStore
	mu      sync.Mutex
	waiting int
	both    *sync.WaitGroup
}

func (l *lockstepStore) FindByCode(ctx context.Context, code string) ([]models.OTPToken, error) {
	tokens, err := l.memOTPStore.FindByCode(ctx, code)

	l.mu.Lock()
	first := l.waiting < 2
	l.waiting++
	l.mu.Unlock()

	if first {
		l.both.Done()
		l.both.Wait()
	}
	return tokens, err
}

func TestOTPService_ConcurrentIssueNeverSharesACode(t *testing.T) {
	var both sync.WaitGroup
	both.Add(2)
	store := &lockstepStore{memOTPStore: newMemOTPStore(), both: &both}
	clock := newTestClock()
	s := newTestOTPService(store, clock)
	s.random = zeroReader{}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Issue(context.Background(), "user", models.PurposeLogin)
		}(i)
	}
	wg.Wait()

	var issued int
	for _, err := range errs {
		if err == nil {
			issued++
		}
	}
	assert.Equal(t, 1, issued)

	tokens, err := store.FindByCode(context.Background(), "000000")
	require.NoError(t, err)
	assert.Len(t, tokens, 1)
}

func TestOTPService_FindValidScopesByUserAndPurpose(t *testing.T) {
	store := newMemOTPStore()
	clock := newTestClock()
	s := newTestOTPService(store, clock)
	ctx := context.Background()

	code, err := s.Issue(ctx, "user-1", models.PurposeLogin)
	require.NoError(t, err)

	token, err := s.FindValid(ctx, "user-1", code, models.PurposeLogin)
	require.NoError(t, err)
	assert.Equal(t, code, token.Code)

	_, err = s.FindValid(ctx, "user-2", code, models.PurposeLogin)
	assert.ErrorIs(t, err, ErrTokenNotFound)

	_, err = s.FindValid(ctx, "user-1", code, models.PurposePasswordReset)
	assert.ErrorIs(t, err, ErrTokenNotFound)

	_, err = s.FindValid(ctx, "user-1", "12ab56", models.PurposeLogin)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestOTPService_ConsumedTokenCannotBeFoundAgain(t *testing.T) {
	store := newMemOTPStore()
	clock := newTestClock()
	s := newTestOTPService(store, clock)
	ctx := context.Background()

	code, err := s.Issue(ctx, "user-1", models.PurposeLogin)
	require.NoError(t, err)

	token, err := s.FindValid(ctx, "user-1", code, models.PurposeLogin)
	require.NoError(t, err)
	require.NoError(t, s.Consume(ctx, token))
	assert.True(t, token.IsUsed)

	_, err = s.FindValid(ctx, "user-1", code, models.PurposeLogin)
	assert.ErrorIs(t, err, ErrTokenNotFound)

	assert.ErrorIs(t, s.Consume(ctx, token), ErrTokenNotFound, "second consume loses")
}

func TestOTPService_ExpiredTokenIsNotValid(t *testing.T) {
	store := newMemOTPStore()
	clock := newTestClock()
	s := newTestOTPService(store, clock)
	ctx := context.Background()

	code, err := s.Issue(ctx, "user-1", models.PurposePasswordReset)
	require.NoError(t, err)

	clock.Advance(10*time.Minute + time.Second)

	_, err = s.FindValid(ctx, "user-1", code, models.PurposePasswordReset)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestOTPService_PurgeExpiredIsIdempotent(t *testing.T) {
	store := newMemOTPStore()
	clock := newTestClock()
	s := newTestOTPService(store, clock)
	ctx := context.Background()
	now := clock.Now()

	store.put(models.OTPToken{ID: "a", Code: "111111", ExpiresAt: now.Add(-time.Minute)})
	store.put(models.OTPToken{ID: "b", Code: "222222", IsUsed: true, ExpiresAt: now})
	store.put(models.OTPToken{ID: "c", Code: "333333", IsUsed: true, ExpiresAt: now.Add(time.Minute)})
	store.put(models.OTPToken{ID: "d", Code: "444444", ExpiresAt: now.Add(5 * time.Minute)})

	n, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, store.size())

	n, err = s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestOTPService_StoreErrorsPropagate(t *testing.T) {
	store := newMemOTPStore()
	store.findErr = errBoom
	s := newTestOTPService(store, newTestClock())

	_, err := s.Issue(context.Background(), "user-1", models.PurposeLogin)
	assert.ErrorIs(t, err, errBoom)

	_, err = s.FindValid(context.Background(), "user-1", "123456", models.PurposeLogin)
	assert.ErrorIs(t, err, errBoom)
	assert.NotErrorIs(t, err, ErrTokenNotFound)
}
