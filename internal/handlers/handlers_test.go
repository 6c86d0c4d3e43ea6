package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stockauth/stockauth/internal/middleware"
	"github.com/stockauth/stockauth/internal/models"
	"github.com/stockauth/stockauth/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAuthFlow struct {
	err     error
	session *service.SessionResult
	ack     *service.ResetAck

	gotUsername string
	gotEmail    string
	gotCode     string
	gotReset    service.ResetPasswordInput
}

func (f *fakeAuthFlow) Login(_ context.Context, username, _ string) error {
	f.gotUsername = username
	return f.err
}

func (f *fakeAuthFlow) VerifyOTP(_ context.Context, username, code string) (*service.SessionResult, error) {
	f.gotUsername, f.gotCode = username, code
	return f.session, f.err
}

func (f *fakeAuthFlow) ForgotPassword(_ context.Context, email string) error {
	f.gotEmail = email
	return f.err
}

func (f *fakeAuthFlow) VerifyResetOTP(_ context.Context, email, code string) (*service.ResetAck, error) {
	f.gotEmail, f.gotCode = email, code
	return f.ack, f.err
}

func (f *fakeAuthFlow) ResetPassword(_ context.Context, in service.ResetPasswordInput) error {
	f.gotReset = in
	return f.err
}

func (f *fakeAuthFlow) ResendLoginOTP(_ context.Context, username string) error {
	f.gotUsername = username
	return f.err
}

func (f *fakeAuthFlow) ResendResetOTP(_ context.Context, email string) error {
	f.gotEmail = email
	return f.err
}

func newTestHandlers(flow AuthFlow) *AuthHandlers {
	logger, _ := logtest.NewNullLogger()
	return NewAuthHandlers(flow, logger)
}

func post(t *testing.T, handler http.HandlerFunc, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(http.MethodPost, "/", &buf)
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestLogin(t *testing.T) {
	flow := &fakeAuthFlow{}
	h := newTestHandlers(flow)

	rec := post(t, h.Login, LoginRequest{Username: " alice ", Password: "pw"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", flow.gotUsername)

	rec = post(t, h.Login, "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", decodeError(t, rec).Code)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", &service.ValidationError{Field: "username", Message: "is required"}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"credentials", &service.NotFoundError{Resource: "credentials", Message: "invalid credentials, 4 attempts left", Remaining: 4}, http.StatusUnauthorized, "INVALID_CREDENTIALS"},
		{"unknown user", service.ErrUserNotFound, http.StatusUnauthorized, "INVALID_CREDENTIALS"},
		{"token", service.ErrTokenNotFound, http.StatusUnauthorized, "INVALID_TOKEN"},
		{"ticket", service.ErrResetTicketInvalid, http.StatusUnauthorized, "INVALID_RESET_TOKEN"},
		{"rate limited", &service.RateLimitedError{Endpoint: "login", Minutes: 29}, http.StatusTooManyRequests, "RATE_LIMITED"},
		{"dependency", &service.DependencyError{Op: "send otp", Err: errors.New("smtp down")}, http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandlers(&fakeAuthFlow{err: tt.err})
			rec := post(t, h.Login, LoginRequest{Username: "alice", Password: "pw"})

			assert.Equal(t, tt.status, rec.Code)
			detail := decodeError(t, rec)
			assert.Equal(t, tt.code, detail.Code)
			assert.NotContains(t, detail.Message, "smtp down")
		})
	}

	h := newTestHandlers(&fakeAuthFlow{err: &service.RateLimitedError{Minutes: 29}})
	rec := post(t, h.Login, LoginRequest{Username: "alice", Password: "pw"})
	assert.Equal(t, "1740", rec.Header().Get("Retry-After"))

	h = newTestHandlers(&fakeAuthFlow{err: &service.NotFoundError{Resource: "credentials", Message: "invalid credentials, 4 attempts left"}})
	rec = post(t, h.Login, LoginRequest{Username: "alice", Password: "pw"})
	assert.Equal(t, "invalid credentials, 4 attempts left", decodeError(t, rec).Message)
}

func TestVerifyOTP(t *testing.T) {
	flow := &fakeAuthFlow{session: &service.SessionResult{
		AccessToken: "jwt",
		TokenType:   "Bearer",
		ExpiresIn:   3600,
		ExpiresAt:   time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC),
		UserID:      "user-1",
		Username:    "alice",
		Role:        models.RoleEmployee,
	}}
	h := newTestHandlers(flow)

	rec := post(t, h.VerifyOTP, VerifyOTPRequest{Username: "alice", Token: " 123456 "})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "123456", flow.gotCode)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "jwt", body["access_token"])
	assert.Equal(t, "user-1", body["user_id"])
	assert.Equal(t, "Login successful", body["message"])
	assert.EqualValues(t, 2, body["role"])
}

func TestResetAckIsUniform(t *testing.T) {
	outcomes := []error{
		nil,
		service.ErrUserNotFound,
		&service.DependencyError{Op: "send otp", Err: errors.New("smtp down")},
	}

	var bodies []string
	for _, err := range outcomes {
		h := newTestHandlers(&fakeAuthFlow{err: err})

		rec := post(t, h.ForgotPassword, EmailRequest{Email: "ghost@x.com"})
		assert.Equal(t, http.StatusOK, rec.Code)
		bodies = append(bodies, rec.Body.String())

		rec = post(t, h.ResendResetOTP, EmailRequest{Email: "ghost@x.com"})
		assert.Equal(t, http.StatusOK, rec.Code)
		bodies = append(bodies, rec.Body.String())
	}

	for _, b := range bodies[1:] {
		assert.Equal(t, bodies[0], b)
	}
	assert.Contains(t, bodies[0], resetAckMessage)

	h := newTestHandlers(&fakeAuthFlow{err: &service.ValidationError{Field: "email", Message: "is not a valid email address"}})
	rec := post(t, h.ForgotPassword, EmailRequest{Email: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	h = newTestHandlers(&fakeAuthFlow{err: &service.RateLimitedError{Minutes: 10}})
	rec = post(t, h.ResendResetOTP, EmailRequest{Email: "alice@example.com"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestVerifyResetOTPAndResetPassword(t *testing.T) {
	flow := &fakeAuthFlow{ack: &service.ResetAck{ResetToken: "ticket-1", ExpiresIn: 600}}
	h := newTestHandlers(flow)

	rec := post(t, h.VerifyResetOTP, VerifyResetOTPRequest{Email: "alice@example.com", Token: "123456"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"reset_token":"ticket-1"`)

	rec = post(t, h.ResetPassword, ResetPasswordRequest{
		Email:           "alice@example.com",
		NewPassword:     "brand-new-pw",
		ConfirmPassword: "brand-new-pw",
		ResetToken:      " ticket-1 ",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ticket-1", flow.gotReset.ResetToken)
	assert.Equal(t, "brand-new-pw", flow.gotReset.NewPassword)
}

func TestResendLoginOTP(t *testing.T) {
	flow := &fakeAuthFlow{}
	h := newTestHandlers(flow)

	rec := post(t, h.ResendLoginOTP, UsernameRequest{Username: "alice"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", flow.gotUsername)
}

func TestMe(t *testing.T) {
	h := newTestHandlers(&fakeAuthFlow{})

	rec := httptest.NewRecorder()
	h.Me(rec, httptest.NewRequest(http.MethodGet, "/api/v1/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req = req.WithContext(middleware.WithAuthContext(req.Context(), &middleware.AuthContext{
		UserID: "user-1", Username: "alice", Role: models.RoleAdmin, IsActive: true,
	}))
	rec = httptest.NewRecorder()
	h.Me(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"username":"alice"`)
}

type fakeLimits struct {
	identifier string
	statuses   []service.RateLimitStatus
	cleared    int
	err        error
}

func (f *fakeLimits) StatusAll(_ context.Context, identifier string) ([]service.RateLimitStatus, error) {
	f.identifier = identifier
	return f.statuses, f.err
}

func (f *fakeLimits) ClearIdentifier(_ context.Context, identifier string) (int, error) {
	f.identifier = identifier
	return f.cleared, f.err
}

func newAdminRouter(limits RateLimitAdmin) *mux.Router {
	logger, _ := logtest.NewNullLogger()
	h := NewAdminHandlers(limits, logger)
	router := mux.NewRouter()
	router.HandleFunc("/rate-limits/{identifier}", h.GetRateLimits).Methods(http.MethodGet)
	router.HandleFunc("/rate-limits/{identifier}", h.ClearRateLimits).Methods(http.MethodDelete)
	return router
}

func TestAdminRateLimits(t *testing.T) {
	limits := &fakeLimits{
		statuses: []service.RateLimitStatus{{Endpoint: "login", IsBlocked: true, RemainingAttempts: 0, BlockTimeRemaining: 12, MaxAttempts: 5}},
		cleared:  2,
	}
	router := newAdminRouter(limits)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rate-limits/Alice@Example.com", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice@example.com", limits.identifier)

	var status RateLimitStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Len(t, status.Endpoints, 1)
	assert.True(t, status.Endpoints[0].IsBlocked)
	assert.Equal(t, 12, status.Endpoints[0].BlockTimeRemaining)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/rate-limits/alice", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", limits.identifier)
	assert.True(t, strings.Contains(rec.Body.String(), `"cleared":2`))

	limits.err = errors.New("redis down")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/rate-limits/alice", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "redis down")
}
