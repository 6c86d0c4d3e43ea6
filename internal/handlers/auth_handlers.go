package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/stockauth/stockauth/internal/middleware"
	"github.com/stockauth/stockauth/internal/service"
)

// Sent for every forgot-password and resend-password request that passes
// validation, whether or not the email is registered.
const resetAckMessage = "If the email is registered, a verification code has been sent"

type AuthFlow interface {
	Login(ctx context.Context, username, password string) error
	VerifyOTP(ctx context.Context, username, code string) (*service.SessionResult, error)
	ForgotPassword(ctx context.Context, email string) error
	VerifyResetOTP(ctx context.Context, email, code string) (*service.ResetAck, error)
	ResetPassword(ctx context.Context, in service.ResetPasswordInput) error
	ResendLoginOTP(ctx context.Context, username string) error
	ResendResetOTP(ctx context.Context, email string) error
}

type AuthHandlers struct {
	auth   AuthFlow
	logger *logrus.Logger
}

func NewAuthHandlers(auth AuthFlow, logger *logrus.Logger) *AuthHandlers {
	return &AuthHandlers{
		auth:   auth,
		logger: logger,
	}
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type VerifyOTPRequest struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

type EmailRequest struct {
	Email string `json:"email"`
}

type VerifyResetOTPRequest struct {
	Email string `json:"email"`
	Token string `json:"token"`
}

type ResetPasswordRequest struct {
	Email           string `json:"email"`
	NewPassword     string `json:"new_password"`
	ConfirmPassword string `json:"confirm_password"`
	ResetToken      string `json:"reset_token"`
}

type UsernameRequest struct {
	Username string `json:"username"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type VerifyOTPResponse struct {
	Message string `json:"message"`
	*service.SessionResult
}

type VerifyResetOTPResponse struct {
	Message string `json:"message"`
	*service.ResetAck
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.auth.Login(r.Context(), strings.TrimSpace(req.Username), req.Password); err != nil {
		h.handleError(w, r, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, MessageResponse{
		Message: "Verification code sent to the registered email",
	})
}

func (h *AuthHandlers) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.auth.VerifyOTP(r.Context(), strings.TrimSpace(req.Username), strings.TrimSpace(req.Token))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, VerifyOTPResponse{
		Message:       "Login successful",
		SessionResult: result,
	})
}

func (h *AuthHandlers) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if !h.decode(w, r, &req) {
		return
	}

	h.respondResetAck(w, r, h.auth.ForgotPassword(r.Context(), req.Email))
}

func (h *AuthHandlers) VerifyResetOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyResetOTPRequest
	if !h.decode(w, r, &req) {
		return
	}

	ack, err := h.auth.VerifyResetOTP(r.Context(), req.Email, strings.TrimSpace(req.Token))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, VerifyResetOTPResponse{
		Message:  "Code verified",
		ResetAck: ack,
	})
}

func (h *AuthHandlers) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if !h.decode(w, r, &req) {
		return
	}

	err := h.auth.ResetPassword(r.Context(), service.ResetPasswordInput{
		Email:           req.Email,
		NewPassword:     req.NewPassword,
		ConfirmPassword: req.ConfirmPassword,
		ResetToken:      strings.TrimSpace(req.ResetToken),
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, MessageResponse{Message: "Password reset successfully"})
}

func (h *AuthHandlers) ResendLoginOTP(w http.ResponseWriter, r *http.Request) {
	var req UsernameRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.auth.ResendLoginOTP(r.Context(), strings.TrimSpace(req.Username)); err != nil {
		h.handleError(w, r, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, MessageResponse{Message: "Verification code resent"})
}

func (h *AuthHandlers) ResendResetOTP(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if !h.decode(w, r, &req) {
		return
	}

	h.respondResetAck(w, r, h.auth.ResendResetOTP(r.Context(), req.Email))
}

// Me returns the identity RequireAuth attached to the request.
func (h *AuthHandlers) Me(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.FromContext(r.Context())
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}
	h.respondWithJSON(w, http.StatusOK, ac)
}

// respondResetAck answers with the same acknowledgement for known and
// unknown emails. Only malformed input and lockouts are reported.
func (h *AuthHandlers) respondResetAck(w http.ResponseWriter, r *http.Request, err error) {
	var validation *service.ValidationError
	var limited *service.RateLimitedError

	switch {
	case err == nil, errors.Is(err, service.ErrUserNotFound):
	case errors.As(err, &validation), errors.As(err, &limited):
		h.handleError(w, r, err)
		return
	default:
		h.logger.WithError(err).WithField("request_id", middleware.RequestIDFromContext(r.Context())).
			Error("Reset code request failed")
	}

	h.respondWithJSON(w, http.StatusOK, MessageResponse{Message: resetAckMessage})
}

func (h *AuthHandlers) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *service.ValidationError
		limited    *service.RateLimitedError
		notFound   *service.NotFoundError
	)

	switch {
	case errors.As(err, &validation):
		h.respondWithError(w, http.StatusBadRequest, "VALIDATION_ERROR", validation.Error())
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", strconv.Itoa(max(limited.Minutes, 1)*60))
		h.respondWithError(w, http.StatusTooManyRequests, "RATE_LIMITED", limited.Error())
	case errors.As(err, &notFound):
		code, message := notFoundResponse(notFound)
		h.respondWithError(w, http.StatusUnauthorized, code, message)
	default:
		h.logger.WithError(err).WithFields(logrus.Fields{
			"request_id": middleware.RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
		}).Error("Request failed")
		h.respondWithError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
	}
}

func notFoundResponse(err *service.NotFoundError) (string, string) {
	switch err.Resource {
	case service.ErrTokenNotFound.Resource:
		return "INVALID_TOKEN", err.Error()
	case service.ErrResetTicketInvalid.Resource:
		return "INVALID_RESET_TOKEN", "Reset token is invalid or has expired"
	case service.ErrInvalidCredentials.Resource:
		return "INVALID_CREDENTIALS", err.Error()
	}
	return "INVALID_CREDENTIALS", "invalid credentials"
}

func (h *AuthHandlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return false
	}
	return true
}

func (h *AuthHandlers) respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	respondWithJSON(w, status, payload)
}

func (h *AuthHandlers) respondWithError(w http.ResponseWriter, status int, code, message string) {
	respondWithError(w, status, code, message)
}

func respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, status int, code, message string) {
	respondWithJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}
