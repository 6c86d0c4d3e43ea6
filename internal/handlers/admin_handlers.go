package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stockauth/stockauth/internal/middleware"
	"github.com/stockauth/stockauth/internal/repository"
	"github.com/stockauth/stockauth/internal/service"
)

type RateLimitAdmin interface {
	StatusAll(ctx context.Context, identifier string) ([]service.RateLimitStatus, error)
	ClearIdentifier(ctx context.Context, identifier string) (int, error)
}

type AdminHandlers struct {
	limits RateLimitAdmin
	logger *logrus.Logger
}

func NewAdminHandlers(limits RateLimitAdmin, logger *logrus.Logger) *AdminHandlers {
	return &AdminHandlers{
		limits: limits,
		logger: logger,
	}
}

type RateLimitStatusResponse struct {
	Identifier string                    `json:"identifier"`
	Endpoints  []service.RateLimitStatus `json:"endpoints"`
}

type ClearRateLimitsResponse struct {
	Identifier string `json:"identifier"`
	Cleared    int    `json:"cleared"`
}

func (h *AdminHandlers) GetRateLimits(w http.ResponseWriter, r *http.Request) {
	identifier, ok := h.identifier(w, r)
	if !ok {
		return
	}

	statuses, err := h.limits.StatusAll(r.Context(), identifier)
	if err != nil {
		h.logger.WithError(err).WithField("identifier", identifier).Error("Failed to read rate limits")
		respondWithError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
		return
	}

	respondWithJSON(w, http.StatusOK, RateLimitStatusResponse{
		Identifier: identifier,
		Endpoints:  statuses,
	})
}

func (h *AdminHandlers) ClearRateLimits(w http.ResponseWriter, r *http.Request) {
	identifier, ok := h.identifier(w, r)
	if !ok {
		return
	}

	cleared, err := h.limits.ClearIdentifier(r.Context(), identifier)
	if err != nil {
		h.logger.WithError(err).WithField("identifier", identifier).Error("Failed to clear rate limits")
		respondWithError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
		return
	}

	fields := logrus.Fields{"identifier": identifier, "cleared": cleared}
	if ac, ok := middleware.FromContext(r.Context()); ok {
		fields["admin_id"] = ac.UserID
	}
	h.logger.WithFields(fields).Info("Rate limits cleared by admin")

	respondWithJSON(w, http.StatusOK, ClearRateLimitsResponse{
		Identifier: identifier,
		Cleared:    cleared,
	})
}

// Emails are stored normalized by the auth flows; usernames are kept as typed.
func (h *AdminHandlers) identifier(w http.ResponseWriter, r *http.Request) (string, bool) {
	identifier := strings.TrimSpace(mux.Vars(r)["identifier"])
	if identifier == "" {
		respondWithError(w, http.StatusBadRequest, "VALIDATION_ERROR", "identifier is required")
		return "", false
	}
	if strings.Contains(identifier, "@") {
		identifier = repository.NormalizeEmail(identifier)
	}
	return identifier, true
}
