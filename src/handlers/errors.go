package handlers

import (
	"errors"
	"net/http"

	"github.com/username/landlordly/backend/src/config"
	"github.com/username/landlordly/backend/src/logger"
	"github.com/username/landlordly/backend/src/model"
	"github.com/username/landlordly/backend/src/monzo"
	"github.com/username/landlordly/backend/src/services"
	"github.com/username/landlordly/backend/src/utils"
)

// statusForError maps service errors onto HTTP statuses. The second value reports whether
// the error message is safe to show the client.
func statusForError(err error) (int, bool) {
	var (
		verr    *services.ValidationError
		sumErr  *services.OwnershipSumError
		splitEr *services.SplitError
		payload *services.WebhookPayloadError
		cfgErr  *config.ConfigurationError
		authErr *monzo.AuthError
	)
	switch {
	case errors.As(err, &verr), errors.As(err, &sumErr), errors.As(err, &splitEr), errors.As(err, &payload):
		return http.StatusBadRequest, true
	case errors.Is(err, services.ErrInvalidPercentage),
		errors.Is(err, services.ErrInvalidAmount),
		errors.Is(err, services.ErrSelfSettlement),
		errors.Is(err, services.ErrNotAnOwner),
		errors.Is(err, services.ErrMissingParams),
		errors.Is(err, services.ErrInvalidState),
		errors.Is(err, services.ErrStateExpired):
		return http.StatusBadRequest, true
	case errors.Is(err, services.ErrNotFound), errors.Is(err, services.ErrRuleNotFound):
		return http.StatusNotFound, true
	case errors.Is(err, services.ErrSyncInProgress),
		errors.Is(err, services.ErrDuplicateOwnership),
		errors.Is(err, services.ErrHasDependentRecords),
		errors.Is(err, model.ErrBankTransactionAlreadyImported):
		return http.StatusConflict, true
	case errors.Is(err, services.ErrTokenExpired):
		return http.StatusUnauthorized, true
	case errors.As(err, &authErr):
		// The bank refused our stored credentials; the caller must re-link.
		return http.StatusUnauthorized, true
	case errors.Is(err, services.ErrWebhookForbidden):
		return http.StatusForbidden, false
	case errors.As(err, &cfgErr), errors.Is(err, services.ErrWebhookNotConfigured):
		return http.StatusInternalServerError, false
	}
	return http.StatusInternalServerError, false
}

// sendServiceError logs err against the request and writes the mapped JSON error.
func sendServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	status, public := statusForError(err)
	log := logger.FromContext(r.Context())
	msg := fallback
	if public {
		msg = err.Error()
	}
	if status >= http.StatusInternalServerError {
		log.Error(fallback, "error", err, "status", status)
	} else {
		log.Info("Request rejected", "error", err, "status", status)
	}
	utils.SendJSONError(w, msg, status)
}
