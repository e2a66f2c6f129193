package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/username/landlordly/backend/src/logger"
	"github.com/username/landlordly/backend/src/monzo"
	"github.com/username/landlordly/backend/src/services"
	"github.com/username/landlordly/backend/src/utils"
)

// Linker is the part of services.OAuthService the handler uses.
type Linker interface {
	Initiate(ctx context.Context, syncFromDays int) (string, time.Time, error)
	Callback(ctx context.Context, code, state string) (*services.CallbackResult, error)
}

type OAuthHandler struct {
	linker      Linker
	frontendURL string
}

func NewOAuthHandler(linker Linker, frontendURL string) *OAuthHandler {
	return &OAuthHandler{linker: linker, frontendURL: strings.TrimRight(frontendURL, "/")}
}

// HandleInitiate returns the bank authorization URL. The body is optional.
func (h *OAuthHandler) HandleInitiate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SyncFromDays int `json:"syncFromDays"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		utils.SendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	authURL, expiresAt, err := h.linker.Initiate(r.Context(), body.SyncFromDays)
	if err != nil {
		sendServiceError(w, r, err, "Failed to start bank linking")
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"authorizationUrl": authURL,
		"expiresAt":        expiresAt,
	})
}

// HandleCallback is reached by the browser from the bank. It always redirects to the
// frontend, with either the linked account and run or an error reason.
func (h *OAuthHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	log := logger.FromContext(r.Context())

	if providerErr := q.Get("error"); providerErr != "" {
		log.Info("Bank authorization declined", "error", providerErr, "description", q.Get("error_description"))
		h.redirect(w, r, url.Values{"error": {"access_denied"}})
		return
	}

	res, err := h.linker.Callback(r.Context(), q.Get("code"), q.Get("state"))
	if err != nil {
		reason := callbackErrorReason(err)
		if reason == "internal_error" || reason == "exchange_failed" {
			log.Error("OAuth callback failed", "reason", reason, "error", err)
		} else {
			log.Warn("OAuth callback rejected", "reason", reason, "error", err)
		}
		h.redirect(w, r, url.Values{"error": {reason}})
		return
	}

	v := url.Values{"success": {"true"}, "accountId": {res.AccountID}}
	if res.SyncRunID != "" {
		v.Set("syncRunId", res.SyncRunID)
	}
	h.redirect(w, r, v)
}

func (h *OAuthHandler) redirect(w http.ResponseWriter, r *http.Request, v url.Values) {
	http.Redirect(w, r, h.frontendURL+"/accounts/linked?"+v.Encode(), http.StatusFound)
}

func callbackErrorReason(err error) string {
	var oe *monzo.OAuthExchangeError
	var ae *monzo.AuthError
	switch {
	case errors.Is(err, services.ErrMissingParams):
		return "missing_params"
	case errors.Is(err, services.ErrStateExpired):
		return "state_expired"
	case errors.Is(err, services.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, services.ErrNoBankAccounts):
		return "no_accounts"
	case errors.As(err, &ae) && ae.SCAPending:
		return "approval_pending"
	case errors.As(err, &oe), errors.As(err, &ae):
		return "exchange_failed"
	}
	return "internal_error"
}
