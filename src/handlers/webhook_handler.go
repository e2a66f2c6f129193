package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/username/landlordly/backend/src/logger"
	"github.com/username/landlordly/backend/src/services"
	"github.com/username/landlordly/backend/src/utils"
)

const maxWebhookBodyBytes = 1 << 20

// WebhookIngestor is the part of services.WebhookService the handler uses.
type WebhookIngestor interface {
	VerifySecret(provided string) error
	Handle(ctx context.Context, body []byte) (*services.WebhookResult, error)
}

type WebhookHandler struct {
	ingestor WebhookIngestor
}

func NewWebhookHandler(ingestor WebhookIngestor) *WebhookHandler {
	return &WebhookHandler{ingestor: ingestor}
}

// HandleMonzoWebhook answers 200 for anything the provider should not redeliver, 400 for
// payloads it should not redeliver either, and 500 when a retry could succeed.
func (h *WebhookHandler) HandleMonzoWebhook(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	if err := h.ingestor.VerifySecret(r.PathValue("secret")); err != nil {
		if errors.Is(err, services.ErrWebhookNotConfigured) {
			log.Error("Webhook received but no webhook secret is configured")
			utils.SendJSONError(w, "Webhook endpoint not configured", http.StatusInternalServerError)
			return
		}
		log.Warn("Webhook secret mismatch", "remoteAddr", r.RemoteAddr)
		utils.SendJSONError(w, "Forbidden", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		utils.SendJSONError(w, "Request body too large or unreadable", http.StatusBadRequest)
		return
	}

	res, err := h.ingestor.Handle(r.Context(), body)
	if err != nil {
		var perr *services.WebhookPayloadError
		if errors.As(err, &perr) {
			log.Warn("Rejected webhook payload", "error", err)
			utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Error("Webhook processing failed", "error", err)
		utils.SendJSONError(w, "Webhook processing failed", http.StatusInternalServerError)
		return
	}
	utils.WriteJSON(w, http.StatusOK, res)
}
