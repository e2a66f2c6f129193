package services

import (
	"bytes"
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/username/landlordly/backend/src/logger"
	"github.com/username/landlordly/backend/src/model"
	"github.com/username/landlordly/backend/src/monzo"
	"github.com/username/landlordly/backend/src/progress"
)

var (
	ErrWebhookNotConfigured = errors.New("webhook secret is not configured")
	ErrWebhookForbidden     = errors.New("webhook secret mismatch")
)

// WebhookPayloadError rejects a delivery before any state is written.
type WebhookPayloadError struct {
	Reason string
}

func (e *WebhookPayloadError) Error() string {
	return "invalid webhook payload: " + e.Reason
}

type WebhookOutcome string

const (
	WebhookProcessed      WebhookOutcome = "processed"
	WebhookDuplicate      WebhookOutcome = "already_processed"
	WebhookUnknownAccount WebhookOutcome = "unknown_account"
)

type WebhookResult struct {
	Outcome   WebhookOutcome `json:"status"`
	SyncRunID string         `json:"syncRunId,omitempty"`
	Message   string         `json:"message"`
}

// WebhookService ingests provider push events through the same insert path as pull sync.
// Deliveries are at-least-once; the event id makes repeats silent no-ops.
type WebhookService struct {
	db     *sql.DB
	secret string
	hub    *progress.Hub
}

func NewWebhookService(db *sql.DB, secret string, hub *progress.Hub) *WebhookService {
	return &WebhookService{db: db, secret: secret, hub: hub}
}

// VerifySecret fails closed when no secret is configured.
func (s *WebhookService) VerifySecret(provided string) error {
	if s.secret == "" {
		return ErrWebhookNotConfigured
	}
	if subtle.ConstantTimeCompare([]byte(provided), []byte(s.secret)) != 1 {
		return ErrWebhookForbidden
	}
	return nil
}

// ParseEvent validates a delivery body. The event id is the envelope id when the provider
// sends one, otherwise the transaction id.
func ParseEvent(body []byte) (*monzo.WebhookEvent, string, error) {
	var ev monzo.WebhookEvent
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&ev); err != nil {
		return nil, "", &WebhookPayloadError{Reason: "body is not valid JSON"}
	}
	if ev.Type != monzo.EventTransactionCreated {
		return nil, "", &WebhookPayloadError{Reason: fmt.Sprintf("unsupported event type %q", ev.Type)}
	}
	switch {
	case ev.Data.AccountID == "":
		return nil, "", &WebhookPayloadError{Reason: "data.account_id is required"}
	case ev.Data.ID == "":
		return nil, "", &WebhookPayloadError{Reason: "data.id is required"}
	case ev.Data.Amount == nil:
		return nil, "", &WebhookPayloadError{Reason: "data.amount is required"}
	}
	eventID := ev.ID
	if eventID == "" {
		eventID = ev.Data.ID
	}
	return &ev, eventID, nil
}

// Handle processes one delivery. Processing errors are returned after the webhook run has
// been finalised as failed.
func (s *WebhookService) Handle(ctx context.Context, body []byte) (*WebhookResult, error) {
	ev, eventID, err := ParseEvent(body)
	if err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx).With("webhookEventID", eventID, "externalAccountID", ev.Data.AccountID)

	account, err := model.GetLinkedAccountByExternalID(ctx, s.db, ev.Data.AccountID)
	if errors.Is(err, model.ErrNotFound) {
		log.Info("Webhook for unknown account ignored")
		return &WebhookResult{Outcome: WebhookUnknownAccount, Message: "account not linked; event ignored"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up account: %w", err)
	}

	if prior, err := model.GetSyncRunByWebhookEvent(ctx, s.db, eventID); err == nil {
		log.Info("Duplicate webhook delivery ignored", "syncRunID", prior.ID)
		return &WebhookResult{Outcome: WebhookDuplicate, SyncRunID: prior.ID, Message: "event already processed"}, nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("look up webhook event: %w", err)
	}

	run, err := model.CreateSyncRun(ctx, s.db, account.ID, model.SyncKindWebhook, &eventID)
	if errors.Is(err, model.ErrWebhookEventSeen) {
		return &WebhookResult{Outcome: WebhookDuplicate, Message: "event already processed"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create webhook sync run: %w", err)
	}

	tx := ev.Data.Transaction
	tx.Amount = *ev.Data.Amount
	outcome, ingestErr := ingestTransaction(ctx, s.db, account.ID, tx)
	if ingestErr != nil {
		msg := ingestErr.Error()
		if _, err := model.FinalizeSyncRun(context.WithoutCancel(ctx), s.db, run, model.SyncStatusFailed, 1, 0, &msg); err != nil {
			log.Error("Failed to finalise webhook sync run", "syncRunID", run.ID, "error", err)
		}
		if err := model.UpdateAccountSyncStatus(context.WithoutCancel(ctx), s.db, account.ID, model.SyncStatusFailed, nil); err != nil {
			log.Error("Failed to update account sync status", "error", err)
		}
		s.publish(run, progress.StatusFailed, outcome, msg)
		return nil, fmt.Errorf("store webhook transaction: %w", ingestErr)
	}

	skipped := 0
	if outcome == model.Duplicate {
		skipped = 1
	}
	if _, err := model.FinalizeSyncRun(ctx, s.db, run, model.SyncStatusSuccess, 1, skipped, nil); err != nil {
		return nil, fmt.Errorf("finalise webhook sync run: %w", err)
	}
	if err := model.UpdateAccountSyncStatus(ctx, s.db, account.ID, model.SyncStatusSuccess, nil); err != nil {
		log.Warn("Failed to update account sync status", "error", err)
	}
	s.publish(run, progress.StatusCompleted, outcome, "")
	log.Info("Webhook transaction ingested", "syncRunID", run.ID, "outcome", outcome.String())
	return &WebhookResult{Outcome: WebhookProcessed, SyncRunID: run.ID, Message: "transaction " + outcome.String()}, nil
}

func (s *WebhookService) publish(run *model.SyncRun, status progress.Status, outcome model.InsertOutcome, msg string) {
	if s.hub == nil {
		return
	}
	ev := progress.Event{SyncRunID: run.ID, Status: status, TransactionsFetched: 1, Message: msg}
	if status == progress.StatusCompleted {
		ev.TransactionsProcessed = 1
		if outcome == model.Duplicate {
			ev.DuplicatesSkipped = 1
		}
	}
	s.hub.Publish(ev)
}
