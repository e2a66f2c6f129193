package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mailgun/mailgun-go/v4"

	"github.com/username/landlordly/backend/src/config"
	"github.com/username/landlordly/backend/src/logger"
	"github.com/username/landlordly/backend/src/model"
)

// Notifier tells the operator about sync problems that need a human. Delivery failures are
// logged by callers and never change a sync outcome.
type Notifier interface {
	NotifySyncFailed(ctx context.Context, account *model.LinkedAccount, run *model.SyncRun) error
	NotifyReauthRequired(ctx context.Context, account *model.LinkedAccount, reason string) error
}

func NewNotifier() Notifier {
	if config.Cfg == nil {
		slog.Error("Configuration (config.Cfg) is nil. Notifier will default to mock.")
		return &MockNotifier{}
	}

	provider := strings.ToLower(config.Cfg.EmailServiceProvider)
	logger.L.Info("Initializing operator notifier", "provider", provider)

	if provider == "mailgun" {
		if config.Cfg.MailgunDomain == "" || config.Cfg.MailgunPrivateAPIKey == "" || config.Cfg.SenderEmail == "" || config.Cfg.OperatorEmail == "" {
			logger.L.Warn("Mailgun configuration incomplete (Domain, API Key, SenderEmail or OperatorEmail missing). Falling back to MockNotifier.")
			return &MockNotifier{}
		}
		mg := mailgun.NewMailgun(config.Cfg.MailgunDomain, config.Cfg.MailgunPrivateAPIKey)
		logger.L.Info("Mailgun client initialized", "domain", config.Cfg.MailgunDomain)
		return &MailgunNotifier{
			mg:            mg,
			senderEmail:   config.Cfg.SenderEmail,
			senderName:    config.Cfg.SenderName,
			operatorEmail: config.Cfg.OperatorEmail,
			frontendURL:   config.Cfg.FrontendBaseURL,
		}
	}
	logger.L.Info("Defaulting to MockNotifier.")
	return &MockNotifier{}
}

type MailgunNotifier struct {
	mg            mailgun.Mailgun
	senderEmail   string
	senderName    string
	operatorEmail string
	frontendURL   string
}

func (s *MailgunNotifier) NotifySyncFailed(ctx context.Context, account *model.LinkedAccount, run *model.SyncRun) error {
	errMsg := "unknown error"
	if run.ErrorMessage != nil {
		errMsg = *run.ErrorMessage
	}
	subject := fmt.Sprintf("Bank sync %s for %s", run.Status, account.DisplayName)
	body := fmt.Sprintf(`A %s sync for the bank account "%s" finished with status %s.

Sync run: %s
Transactions fetched: %d
Duplicates skipped: %d
Error: %s

Review the account at %s/accounts/%s`,
		run.Kind, account.DisplayName, run.Status, run.ID, run.TransactionsFetched, run.DuplicatesSkipped,
		errMsg, s.frontendURL, account.ID)
	return s.send(ctx, subject, body, "sync-failed")
}

func (s *MailgunNotifier) NotifyReauthRequired(ctx context.Context, account *model.LinkedAccount, reason string) error {
	subject := fmt.Sprintf("Reconnect %s to keep bank sync running", account.DisplayName)
	body := fmt.Sprintf(`The connection to the bank account "%s" can no longer be used: %s

Reconnect it from %s/accounts to resume syncing.`, account.DisplayName, reason, s.frontendURL)
	return s.send(ctx, subject, body, "reauth-required")
}

func (s *MailgunNotifier) send(ctx context.Context, subject, body, tag string) error {
	from := fmt.Sprintf("%s <%s>", s.senderName, s.senderEmail)
	message := s.mg.NewMessage(from, subject, body, s.operatorEmail)
	message.AddTag(tag)

	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	resp, id, err := s.mg.Send(ctx, message)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to send operator notification via Mailgun", "error", err, "tag", tag, "mailgunResp", resp, "mailgunId", id)
		return fmt.Errorf("mailgun send failed: %w. Response: %s", err, resp)
	}
	logger.FromContext(ctx).Info("Operator notification sent via Mailgun", "tag", tag, "id", id)
	return nil
}

// Notification is what MockNotifier recorded.
type Notification struct {
	Kind      string
	AccountID string
	Detail    string
}

// MockNotifier logs notifications instead of sending them and keeps them for inspection.
type MockNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (m *MockNotifier) NotifySyncFailed(ctx context.Context, account *model.LinkedAccount, run *model.SyncRun) error {
	detail := run.Status
	if run.ErrorMessage != nil {
		detail += ": " + *run.ErrorMessage
	}
	logger.FromContext(ctx).Info("MockNotifier: Would email operator about failed sync.", "accountID", account.ID, "syncRunID", run.ID, "status", run.Status)
	m.record(Notification{Kind: "sync-failed", AccountID: account.ID, Detail: detail})
	return nil
}

func (m *MockNotifier) NotifyReauthRequired(ctx context.Context, account *model.LinkedAccount, reason string) error {
	logger.FromContext(ctx).Info("MockNotifier: Would email operator about re-authentication.", "accountID", account.ID, "reason", reason)
	m.record(Notification{Kind: "reauth-required", AccountID: account.ID, Detail: reason})
	return nil
}

func (m *MockNotifier) record(n Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, n)
}

func (m *MockNotifier) Sent() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Notification(nil), m.sent...)
}
