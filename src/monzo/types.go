package monzo

import (
	"bytes"
	"encoding/json"
	"time"
)

// TokenSet is the result of a code exchange or refresh.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

type Account struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Type        string    `json:"type"`
	Currency    string    `json:"currency"`
	Closed      bool      `json:"closed"`
	Created     time.Time `json:"created"`
}

// Merchant is only populated as an object when the request expands merchants; otherwise the
// API sends the bare merchant id.
type Merchant struct {
	ID       string `json:"id"`
	GroupID  string `json:"group_id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

func (m *Merchant) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &m.ID)
	}
	type plain Merchant
	return json.Unmarshal(data, (*plain)(m))
}

type Counterparty struct {
	Name          string `json:"name"`
	AccountNumber string `json:"account_number"`
	SortCode      string `json:"sort_code"`
	UserID        string `json:"user_id"`
}

type Transaction struct {
	ID           string            `json:"id"`
	AccountID    string            `json:"account_id"`
	Created      time.Time         `json:"created"`
	Description  string            `json:"description"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	Notes        string            `json:"notes"`
	Category     string            `json:"category"`
	Settled      string            `json:"settled"`
	Merchant     *Merchant         `json:"merchant"`
	Counterparty *Counterparty     `json:"counterparty"`
	Metadata     map[string]string `json:"metadata"`
}

// SettledAt parses the settlement timestamp, which the API sends as "" until settlement.
func (t Transaction) SettledAt() *time.Time {
	if t.Settled == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339Nano, t.Settled)
	if err != nil {
		return nil
	}
	return &ts
}

type Webhook struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	URL       string `json:"url"`
}

// WebhookEvent is a push notification. Only transaction.created is delivered by the provider
// today. Amount is a pointer so a missing field can be told apart from zero.
type WebhookEvent struct {
	ID   string             `json:"id"`
	Type string             `json:"type"`
	Data WebhookTransaction `json:"data"`
}

type WebhookTransaction struct {
	Transaction
	Amount *int64 `json:"amount"`
}

const EventTransactionCreated = "transaction.created"
