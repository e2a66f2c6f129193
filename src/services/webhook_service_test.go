package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/username/landlordly/backend/src/model"
	"github.com/username/landlordly/backend/src/progress"
)

const webhookBody = `{
	"type": "transaction.created",
	"data": {
		"id": "tx_00009abc",
		"account_id": "acc_ext_1",
		"amount": -350,
		"currency": "GBP",
		"created": "2024-03-01T10:00:00.000Z",
		"description": "UBER *TRIP",
		"merchant": {"id": "merch_1", "name": "Uber"}
	}
}`

func TestWebhookVerifySecret(t *testing.T) {
	svc := NewWebhookService(nil, "s3cret", nil)
	require.NoError(t, svc.VerifySecret("s3cret"))
	require.ErrorIs(t, svc.VerifySecret("wrong"), ErrWebhookForbidden)
	require.ErrorIs(t, svc.VerifySecret(""), ErrWebhookForbidden)

	unconfigured := NewWebhookService(nil, "", nil)
	require.ErrorIs(t, unconfigured.VerifySecret(""), ErrWebhookNotConfigured)
	require.ErrorIs(t, unconfigured.VerifySecret("anything"), ErrWebhookNotConfigured)
}

func TestWebhookHandleStoresTransactionOnce(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	account := seedAccount(t, db, newTestVault(t), "acc_ext_1", time.Now().Add(time.Hour))
	hub := progress.NewHub()
	svc := NewWebhookService(db, "s3cret", hub)

	first, err := svc.Handle(ctx, []byte(webhookBody))
	require.NoError(t, err)
	require.Equal(t, WebhookProcessed, first.Outcome)
	require.NotEmpty(t, first.SyncRunID)

	second, err := svc.Handle(ctx, []byte(webhookBody))
	require.NoError(t, err)
	require.Equal(t, WebhookDuplicate, second.Outcome)
	require.Equal(t, first.SyncRunID, second.SyncRunID)

	txs, err := model.ListRawTransactions(ctx, db, account.ID, 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, "tx_00009abc", txs[0].ExternalID)
	require.Equal(t, "-3.5", txs[0].Amount.String())
	require.Equal(t, "Uber", *txs[0].Merchant)

	runs, err := model.CountWebhookRuns(ctx, db, "tx_00009abc")
	require.NoError(t, err)
	require.Equal(t, 1, runs)

	run, err := model.GetSyncRun(ctx, db, first.SyncRunID)
	require.NoError(t, err)
	require.Equal(t, model.SyncStatusSuccess, run.Status)
	require.Equal(t, model.SyncKindWebhook, run.Kind)
	require.Equal(t, 1, run.TransactionsFetched)
}

func TestWebhookAfterPullSyncCountsDuplicate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	account := seedAccount(t, db, newTestVault(t), "acc_ext_1", time.Now().Add(time.Hour))

	_, err := model.InsertRawTransaction(ctx, db, &model.RawBankTransaction{
		AccountID:     account.ID,
		ExternalID:    "tx_00009abc",
		Currency:      "GBP",
		Description:   "UBER *TRIP",
		TransactionAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	svc := NewWebhookService(db, "s3cret", nil)
	res, err := svc.Handle(ctx, []byte(webhookBody))
	require.NoError(t, err)
	require.Equal(t, WebhookProcessed, res.Outcome)

	run, err := model.GetSyncRun(ctx, db, res.SyncRunID)
	require.NoError(t, err)
	require.Equal(t, 1, run.DuplicatesSkipped)

	n, err := model.CountRawTransactions(ctx, db, account.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestWebhookUnknownAccountIsAcknowledged(t *testing.T) {
	db := openTestDB(t)
	svc := NewWebhookService(db, "s3cret", nil)

	res, err := svc.Handle(context.Background(), []byte(webhookBody))
	require.NoError(t, err)
	require.Equal(t, WebhookUnknownAccount, res.Outcome)
	require.Empty(t, res.SyncRunID)
}

func TestWebhookRejectsMalformedPayloads(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"type":`},
		{"wrong type", `{"type":"account.updated","data":{"id":"tx_1","account_id":"acc","amount":1}}`},
		{"missing account", `{"type":"transaction.created","data":{"id":"tx_1","amount":1}}`},
		{"missing id", `{"type":"transaction.created","data":{"account_id":"acc","amount":1}}`},
		{"missing amount", `{"type":"transaction.created","data":{"id":"tx_1","account_id":"acc"}}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := ParseEvent([]byte(tc.body))
			var perr *WebhookPayloadError
			require.ErrorAs(t, err, &perr)
		})
	}
}

func TestParseEventPrefersEnvelopeID(t *testing.T) {
	ev, id, err := ParseEvent([]byte(`{"id":"evt_1","type":"transaction.created","data":{"id":"tx_1","account_id":"acc","amount":0}}`))
	require.NoError(t, err)
	require.Equal(t, "evt_1", id)
	require.Equal(t, int64(0), *ev.Data.Amount)

	_, id, err = ParseEvent([]byte(webhookBody))
	require.NoError(t, err)
	require.Equal(t, "tx_00009abc", id)
}
