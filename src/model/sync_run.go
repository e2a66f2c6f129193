package model

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	SyncKindInitial     = "initial"
	SyncKindIncremental = "incremental"
	SyncKindWebhook     = "webhook"
)

// ErrActiveRunExists is returned by CreateSyncRun when the account already has a
// non-webhook run in progress.
var ErrActiveRunExists = errors.New("account already has a sync in progress")

// ErrWebhookEventSeen is returned by CreateSyncRun when a run for the same webhook
// event id already exists.
var ErrWebhookEventSeen = errors.New("webhook event already recorded")

// SyncRun records one sync attempt. It is created before any I/O and finalised once.
type SyncRun struct {
	ID                  string     `json:"id"`
	AccountID           string     `json:"accountId"`
	Kind                string     `json:"kind"`
	Status              string     `json:"status"`
	StartedAt           time.Time  `json:"startedAt"`
	CompletedAt         *time.Time `json:"completedAt"`
	TransactionsFetched int        `json:"transactionsFetched"`
	DuplicatesSkipped   int        `json:"duplicatesSkipped"`
	ErrorMessage        *string    `json:"errorMessage"`
	WebhookEventID      *string    `json:"webhookEventId,omitempty"`
}

func (r *SyncRun) IsTerminal() bool {
	return r.Status != SyncStatusInProgress
}

const syncRunColumns = `id, account_id, kind, status, started_at, completed_at, transactions_fetched,
	duplicates_skipped, error_message, webhook_event_id`

// CreateSyncRun inserts an in_progress run. The partial unique indexes on sync_runs turn
// the single-active-run and once-per-webhook-event rules into ErrActiveRunExists and
// ErrWebhookEventSeen.
func CreateSyncRun(ctx context.Context, db DBTX, accountID, kind string, webhookEventID *string) (*SyncRun, error) {
	run := &SyncRun{
		ID:             uuid.NewString(),
		AccountID:      accountID,
		Kind:           kind,
		Status:         SyncStatusInProgress,
		StartedAt:      Now(),
		WebhookEventID: webhookEventID,
	}
	_, err := db.ExecContext(ctx, `
	INSERT INTO sync_runs (id, account_id, kind, status, started_at, webhook_event_id)
	VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.AccountID, run.Kind, run.Status, run.StartedAt, nullString(webhookEventID))
	if err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "UNIQUE constraint failed: sync_runs.webhook_event_id"):
			return nil, ErrWebhookEventSeen
		case strings.Contains(msg, "UNIQUE constraint failed: sync_runs.account_id"):
			return nil, ErrActiveRunExists
		}
		return nil, err
	}
	return run, nil
}

// FinalizeSyncRun moves an in_progress run to a terminal status. Runs that are already
// terminal are left untouched, so a late watchdog or shutdown cannot overwrite an outcome.
func FinalizeSyncRun(ctx context.Context, db DBTX, run *SyncRun, status string, fetched, skipped int, errMsg *string) (bool, error) {
	completed := Now()
	res, err := db.ExecContext(ctx, `
	UPDATE sync_runs
	SET status = ?, completed_at = ?, transactions_fetched = ?, duplicates_skipped = ?, error_message = ?
	WHERE id = ? AND status = ?`,
		status, completed, fetched, skipped, nullString(errMsg), run.ID, SyncStatusInProgress)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	run.Status = status
	run.CompletedAt = &completed
	run.TransactionsFetched = fetched
	run.DuplicatesSkipped = skipped
	run.ErrorMessage = errMsg
	return true, nil
}

// UpdateSyncRunCounts persists running totals so polling clients see progress.
func UpdateSyncRunCounts(ctx context.Context, db DBTX, runID string, fetched, skipped int) error {
	_, err := db.ExecContext(ctx, `
	UPDATE sync_runs SET transactions_fetched = ?, duplicates_skipped = ? WHERE id = ? AND status = ?`,
		fetched, skipped, runID, SyncStatusInProgress)
	return err
}

func GetSyncRun(ctx context.Context, db DBTX, id string) (*SyncRun, error) {
	return scanSyncRun(db.QueryRowContext(ctx, `SELECT `+syncRunColumns+` FROM sync_runs WHERE id = ?`, id))
}

// GetActiveSyncRun returns the account's in_progress pull run, or ErrNotFound.
func GetActiveSyncRun(ctx context.Context, db DBTX, accountID string) (*SyncRun, error) {
	return scanSyncRun(db.QueryRowContext(ctx, `
	SELECT `+syncRunColumns+` FROM sync_runs
	WHERE account_id = ? AND status = ? AND kind <> ?
	LIMIT 1`, accountID, SyncStatusInProgress, SyncKindWebhook))
}

func GetSyncRunByWebhookEvent(ctx context.Context, db DBTX, eventID string) (*SyncRun, error) {
	return scanSyncRun(db.QueryRowContext(ctx, `SELECT `+syncRunColumns+` FROM sync_runs WHERE webhook_event_id = ?`, eventID))
}

func ListSyncRuns(ctx context.Context, db DBTX, accountID string, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx, `
	SELECT `+syncRunColumns+` FROM sync_runs
	WHERE account_id = ?
	ORDER BY started_at DESC
	LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []SyncRun{}
	for rows.Next() {
		run, err := scanSyncRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// CountWebhookRuns is used by tests and diagnostics to confirm event-level idempotency.
func CountWebhookRuns(ctx context.Context, db DBTX, eventID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_runs WHERE webhook_event_id = ?`, eventID).Scan(&n)
	return n, err
}

func scanSyncRun(row rowScanner) (*SyncRun, error) {
	var run SyncRun
	var completedAt sql.NullTime
	var errMsg, eventID sql.NullString
	err := row.Scan(&run.ID, &run.AccountID, &run.Kind, &run.Status, &run.StartedAt, &completedAt,
		&run.TransactionsFetched, &run.DuplicatesSkipped, &errMsg, &eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	run.CompletedAt = timePtr(completedAt)
	run.ErrorMessage = stringPtr(errMsg)
	run.WebhookEventID = stringPtr(eventID)
	return &run, nil
}
