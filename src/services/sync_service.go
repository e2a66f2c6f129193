package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/username/landlordly/backend/src/logger"
	"github.com/username/landlordly/backend/src/model"
	"github.com/username/landlordly/backend/src/monzo"
	"github.com/username/landlordly/backend/src/progress"
	"github.com/username/landlordly/backend/src/retry"
)

// tokenExpirySkew treats tokens about to expire as expired.
const tokenExpirySkew = time.Minute

type SyncConfig struct {
	PageLimit int
	Watchdog  time.Duration
}

// SyncResult is what a completed incremental sync reports to the caller.
type SyncResult struct {
	SyncRunID           string     `json:"syncRunId"`
	TransactionsFetched int        `json:"transactionsFetched"`
	DuplicatesSkipped   int        `json:"duplicatesSkipped"`
	LastSyncAt          *time.Time `json:"lastSyncAt"`
	LastSyncStatus      string     `json:"lastSyncStatus"`
}

// SyncService drives full-history imports and incremental syncs. Every attempt creates a
// SyncRun before doing I/O and always leaves it in a terminal state.
type SyncService struct {
	db       *sql.DB
	bank     BankClient
	vault    TokenCipher
	retry    *retry.Policy
	hub      *progress.Hub
	notifier Notifier
	cfg      SyncConfig
	now      func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

func NewSyncService(db *sql.DB, bank BankClient, vault TokenCipher, policy *retry.Policy, hub *progress.Hub, notifier Notifier, cfg SyncConfig) *SyncService {
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 100
	}
	if cfg.Watchdog <= 0 {
		cfg.Watchdog = 4*time.Minute + 30*time.Second
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &SyncService{
		db:       db,
		bank:     bank,
		vault:    vault,
		retry:    policy,
		hub:      hub,
		notifier: notifier,
		cfg:      cfg,
		now:      model.Now,
		baseCtx:  baseCtx,
		stop:     stop,
	}
}

// StartFullImport creates an initial SyncRun and imports history in the background. The
// returned run id can be streamed or polled immediately.
func (s *SyncService) StartFullImport(ctx context.Context, accountID string) (string, error) {
	account, err := s.loadAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	run, err := model.CreateSyncRun(ctx, s.db, account.ID, model.SyncKindInitial, nil)
	if errors.Is(err, model.ErrActiveRunExists) {
		return "", ErrSyncInProgress
	}
	if err != nil {
		return "", fmt.Errorf("create sync run: %w", err)
	}
	s.publish(run.ID, progress.StatusFetching, &runCounts{}, 0, "starting full import")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		runCtx, cancel := context.WithTimeout(s.baseCtx, s.cfg.Watchdog)
		defer cancel()
		log := logger.FromContext(ctx).With("syncRunID", run.ID, "accountID", account.ID, "kind", run.Kind)
		runCtx = logger.WithContext(runCtx, log)
		s.execute(runCtx, log, account, run, account.SyncFromDate)
	}()
	return run.ID, nil
}

// Sync runs an incremental sync from the account's last successful sync and waits for it.
func (s *SyncService) Sync(ctx context.Context, accountID string) (*SyncResult, error) {
	account, err := s.loadAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	active, err := model.GetActiveSyncRun(ctx, s.db, account.ID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	if active != nil {
		return nil, ErrSyncInProgress
	}
	run, err := model.CreateSyncRun(ctx, s.db, account.ID, model.SyncKindIncremental, nil)
	if errors.Is(err, model.ErrActiveRunExists) {
		return nil, ErrSyncInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("create sync run: %w", err)
	}

	// The run outlives a disconnected caller but not the watchdog or shutdown.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Watchdog)
	defer cancel()
	stopAfter := context.AfterFunc(s.baseCtx, cancel)
	defer stopAfter()
	log := logger.FromContext(ctx).With("syncRunID", run.ID, "accountID", account.ID, "kind", run.Kind)
	runCtx = logger.WithContext(runCtx, log)

	since := account.SyncFromDate
	if account.LastSyncAt != nil {
		since = *account.LastSyncAt
	}
	runErr := s.execute(runCtx, log, account, run, since)

	res := &SyncResult{
		SyncRunID:           run.ID,
		TransactionsFetched: run.TransactionsFetched,
		DuplicatesSkipped:   run.DuplicatesSkipped,
		LastSyncStatus:      run.Status,
	}
	if refreshed, err := model.GetLinkedAccount(ctx, s.db, account.ID); err == nil {
		res.LastSyncAt = refreshed.LastSyncAt
	}
	if run.Status == model.SyncStatusFailed {
		return res, runErr
	}
	return res, nil
}

// SyncAllEnabled runs incremental sync for every sync-enabled account, skipping accounts
// that are already syncing. It returns the number of accounts synced without error.
func (s *SyncService) SyncAllEnabled(ctx context.Context) (int, error) {
	accounts, err := model.ListSyncEnabledAccounts(ctx, s.db)
	if err != nil {
		return 0, fmt.Errorf("list sync-enabled accounts: %w", err)
	}
	ok := 0
	for _, a := range accounts {
		if ctx.Err() != nil {
			return ok, ctx.Err()
		}
		_, err := s.Sync(ctx, a.ID)
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrSyncInProgress):
			logger.FromContext(ctx).Info("Skipping scheduled sync, account already syncing", "accountID", a.ID)
		default:
			logger.FromContext(ctx).Warn("Scheduled sync failed", "accountID", a.ID, "error", err)
		}
	}
	return ok, nil
}

// Shutdown cancels running imports and waits for them to finalise their runs.
func (s *SyncService) Shutdown(ctx context.Context) error {
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execute fetches and ingests transactions for run, then finalises it. It returns the
// error that made the run fail or end partially, if any.
func (s *SyncService) execute(ctx context.Context, log *slog.Logger, account *model.LinkedAccount, run *model.SyncRun, since time.Time) error {
	startedAt := s.now()
	counts := &runCounts{}
	log.Info("Sync started", "since", since)

	var runErr error
	token, err := s.accessToken(ctx, account)
	pages := 0
	if err != nil {
		runErr = err
	} else {
		pages, runErr = s.pageBackward(ctx, account, token, run.ID, since, counts)
	}

	status := model.SyncStatusSuccess
	var errMsg *string
	if runErr != nil {
		status = model.SyncStatusFailed
		if pages > 0 {
			status = model.SyncStatusPartial
		}
		msg := s.describeFailure(ctx, runErr)
		errMsg = &msg
	}

	// ctx may already be done (watchdog or shutdown); the final writes still need to land.
	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := model.FinalizeSyncRun(finalCtx, s.db, run, status, counts.fetched, counts.duplicates, errMsg); err != nil {
		log.Error("Failed to finalise sync run", "error", err)
	}
	// A partial run leaves a gap below the failed page, so the cursor only moves on success.
	var lastSyncAt *time.Time
	if status == model.SyncStatusSuccess {
		lastSyncAt = &startedAt
	}
	if err := model.UpdateAccountSyncStatus(finalCtx, s.db, account.ID, status, lastSyncAt); err != nil {
		log.Error("Failed to update account sync status", "error", err)
	}

	if status == model.SyncStatusFailed {
		s.publish(run.ID, progress.StatusFailed, counts, pages, *errMsg)
	} else {
		msg := ""
		if errMsg != nil {
			msg = *errMsg
		}
		s.publish(run.ID, progress.StatusCompleted, counts, pages, msg)
	}
	log.Info("Sync finished", "status", status, "fetched", counts.fetched, "inserted", counts.inserted, "duplicates", counts.duplicates, "pages", pages)

	if errors.Is(runErr, ErrTokenExpired) {
		if err := s.notifier.NotifyReauthRequired(finalCtx, account, runErr.Error()); err != nil {
			log.Warn("Operator notification failed", "error", err)
		}
	} else if status != model.SyncStatusSuccess {
		if err := s.notifier.NotifySyncFailed(finalCtx, account, run); err != nil {
			log.Warn("Operator notification failed", "error", err)
		}
	}
	return runErr
}

// pageBackward walks from now back to since using before-cursors, ingesting each page as
// it arrives. It stops on a short page, on reaching since, or on the first page error.
func (s *SyncService) pageBackward(ctx context.Context, account *model.LinkedAccount, token, runID string, since time.Time, counts *runCounts) (int, error) {
	limit := s.cfg.PageLimit
	var before *time.Time
	pages := 0
	for {
		if err := ctx.Err(); err != nil {
			return pages, err
		}
		var page []monzo.Transaction
		err := s.retry.Do(ctx, "GetTransactions", func(ctx context.Context) error {
			var err error
			page, err = s.bank.GetTransactions(ctx, token, account.ExternalAccountID, since, before, limit)
			return err
		})
		if err != nil {
			return pages, fmt.Errorf("fetch transactions page %d: %w", pages+1, err)
		}
		pages++

		var oldest time.Time
		for _, t := range page {
			counts.fetched++
			if oldest.IsZero() || t.Created.Before(oldest) {
				oldest = t.Created
			}
			outcome, err := ingestTransaction(ctx, s.db, account.ID, t)
			if err != nil {
				return pages, fmt.Errorf("store transaction %s: %w", t.ID, err)
			}
			if outcome == model.Duplicate {
				counts.duplicates++
			} else {
				counts.inserted++
			}
		}
		if err := model.UpdateSyncRunCounts(ctx, s.db, runID, counts.fetched, counts.duplicates); err != nil {
			logger.FromContext(ctx).Warn("Failed to persist sync progress", "error", err)
		}
		s.publish(runID, progress.StatusFetching, counts, pages, "")

		if len(page) < limit || oldest.IsZero() || !oldest.After(since) {
			return pages, nil
		}
		if before != nil && !oldest.Before(*before) {
			return pages, nil
		}
		cursor := oldest
		before = &cursor
	}
}

// accessToken returns a usable access token, refreshing it once when expired and a refresh
// token is stored. Rotated tokens are persisted before use.
func (s *SyncService) accessToken(ctx context.Context, account *model.LinkedAccount) (string, error) {
	if s.now().Add(tokenExpirySkew).Before(account.TokenExpiresAt) {
		token, err := s.vault.Decrypt(account.AccessTokenEnc)
		if err != nil {
			return "", fmt.Errorf("decrypt access token: %w", err)
		}
		return token, nil
	}
	if account.RefreshTokenEnc == "" {
		return "", ErrTokenExpired
	}
	refreshToken, err := s.vault.Decrypt(account.RefreshTokenEnc)
	if err != nil {
		return "", fmt.Errorf("decrypt refresh token: %w", err)
	}

	var tokens *monzo.TokenSet
	err = s.retry.Do(ctx, "RefreshAccessToken", func(ctx context.Context) error {
		var err error
		tokens, err = s.bank.RefreshAccessToken(ctx, refreshToken)
		return err
	})
	if err != nil {
		var oe *monzo.OAuthExchangeError
		var ae *monzo.AuthError
		if errors.As(err, &oe) || errors.As(err, &ae) {
			return "", fmt.Errorf("%w: refresh rejected: %v", ErrTokenExpired, err)
		}
		return "", fmt.Errorf("refresh access token: %w", err)
	}

	accessEnc, err := s.vault.Encrypt(tokens.AccessToken)
	if err != nil {
		return "", fmt.Errorf("encrypt access token: %w", err)
	}
	refreshEnc := account.RefreshTokenEnc
	if tokens.RefreshToken != "" {
		if refreshEnc, err = s.vault.Encrypt(tokens.RefreshToken); err != nil {
			return "", fmt.Errorf("encrypt refresh token: %w", err)
		}
	}
	if err := model.UpdateAccountTokens(ctx, s.db, account.ID, accessEnc, refreshEnc, tokens.ExpiresAt); err != nil {
		return "", fmt.Errorf("store refreshed tokens: %w", err)
	}
	account.AccessTokenEnc = accessEnc
	account.RefreshTokenEnc = refreshEnc
	account.TokenExpiresAt = tokens.ExpiresAt
	logger.FromContext(ctx).Info("Refreshed bank access token", "accountID", account.ID, "expiresAt", tokens.ExpiresAt)
	return tokens.AccessToken, nil
}

func (s *SyncService) describeFailure(ctx context.Context, err error) string {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Sprintf("sync stopped by watchdog after %s: %v", s.cfg.Watchdog, err)
	case s.baseCtx.Err() != nil:
		return fmt.Sprintf("sync interrupted by shutdown: %v", err)
	}
	return err.Error()
}

func (s *SyncService) publish(runID string, status progress.Status, c *runCounts, batch int, msg string) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(progress.Event{
		SyncRunID:             runID,
		Status:                status,
		TransactionsFetched:   c.fetched,
		TransactionsProcessed: c.processed(),
		DuplicatesSkipped:     c.duplicates,
		CurrentBatch:          batch,
		Message:               msg,
	})
}

func (s *SyncService) loadAccount(ctx context.Context, accountID string) (*model.LinkedAccount, error) {
	account, err := model.GetLinkedAccount(ctx, s.db, accountID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	return account, nil
}
