package services

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/username/landlordly/backend/src/database"
	"github.com/username/landlordly/backend/src/model"
	"github.com/username/landlordly/backend/src/monzo"
	"github.com/username/landlordly/backend/src/progress"
	"github.com/username/landlordly/backend/src/retry"
	"github.com/username/landlordly/backend/src/security"
)

var testVaultKey = strings.Repeat("ab", 32)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestVault(t *testing.T) *security.Vault {
	t.Helper()
	v, err := security.NewVault(testVaultKey)
	require.NoError(t, err)
	return v
}

func noDelayPolicy(attempts int) *retry.Policy {
	return retry.NewPolicy(attempts, 0, 0)
}

// fakeBank serves a fixed transaction history. GetTransactions returns the newest matches
// first, honouring since and before the way the provider does.
type fakeBank struct {
	mu sync.Mutex

	accounts     []monzo.Account
	transactions []monzo.Transaction
	tokens       monzo.TokenSet
	refreshed    monzo.TokenSet

	exchangeErr error
	refreshErr  error
	webhookErr  error
	// pageErr is returned once failAfterPages pages have been served; negative disables it.
	pageErr        error
	failAfterPages int
	// blockPages makes GetTransactions wait for ctx to end.
	blockPages bool

	exchangeCalls   int
	refreshCalls    int
	pagesServed     int
	tokensSeen      []string
	webhooks        map[string]string
	deletedWebhooks []string
	nextWebhook     int
}

func newFakeBank() *fakeBank {
	return &fakeBank{
		accounts: []monzo.Account{{ID: "acc_ext_1", Type: "uk_retail", Currency: "GBP"}},
		tokens: monzo.TokenSet{
			AccessToken:  "access-1",
			RefreshToken: "refresh-1",
			ExpiresAt:    time.Now().Add(6 * time.Hour),
		},
		refreshed: monzo.TokenSet{
			AccessToken:  "access-2",
			RefreshToken: "refresh-2",
			ExpiresAt:    time.Now().Add(6 * time.Hour),
		},
		failAfterPages: -1,
		webhooks:       map[string]string{},
	}
}

// history adds n transactions spaced an hour apart, newest first, ending an hour ago.
func (f *fakeBank) history(accountID string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	for i := 1; i <= n; i++ {
		f.transactions = append(f.transactions, monzo.Transaction{
			ID:          fmt.Sprintf("tx_%04d", i),
			AccountID:   accountID,
			Created:     now.Add(-time.Duration(i) * time.Hour),
			Description: fmt.Sprintf("Payment %d", i),
			Amount:      int64(-100 * i),
			Currency:    "GBP",
		})
	}
}

func (f *fakeBank) pages() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pagesServed
}

func (f *fakeBank) AuthCodeURL(state string) string {
	return "https://auth.example.test/?client_id=test&state=" + url.QueryEscape(state)
}

func (f *fakeBank) ExchangeCodeForTokens(ctx context.Context, code string) (*monzo.TokenSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchangeCalls++
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	ts := f.tokens
	return &ts, nil
}

func (f *fakeBank) RefreshAccessToken(ctx context.Context, refreshToken string) (*monzo.TokenSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	ts := f.refreshed
	return &ts, nil
}

func (f *fakeBank) GetAccounts(ctx context.Context, accessToken string) ([]monzo.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]monzo.Account(nil), f.accounts...), nil
}

func (f *fakeBank) GetTransactions(ctx context.Context, accessToken, accountID string, since time.Time, before *time.Time, limit int) ([]monzo.Transaction, error) {
	f.mu.Lock()
	block := f.blockPages
	f.tokensSeen = append(f.tokensSeen, accessToken)
	if f.failAfterPages >= 0 && f.pagesServed >= f.failAfterPages {
		f.mu.Unlock()
		return nil, f.pageErr
	}
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var matches []monzo.Transaction
	for _, t := range f.transactions {
		if t.AccountID != accountID || t.Created.Before(since) {
			continue
		}
		if before != nil && !t.Created.Before(*before) {
			continue
		}
		matches = append(matches, t)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Created.After(matches[j].Created) })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	f.pagesServed++
	return matches, nil
}

func (f *fakeBank) RegisterWebhook(ctx context.Context, accessToken, accountID, callbackURL string) (*monzo.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.webhookErr != nil {
		return nil, f.webhookErr
	}
	f.nextWebhook++
	id := fmt.Sprintf("webhook_%d", f.nextWebhook)
	f.webhooks[id] = callbackURL
	return &monzo.Webhook{ID: id, AccountID: accountID, URL: callbackURL}, nil
}

func (f *fakeBank) DeleteWebhook(ctx context.Context, accessToken, webhookID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.webhooks, webhookID)
	f.deletedWebhooks = append(f.deletedWebhooks, webhookID)
	return nil
}

// seedAccount stores a linked account whose tokens expire at expiresAt.
func seedAccount(t *testing.T, db *sql.DB, vault *security.Vault, externalID string, expiresAt time.Time) *model.LinkedAccount {
	t.Helper()
	accessEnc, err := vault.Encrypt("access-1")
	require.NoError(t, err)
	refreshEnc, err := vault.Encrypt("refresh-1")
	require.NoError(t, err)
	a := &model.LinkedAccount{
		ExternalAccountID: externalID,
		DisplayName:       "Monzo Current Account",
		AccountType:       "monzo:uk_retail",
		AccessTokenEnc:    accessEnc,
		RefreshTokenEnc:   refreshEnc,
		TokenExpiresAt:    expiresAt,
		SyncEnabled:       true,
		SyncFromDate:      time.Now().UTC().AddDate(0, 0, -90),
	}
	_, err = model.UpsertLinkedAccount(context.Background(), db, a)
	require.NoError(t, err)
	return a
}

type syncFixture struct {
	db       *sql.DB
	bank     *fakeBank
	vault    *security.Vault
	hub      *progress.Hub
	notifier *MockNotifier
	svc      *SyncService
}

func newSyncFixture(t *testing.T, cfg SyncConfig) *syncFixture {
	t.Helper()
	f := &syncFixture{
		db:       openTestDB(t),
		bank:     newFakeBank(),
		vault:    newTestVault(t),
		hub:      progress.NewHub(),
		notifier: &MockNotifier{},
	}
	f.svc = NewSyncService(f.db, f.bank, f.vault, noDelayPolicy(1), f.hub, f.notifier, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.svc.Shutdown(ctx)
	})
	return f
}

// waitForRun polls until the run leaves in_progress.
func waitForRun(t *testing.T, db *sql.DB, runID string) *model.SyncRun {
	t.Helper()
	var run *model.SyncRun
	require.Eventually(t, func() bool {
		r, err := model.GetSyncRun(context.Background(), db, runID)
		if err != nil {
			return false
		}
		run = r
		return r.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	return run
}

func createUser(t *testing.T, db *sql.DB, name string) string {
	t.Helper()
	u := &model.User{Username: name, Email: name + "@example.test"}
	require.NoError(t, u.HashPassword("correct horse battery staple"))
	require.NoError(t, u.CreateUser(context.Background(), db))
	return u.ID
}

func strPtr(s string) *string { return &s }
