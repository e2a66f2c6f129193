package services

import (
	"context"
	"strings"

	"github.com/username/landlordly/backend/src/model"
	"github.com/username/landlordly/backend/src/monzo"
	"github.com/username/landlordly/backend/src/security/validation"
	"github.com/username/landlordly/backend/src/utils"
)

// toRawTransaction maps a provider transaction onto the stored shape. Amounts arrive in
// minor units.
func toRawTransaction(accountID string, t monzo.Transaction) *model.RawBankTransaction {
	currency := strings.ToUpper(strings.TrimSpace(t.Currency))
	if currency == "" {
		currency = "GBP"
	}
	raw := &model.RawBankTransaction{
		AccountID:     accountID,
		ExternalID:    t.ID,
		Amount:        utils.FromMinorUnits(t.Amount, currency),
		Currency:      currency,
		Description:   validation.CleanText(t.Description),
		Reference:     validation.CleanOptional(&t.Notes),
		Category:      validation.CleanOptional(&t.Category),
		TransactionAt: t.Created.UTC(),
		SettledAt:     t.SettledAt(),
	}
	if raw.TransactionAt.IsZero() {
		raw.TransactionAt = model.Now()
	}
	if t.Counterparty != nil {
		raw.CounterpartyName = validation.CleanOptional(&t.Counterparty.Name)
	}
	if t.Merchant != nil {
		raw.Merchant = validation.CleanOptional(&t.Merchant.Name)
	}
	return raw
}

// ingestTransaction is the single insert path for pull sync and webhooks.
func ingestTransaction(ctx context.Context, db model.DBTX, accountID string, t monzo.Transaction) (model.InsertOutcome, error) {
	return model.InsertRawTransaction(ctx, db, toRawTransaction(accountID, t))
}

type runCounts struct {
	fetched    int
	inserted   int
	duplicates int
}

func (c *runCounts) processed() int {
	return c.inserted + c.duplicates
}
