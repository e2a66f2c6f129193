package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/username/landlordly/backend/src/model"
)

func insertBankTx(t *testing.T, db model.DBTX, accountID, externalID, description, amount string) *model.RawBankTransaction {
	t.Helper()
	tx := &model.RawBankTransaction{
		AccountID:     accountID,
		ExternalID:    externalID,
		Amount:        dec(amount),
		Currency:      "GBP",
		Description:   description,
		TransactionAt: time.Now().UTC(),
	}
	_, err := model.InsertRawTransaction(context.Background(), db, tx)
	require.NoError(t, err)
	return tx
}

func TestSeedDefaultsOnlyOnce(t *testing.T) {
	db := openTestDB(t)
	svc := NewClassificationService(db, NewLedgerService(db, LedgerConfig{}))
	ctx := context.Background()

	n, err := svc.SeedDefaults(ctx)
	require.NoError(t, err)
	require.Equal(t, 7, n)

	n, err = svc.SeedDefaults(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	ruleErrs, err := svc.RuleErrors(ctx)
	require.NoError(t, err)
	require.Empty(t, ruleErrs)
}

func TestClassifyWithDefaultRules(t *testing.T) {
	db := openTestDB(t)
	svc := NewClassificationService(db, NewLedgerService(db, LedgerConfig{}))
	ctx := context.Background()
	account := seedAccount(t, db, newTestVault(t), "acc_ext_1", time.Now().Add(time.Hour))
	_, err := svc.SeedDefaults(ctx)
	require.NoError(t, err)

	rent := insertBankTx(t, db, account.ID, "tx_rent", "RENT JAN FLAT 2", "1200.00")
	res, err := svc.Classify(ctx, rent.ID)
	require.NoError(t, err)
	require.Equal(t, model.LedgerTypeIncome, *res.Type)
	require.Equal(t, "Rent", *res.Category)
	require.Nil(t, res.PropertyID)
	require.False(t, res.IsFullyMatched)

	taxi := insertBankTx(t, db, account.ID, "tx_taxi", "UBER *TRIP", "-12.50")
	res, err = svc.Classify(ctx, taxi.ID)
	require.NoError(t, err)
	require.Equal(t, model.LedgerTypeExpense, *res.Type)
	require.Equal(t, "Other", *res.Category)

	_, err = svc.Classify(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRuleChangesInvalidateCachedEngine(t *testing.T) {
	db := openTestDB(t)
	ledger := NewLedgerService(db, LedgerConfig{})
	svc := NewClassificationService(db, ledger)
	ctx := context.Background()
	account := seedAccount(t, db, newTestVault(t), "acc_ext_1", time.Now().Add(time.Hour))
	property, err := ledger.CreateProperty(ctx, "Flat 2", "")
	require.NoError(t, err)

	tx := insertBankTx(t, db, account.ID, "tx_rent", "RENT FLAT 2", "950")
	res, err := svc.Classify(ctx, tx.ID)
	require.NoError(t, err)
	require.Empty(t, res.MatchedRuleIDs)

	rule, err := svc.CreateRule(ctx, RuleInput{
		Name:       "Flat 2 rent",
		Priority:   10,
		PropertyID: &property.ID,
		Conditions: json.RawMessage(`{"operator":"AND","conditions":[{"field":"description","operator":"contains","value":"flat 2"}]}`),
	})
	require.NoError(t, err)
	require.True(t, rule.Enabled)

	res, err = svc.Classify(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, []string{rule.ID}, res.MatchedRuleIDs)
	require.Equal(t, property.ID, *res.PropertyID)

	disabled := false
	_, err = svc.UpdateRule(ctx, rule.ID, RuleInput{
		Name:       "Flat 2 rent",
		Priority:   10,
		Enabled:    &disabled,
		PropertyID: &property.ID,
		Conditions: json.RawMessage(`"[{\"field\":\"description\",\"operator\":\"contains\",\"value\":\"flat 2\"}]"`),
	})
	require.NoError(t, err)
	res, err = svc.Classify(ctx, tx.ID)
	require.NoError(t, err)
	require.Empty(t, res.MatchedRuleIDs)

	require.NoError(t, svc.DeleteRule(ctx, rule.ID))
	require.ErrorIs(t, svc.DeleteRule(ctx, rule.ID), ErrRuleNotFound)
}

func TestCreateRuleValidatesInput(t *testing.T) {
	db := openTestDB(t)
	svc := NewClassificationService(db, NewLedgerService(db, LedgerConfig{}))
	ctx := context.Background()
	good := json.RawMessage(`[{"field":"amount","operator":"greaterThan","value":0}]`)

	tests := []struct {
		name  string
		input RuleInput
		field string
	}{
		{"missing name", RuleInput{Conditions: good}, "name"},
		{"bad conditions", RuleInput{Name: "x", Conditions: json.RawMessage(`{"conditions":[{"field":"colour","operator":"equals","value":"red"}]}`)}, "conditions"},
		{"empty conditions", RuleInput{Name: "x"}, "conditions"},
		{"bad type", RuleInput{Name: "x", Conditions: good, Type: strPtr("transfer")}, "type"},
		{"unknown property", RuleInput{Name: "x", Conditions: good, PropertyID: strPtr("missing")}, "propertyId"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateRule(ctx, tc.input)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, tc.field, verr.Field)
		})
	}

	_, err := svc.UpdateRule(ctx, "missing", RuleInput{Name: "x", Conditions: good})
	require.ErrorIs(t, err, ErrRuleNotFound)
}

func TestImportBankTransactionUsesRulesAndOwnership(t *testing.T) {
	db := openTestDB(t)
	ledger := NewLedgerService(db, LedgerConfig{})
	svc := NewClassificationService(db, ledger)
	ctx := context.Background()
	account := seedAccount(t, db, newTestVault(t), "acc_ext_1", time.Now().Add(time.Hour))
	alice, bob := createUser(t, db, "alice"), createUser(t, db, "bob")
	property, err := ledger.CreateProperty(ctx, "Flat 2", "")
	require.NoError(t, err)
	_, err = ledger.SetPropertyOwnership(ctx, property.ID, []OwnerShare{
		{UserID: alice, Percentage: dec("50")},
		{UserID: bob, Percentage: dec("50")},
	})
	require.NoError(t, err)
	_, err = svc.SeedDefaults(ctx)
	require.NoError(t, err)

	raw := insertBankTx(t, db, account.ID, "tx_boiler", "British Gas boiler repair", "-180.01")

	_, err = svc.ImportBankTransaction(ctx, raw.ID, ImportInput{})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "propertyId", verr.Field)

	lt, err := svc.ImportBankTransaction(ctx, raw.ID, ImportInput{PropertyID: &property.ID, PayerUserID: &alice})
	require.NoError(t, err)
	require.Equal(t, model.LedgerTypeExpense, lt.Type)
	require.True(t, lt.Amount.Equal(dec("180.01")))
	require.True(t, lt.IsImported)
	require.Equal(t, raw.ID, *lt.BankTransactionID)
	require.Len(t, lt.Splits, 2)
	require.True(t, lt.Splits[0].Amount.Add(lt.Splits[1].Amount).Equal(dec("180.01")))

	_, err = svc.ImportBankTransaction(ctx, raw.ID, ImportInput{PropertyID: &property.ID})
	require.ErrorIs(t, err, model.ErrBankTransactionAlreadyImported)
}
