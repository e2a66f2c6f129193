package services

import (
	"context"
	"database/sql"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/username/landlordly/backend/src/model"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type ledgerFixture struct {
	db       *sql.DB
	svc      *LedgerService
	property string
	alice    string
	bob      string
}

// newLedgerFixture creates a property owned 60/40 by alice and bob.
func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	db := openTestDB(t)
	f := &ledgerFixture{
		db:    db,
		svc:   NewLedgerService(db, LedgerConfig{OverpaymentTolerance: dec("0.01")}),
		alice: createUser(t, db, "alice"),
		bob:   createUser(t, db, "bob"),
	}
	p, err := f.svc.CreateProperty(context.Background(), "12 Acacia Avenue", "London")
	require.NoError(t, err)
	f.property = p.ID
	_, err = f.svc.SetPropertyOwnership(context.Background(), f.property, []OwnerShare{
		{UserID: f.alice, Percentage: dec("60")},
		{UserID: f.bob, Percentage: dec("40")},
	})
	require.NoError(t, err)
	return f
}

func TestOwnershipMustTotalOneHundred(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	owners, err := f.svc.ListOwnership(ctx, f.property)
	require.NoError(t, err)
	require.Len(t, owners, 2)

	var aliceRecord model.OwnershipRecord
	for _, o := range owners {
		if o.UserID == f.alice {
			aliceRecord = o
		}
	}
	_, err = f.svc.SetOwnership(ctx, OwnershipInput{RecordID: aliceRecord.ID, PropertyID: f.property, UserID: f.alice, Percentage: dec("70")})
	var sumErr *OwnershipSumError
	require.ErrorAs(t, err, &sumErr)
	require.True(t, sumErr.Total.Equal(dec("110")))

	carol := createUser(t, f.db, "carol")
	_, err = f.svc.SetOwnership(ctx, OwnershipInput{PropertyID: f.property, UserID: carol, Percentage: dec("10")})
	require.ErrorAs(t, err, &sumErr)

	// Rejected writes leave the stored shares untouched.
	owners, err = f.svc.ListOwnership(ctx, f.property)
	require.NoError(t, err)
	require.Len(t, owners, 2)
	require.True(t, sumOwnership(owners).Equal(dec("100")))

	_, err = f.svc.SetOwnership(ctx, OwnershipInput{PropertyID: f.property, UserID: f.alice, Percentage: dec("60")})
	require.ErrorIs(t, err, ErrDuplicateOwnership)

	_, err = f.svc.SetOwnership(ctx, OwnershipInput{PropertyID: f.property, UserID: carol, Percentage: dec("0")})
	require.ErrorIs(t, err, ErrInvalidPercentage)
	_, err = f.svc.SetOwnership(ctx, OwnershipInput{PropertyID: f.property, UserID: carol, Percentage: dec("100.5")})
	require.ErrorIs(t, err, ErrInvalidPercentage)
	_, err = f.svc.SetOwnership(ctx, OwnershipInput{PropertyID: f.property, UserID: carol, Percentage: dec("0.001")})
	require.ErrorIs(t, err, ErrInvalidPercentage)
}

func TestSetPropertyOwnershipReplacesOwners(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	carol := createUser(t, f.db, "carol")

	owners, err := f.svc.SetPropertyOwnership(ctx, f.property, []OwnerShare{
		{UserID: f.alice, Percentage: dec("33.33")},
		{UserID: carol, Percentage: dec("66.67")},
	})
	require.NoError(t, err)
	require.Len(t, owners, 2)
	for _, o := range owners {
		require.NotEqual(t, f.bob, o.UserID)
	}

	_, err = f.svc.SetPropertyOwnership(ctx, f.property, []OwnerShare{
		{UserID: f.alice, Percentage: dec("50")},
		{UserID: carol, Percentage: dec("49")},
	})
	var sumErr *OwnershipSumError
	require.ErrorAs(t, err, &sumErr)

	_, err = f.svc.SetPropertyOwnership(ctx, f.property, []OwnerShare{
		{UserID: f.alice, Percentage: dec("50")},
		{UserID: f.alice, Percentage: dec("50")},
	})
	require.ErrorIs(t, err, ErrDuplicateOwnership)

	// Sums within tolerance but carol's share is below the minimum.
	_, err = f.svc.SetPropertyOwnership(ctx, f.property, []OwnerShare{
		{UserID: f.alice, Percentage: dec("99.995")},
		{UserID: carol, Percentage: dec("0.005")},
	})
	require.ErrorIs(t, err, ErrInvalidPercentage)

	// Within the 0.01 tolerance.
	_, err = f.svc.SetPropertyOwnership(ctx, f.property, []OwnerShare{
		{UserID: f.alice, Percentage: dec("33.33")},
		{UserID: carol, Percentage: dec("66.66")},
	})
	require.NoError(t, err)
}

func TestRemoveOwnershipBlockedByDependents(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	_, err := f.svc.RecordTransaction(ctx, TransactionInput{
		PropertyID:  f.property,
		Type:        model.LedgerTypeExpense,
		Category:    "Repairs",
		Amount:      dec("120"),
		PayerUserID: &f.alice,
	})
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.RemoveOwnership(ctx, f.property, f.bob), ErrHasDependentRecords)
	require.ErrorIs(t, f.svc.RemoveOwnership(ctx, f.property, "nobody"), ErrNotAnOwner)

	other, err := f.svc.CreateProperty(ctx, "Flat 2", "")
	require.NoError(t, err)
	_, err = f.svc.SetOwnership(ctx, OwnershipInput{PropertyID: other.ID, UserID: f.bob, Percentage: dec("100")})
	require.NoError(t, err)
	require.NoError(t, f.svc.RemoveOwnership(ctx, other.ID, f.bob))
}

func TestRecordTransactionAllocatesSplitsExactly(t *testing.T) {
	db := openTestDB(t)
	svc := NewLedgerService(db, LedgerConfig{})
	ctx := context.Background()
	a, b, c := createUser(t, db, "a"), createUser(t, db, "b"), createUser(t, db, "c")
	p, err := svc.CreateProperty(ctx, "Three-way", "")
	require.NoError(t, err)
	_, err = svc.SetPropertyOwnership(ctx, p.ID, []OwnerShare{
		{UserID: a, Percentage: dec("33.33")},
		{UserID: b, Percentage: dec("33.33")},
		{UserID: c, Percentage: dec("33.34")},
	})
	require.NoError(t, err)

	tx, err := svc.RecordTransaction(ctx, TransactionInput{
		PropertyID: p.ID,
		Type:       model.LedgerTypeIncome,
		Category:   "Rent",
		Amount:     dec("100"),
	})
	require.NoError(t, err)
	require.Len(t, tx.Splits, 3)
	total := decimal.Zero
	for _, sp := range tx.Splits {
		total = total.Add(sp.Amount)
	}
	require.True(t, total.Equal(dec("100")), "splits sum to %s", total)

	stored, err := svc.ListTransactions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Len(t, stored[0].Splits, 3)
}

func TestRecordTransactionRejectsBadSplits(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	stranger := createUser(t, f.db, "stranger")
	off := dec("61.00")
	rest := dec("39.00")

	tests := []struct {
		name   string
		splits []SplitInput
	}{
		{"not an owner", []SplitInput{{UserID: f.alice, Percentage: dec("60")}, {UserID: stranger, Percentage: dec("40")}}},
		{"under 100", []SplitInput{{UserID: f.alice, Percentage: dec("60")}, {UserID: f.bob, Percentage: dec("30")}}},
		{"repeated owner", []SplitInput{{UserID: f.alice, Percentage: dec("50")}, {UserID: f.alice, Percentage: dec("50")}}},
		{"amount off share", []SplitInput{{UserID: f.alice, Percentage: dec("60"), Amount: &off}, {UserID: f.bob, Percentage: dec("40"), Amount: &rest}}},
		{"partial amounts", []SplitInput{{UserID: f.alice, Percentage: dec("60"), Amount: &off}, {UserID: f.bob, Percentage: dec("40")}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.RecordTransaction(ctx, TransactionInput{
				PropertyID: f.property,
				Type:       model.LedgerTypeExpense,
				Category:   "Repairs",
				Amount:     dec("100"),
				Splits:     tc.splits,
			})
			var splitErr *SplitError
			require.ErrorAs(t, err, &splitErr)
		})
	}

	txs, err := f.svc.ListTransactions(ctx, f.property)
	require.NoError(t, err)
	require.Empty(t, txs)
}

func TestRecordTransactionAcceptsAmountsWithinOnePenny(t *testing.T) {
	f := newLedgerFixture(t)
	a, b := dec("60.01"), dec("39.99")
	tx, err := f.svc.RecordTransaction(context.Background(), TransactionInput{
		PropertyID: f.property,
		Type:       model.LedgerTypeExpense,
		Category:   "Repairs",
		Amount:     dec("100"),
		Splits: []SplitInput{
			{UserID: f.alice, Percentage: dec("60"), Amount: &a},
			{UserID: f.bob, Percentage: dec("40"), Amount: &b},
		},
	})
	require.NoError(t, err)
	require.True(t, tx.Splits[0].Amount.Equal(a))
}

func TestRecordTransactionValidatesInput(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	base := TransactionInput{PropertyID: f.property, Type: model.LedgerTypeExpense, Category: "Repairs", Amount: dec("10")}

	in := base
	in.Amount = dec("0")
	_, err := f.svc.RecordTransaction(ctx, in)
	require.ErrorIs(t, err, ErrInvalidAmount)

	in = base
	in.Type = "transfer"
	var verr *ValidationError
	_, err = f.svc.RecordTransaction(ctx, in)
	require.ErrorAs(t, err, &verr)

	in = base
	in.Amount = dec("10.005")
	_, err = f.svc.RecordTransaction(ctx, in)
	require.ErrorAs(t, err, &verr)

	in = base
	stranger := createUser(t, f.db, "stranger")
	in.PayerUserID = &stranger
	_, err = f.svc.RecordTransaction(ctx, in)
	require.ErrorIs(t, err, ErrNotAnOwner)

	in = base
	in.PropertyID = "missing"
	_, err = f.svc.RecordTransaction(ctx, in)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPairwiseBalanceAndSettlement(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	_, err := f.svc.RecordTransaction(ctx, TransactionInput{
		PropertyID:  f.property,
		Type:        model.LedgerTypeExpense,
		Category:    "Repairs",
		Amount:      dec("1000"),
		PayerUserID: &f.alice,
	})
	require.NoError(t, err)

	bal, err := f.svc.CalculatePairwiseBalance(ctx, f.property, f.alice, f.bob)
	require.NoError(t, err)
	require.True(t, bal.Equal(dec("400")), "got %s", bal)
	rev, err := f.svc.CalculatePairwiseBalance(ctx, f.property, f.bob, f.alice)
	require.NoError(t, err)
	require.True(t, rev.Equal(bal.Neg()))

	res, err := f.svc.RecordSettlement(ctx, SettlementInput{
		PropertyID: f.property,
		FromUserID: f.bob,
		ToUserID:   f.alice,
		Amount:     dec("200"),
		Notes:      "bank transfer",
	})
	require.NoError(t, err)
	require.Nil(t, res.OverpaymentWarning)

	bal, err = f.svc.CalculatePairwiseBalance(ctx, f.property, f.alice, f.bob)
	require.NoError(t, err)
	require.True(t, bal.Equal(dec("200")), "got %s", bal)

	balances, err := f.svc.GetPropertyBalances(ctx, f.property)
	require.NoError(t, err)
	require.Len(t, balances, 1)
	require.Equal(t, f.bob, balances[0].FromUserID)
	require.Equal(t, f.alice, balances[0].ToUserID)
	require.True(t, balances[0].Amount.Equal(dec("200")))

	res, err = f.svc.RecordSettlement(ctx, SettlementInput{
		PropertyID: f.property,
		FromUserID: f.bob,
		ToUserID:   f.alice,
		Amount:     dec("250"),
	})
	require.NoError(t, err)
	require.NotNil(t, res.OverpaymentWarning)
	require.Contains(t, *res.OverpaymentWarning, "50.00")

	bal, err = f.svc.CalculatePairwiseBalance(ctx, f.property, f.alice, f.bob)
	require.NoError(t, err)
	require.True(t, bal.Equal(dec("-50")), "got %s", bal)

	settlements, err := f.svc.ListSettlements(ctx, f.property)
	require.NoError(t, err)
	require.Len(t, settlements, 2)
}

func TestBalancesNetOutAcrossPayers(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	record := func(payer *string, amount string) {
		_, err := f.svc.RecordTransaction(ctx, TransactionInput{
			PropertyID:  f.property,
			Type:        model.LedgerTypeExpense,
			Category:    "Repairs",
			Amount:      dec(amount),
			PayerUserID: payer,
		})
		require.NoError(t, err)
	}
	record(&f.alice, "100") // bob owes 40
	record(&f.bob, "100")   // alice owes 60
	record(nil, "500")      // no payer, no effect

	bal, err := f.svc.CalculatePairwiseBalance(ctx, f.property, f.alice, f.bob)
	require.NoError(t, err)
	require.True(t, bal.Equal(dec("-20")), "got %s", bal)

	balances, err := f.svc.GetPropertyBalances(ctx, f.property)
	require.NoError(t, err)
	require.Len(t, balances, 1)
	require.Equal(t, f.alice, balances[0].FromUserID)
	require.True(t, balances[0].Amount.Equal(dec("20")))
}

func TestRecordSettlementValidation(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	stranger := createUser(t, f.db, "stranger")

	_, err := f.svc.RecordSettlement(ctx, SettlementInput{PropertyID: f.property, FromUserID: f.bob, ToUserID: f.bob, Amount: dec("10")})
	require.ErrorIs(t, err, ErrSelfSettlement)
	_, err = f.svc.RecordSettlement(ctx, SettlementInput{PropertyID: f.property, FromUserID: f.bob, ToUserID: f.alice, Amount: dec("0")})
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = f.svc.RecordSettlement(ctx, SettlementInput{PropertyID: f.property, FromUserID: stranger, ToUserID: f.alice, Amount: dec("10")})
	require.ErrorIs(t, err, ErrNotAnOwner)

	// Nothing is owed yet, so any payment is flagged but still recorded.
	res, err := f.svc.RecordSettlement(ctx, SettlementInput{PropertyID: f.property, FromUserID: f.bob, ToUserID: f.alice, Amount: dec("10")})
	require.NoError(t, err)
	require.NotNil(t, res.OverpaymentWarning)
	require.NotEmpty(t, res.Settlement.ID)
}
