package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/username/landlordly/backend/src/database"
	"github.com/username/landlordly/backend/src/logger"
	"github.com/username/landlordly/backend/src/model"
	"github.com/username/landlordly/backend/src/security/validation"
	"github.com/username/landlordly/backend/src/utils"
)

var (
	hundred                = decimal.NewFromInt(100)
	ownershipTolerance     = decimal.RequireFromString("0.01")
	minOwnershipPercentage = decimal.RequireFromString("0.01")
)

type LedgerConfig struct {
	// OverpaymentTolerance is how far a settlement may exceed the owed balance before a
	// warning is attached.
	OverpaymentTolerance decimal.Decimal
}

// LedgerService owns ownership shares, ledger transactions with their splits, settlements,
// and the balances derived from them.
type LedgerService struct {
	db  *sql.DB
	cfg LedgerConfig
}

func NewLedgerService(db *sql.DB, cfg LedgerConfig) *LedgerService {
	if cfg.OverpaymentTolerance.IsNegative() {
		cfg.OverpaymentTolerance = decimal.Zero
	}
	return &LedgerService{db: db, cfg: cfg}
}

func (s *LedgerService) CreateProperty(ctx context.Context, name, address string) (*model.Property, error) {
	p := &model.Property{Name: validation.CleanText(name), Address: validation.CleanText(address)}
	if p.Name == "" {
		return nil, &ValidationError{Field: "name", Reason: "is required"}
	}
	if err := model.CreateProperty(ctx, s.db, p); err != nil {
		return nil, fmt.Errorf("create property: %w", err)
	}
	return p, nil
}

func (s *LedgerService) ListProperties(ctx context.Context) ([]model.Property, error) {
	return model.ListProperties(ctx, s.db)
}

func (s *LedgerService) GetProperty(ctx context.Context, id string) (*model.Property, error) {
	return getProperty(ctx, s.db, id)
}

func getProperty(ctx context.Context, db model.DBTX, id string) (*model.Property, error) {
	p, err := model.GetProperty(ctx, db, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil, ErrNotFound
	}
	return p, err
}

// --- ownership

func validPercentage(p decimal.Decimal) bool {
	return p.IsPositive() && p.LessThanOrEqual(hundred)
}

// validOwnershipPercentage bounds a stored share to [0.01, 100].
func validOwnershipPercentage(p decimal.Decimal) bool {
	return p.GreaterThanOrEqual(minOwnershipPercentage) && p.LessThanOrEqual(hundred)
}

func withinOwnershipTolerance(total decimal.Decimal) bool {
	return total.Sub(hundred).Abs().LessThanOrEqual(ownershipTolerance)
}

func sumOwnership(records []model.OwnershipRecord) decimal.Decimal {
	total := decimal.Zero
	for _, r := range records {
		total = total.Add(r.Percentage)
	}
	return total
}

func checkUserExists(ctx context.Context, db model.DBTX, userID string) error {
	if _, err := model.GetUserByID(ctx, db, userID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return &ValidationError{Field: "userId", Reason: fmt.Sprintf("user %s does not exist", userID)}
		}
		return err
	}
	return nil
}

type OwnershipInput struct {
	// RecordID selects an existing record to update; empty creates a new one.
	RecordID   string
	PropertyID string
	UserID     string
	Percentage decimal.Decimal
}

// SetOwnership creates or updates one ownership record and rejects the write if the
// property's shares would no longer total 100%.
func (s *LedgerService) SetOwnership(ctx context.Context, in OwnershipInput) (*model.OwnershipRecord, error) {
	if !validOwnershipPercentage(in.Percentage) {
		return nil, ErrInvalidPercentage
	}
	var out *model.OwnershipRecord
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if in.RecordID == "" {
			if _, err := getProperty(ctx, tx, in.PropertyID); err != nil {
				return err
			}
			if err := checkUserExists(ctx, tx, in.UserID); err != nil {
				return err
			}
			rec := &model.OwnershipRecord{UserID: in.UserID, PropertyID: in.PropertyID, Percentage: in.Percentage}
			outcome, err := model.InsertOwnership(ctx, tx, rec)
			if err != nil {
				return fmt.Errorf("insert ownership: %w", err)
			}
			if outcome == model.Duplicate {
				return ErrDuplicateOwnership
			}
			out = rec
		} else {
			rec, err := model.GetOwnership(ctx, tx, in.RecordID)
			if errors.Is(err, model.ErrNotFound) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			if in.PropertyID != "" && rec.PropertyID != in.PropertyID {
				return ErrNotFound
			}
			if err := model.UpdateOwnershipPercentage(ctx, tx, rec.ID, in.Percentage); err != nil {
				return fmt.Errorf("update ownership: %w", err)
			}
			rec.Percentage = in.Percentage
			out = rec
		}
		records, err := model.ListOwnership(ctx, tx, out.PropertyID)
		if err != nil {
			return err
		}
		if total := sumOwnership(records); !withinOwnershipTolerance(total) {
			return &OwnershipSumError{Total: total}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type OwnerShare struct {
	UserID     string          `json:"userId"`
	Percentage decimal.Decimal `json:"percentage"`
}

// SetPropertyOwnership replaces the property's owner set in one transaction. Owners left
// out are removed, subject to the same dependent-record check as RemoveOwnership.
func (s *LedgerService) SetPropertyOwnership(ctx context.Context, propertyID string, shares []OwnerShare) ([]model.OwnershipRecord, error) {
	seen := map[string]bool{}
	total := decimal.Zero
	for _, sh := range shares {
		if !validOwnershipPercentage(sh.Percentage) {
			return nil, ErrInvalidPercentage
		}
		if seen[sh.UserID] {
			return nil, ErrDuplicateOwnership
		}
		seen[sh.UserID] = true
		total = total.Add(sh.Percentage)
	}
	if len(shares) > 0 && !withinOwnershipTolerance(total) {
		return nil, &OwnershipSumError{Total: total}
	}

	var out []model.OwnershipRecord
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := getProperty(ctx, tx, propertyID); err != nil {
			return err
		}
		existing, err := model.ListOwnership(ctx, tx, propertyID)
		if err != nil {
			return err
		}
		current := map[string]model.OwnershipRecord{}
		for _, r := range existing {
			current[r.UserID] = r
		}
		for _, r := range existing {
			if seen[r.UserID] {
				continue
			}
			if err := removeOwner(ctx, tx, propertyID, r.UserID); err != nil {
				return err
			}
		}
		for _, sh := range shares {
			if rec, ok := current[sh.UserID]; ok {
				if !rec.Percentage.Equal(sh.Percentage) {
					if err := model.UpdateOwnershipPercentage(ctx, tx, rec.ID, sh.Percentage); err != nil {
						return err
					}
				}
				continue
			}
			if err := checkUserExists(ctx, tx, sh.UserID); err != nil {
				return err
			}
			if _, err := model.InsertOwnership(ctx, tx, &model.OwnershipRecord{UserID: sh.UserID, PropertyID: propertyID, Percentage: sh.Percentage}); err != nil {
				return fmt.Errorf("insert ownership: %w", err)
			}
		}
		out, err = model.ListOwnership(ctx, tx, propertyID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RemoveOwnership deletes a user's share. The remaining shares are not re-validated, so a
// property may sit below 100% until a new owner is added.
func (s *LedgerService) RemoveOwnership(ctx context.Context, propertyID, userID string) error {
	return database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		return removeOwner(ctx, tx, propertyID, userID)
	})
}

func removeOwner(ctx context.Context, db model.DBTX, propertyID, userID string) error {
	n, err := model.CountOwnerDependents(ctx, db, propertyID, userID)
	if err != nil {
		return err
	}
	if n > 0 {
		return ErrHasDependentRecords
	}
	if err := model.DeleteOwnership(ctx, db, propertyID, userID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return ErrNotAnOwner
		}
		return err
	}
	return nil
}

func (s *LedgerService) ListOwnership(ctx context.Context, propertyID string) ([]model.OwnershipRecord, error) {
	if _, err := getProperty(ctx, s.db, propertyID); err != nil {
		return nil, err
	}
	return model.ListOwnership(ctx, s.db, propertyID)
}

// --- transactions

type SplitInput struct {
	UserID     string           `json:"userId"`
	Percentage decimal.Decimal  `json:"percentage"`
	Amount     *decimal.Decimal `json:"amount,omitempty"`
}

type TransactionInput struct {
	PropertyID        string
	LeaseID           *string
	Type              string
	Category          string
	Amount            decimal.Decimal
	Currency          string
	Date              time.Time
	Description       string
	PayerUserID       *string
	BankTransactionID *string
	IsImported        bool
	// Splits default to the property's current ownership shares when empty.
	Splits []SplitInput
}

// RecordTransaction writes a ledger transaction and its splits atomically. Split amounts
// are allocated from the percentages so they sum exactly to the transaction amount.
func (s *LedgerService) RecordTransaction(ctx context.Context, in TransactionInput) (*model.LedgerTransaction, error) {
	var out *model.LedgerTransaction
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		out, err = recordTransaction(ctx, tx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func recordTransaction(ctx context.Context, db model.DBTX, in TransactionInput) (*model.LedgerTransaction, error) {
	if in.Type != model.LedgerTypeIncome && in.Type != model.LedgerTypeExpense {
		return nil, &ValidationError{Field: "type", Reason: "must be income or expense"}
	}
	if !in.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	category := validation.CleanText(in.Category)
	if category == "" {
		return nil, &ValidationError{Field: "category", Reason: "is required"}
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = "GBP"
	}
	if utils.RoundMinor(in.Amount, currency).Cmp(in.Amount) != 0 {
		return nil, &ValidationError{Field: "amount", Reason: "has more precision than the currency allows"}
	}
	date := in.Date
	if date.IsZero() {
		date = model.Now()
	}

	if _, err := getProperty(ctx, db, in.PropertyID); err != nil {
		return nil, err
	}
	owners, err := model.ListOwnership(ctx, db, in.PropertyID)
	if err != nil {
		return nil, err
	}
	ownerPct := map[string]decimal.Decimal{}
	for _, o := range owners {
		ownerPct[o.UserID] = o.Percentage
	}
	if in.PayerUserID != nil {
		if _, ok := ownerPct[*in.PayerUserID]; !ok {
			return nil, ErrNotAnOwner
		}
	}

	splits := in.Splits
	if len(splits) == 0 {
		if len(owners) == 0 {
			return nil, &SplitError{Reason: "property has no owners to split between"}
		}
		for _, o := range owners {
			splits = append(splits, SplitInput{UserID: o.UserID, Percentage: o.Percentage})
		}
	}
	built, err := buildSplits(in.Amount, currency, splits, ownerPct)
	if err != nil {
		return nil, err
	}

	t := &model.LedgerTransaction{
		PropertyID:        in.PropertyID,
		LeaseID:           in.LeaseID,
		Type:              in.Type,
		Category:          category,
		Amount:            in.Amount,
		Currency:          currency,
		Date:              date.UTC(),
		Description:       validation.CleanText(in.Description),
		PayerUserID:       in.PayerUserID,
		BankTransactionID: in.BankTransactionID,
		IsImported:        in.IsImported,
		Splits:            built,
	}
	if err := model.InsertLedgerTransaction(ctx, db, t); err != nil {
		return nil, err
	}
	return t, nil
}

// buildSplits validates split owners and percentages and assigns amounts. Caller-supplied
// amounts must be within one minor unit of the exact share and sum to the total.
func buildSplits(amount decimal.Decimal, currency string, in []SplitInput, ownerPct map[string]decimal.Decimal) ([]model.TransactionSplit, error) {
	seen := map[string]bool{}
	pcts := make([]decimal.Decimal, 0, len(in))
	total := decimal.Zero
	supplied := 0
	for _, sp := range in {
		if _, ok := ownerPct[sp.UserID]; !ok {
			return nil, &SplitError{Reason: fmt.Sprintf("user %s is not a current owner of the property", sp.UserID)}
		}
		if seen[sp.UserID] {
			return nil, &SplitError{Reason: fmt.Sprintf("user %s has more than one split", sp.UserID)}
		}
		seen[sp.UserID] = true
		if !validPercentage(sp.Percentage) {
			return nil, &SplitError{Reason: "each split percentage must be greater than 0 and at most 100"}
		}
		pcts = append(pcts, sp.Percentage)
		total = total.Add(sp.Percentage)
		if sp.Amount != nil {
			supplied++
		}
	}
	if !withinOwnershipTolerance(total) {
		return nil, &SplitError{Reason: fmt.Sprintf("split percentages total %s%%, expected 100%%", total.String())}
	}
	if supplied != 0 && supplied != len(in) {
		return nil, &SplitError{Reason: "split amounts must be given for every split or for none"}
	}

	allocated := utils.Allocate(amount, pcts, currency)
	unit := utils.MinorUnit(currency)
	out := make([]model.TransactionSplit, len(in))
	sum := decimal.Zero
	for i, sp := range in {
		amt := allocated[i]
		if sp.Amount != nil {
			exact := amount.Mul(sp.Percentage).Div(hundred)
			if sp.Amount.Sub(exact).Abs().GreaterThan(unit) {
				return nil, &SplitError{Reason: fmt.Sprintf("split amount %s for user %s does not match %s%% of %s", sp.Amount.String(), sp.UserID, sp.Percentage.String(), amount.String())}
			}
			amt = *sp.Amount
		}
		sum = sum.Add(amt)
		out[i] = model.TransactionSplit{UserID: sp.UserID, Percentage: sp.Percentage, Amount: amt}
	}
	if !sum.Equal(amount) {
		return nil, &SplitError{Reason: fmt.Sprintf("split amounts total %s, expected %s", sum.String(), amount.String())}
	}
	return out, nil
}

func (s *LedgerService) ListTransactions(ctx context.Context, propertyID string) ([]model.LedgerTransaction, error) {
	if _, err := getProperty(ctx, s.db, propertyID); err != nil {
		return nil, err
	}
	return model.ListLedgerTransactions(ctx, s.db, propertyID)
}

// --- balances

// pairwiseBalance returns what b owes a: b's share of everything a paid, minus a's share
// of everything b paid, adjusted by settlements between them. Settlements from a to b
// increase it; settlements from b to a reduce it.
func pairwiseBalance(txs []model.LedgerTransaction, settlements []model.Settlement, a, b string) decimal.Decimal {
	bal := decimal.Zero
	for _, t := range txs {
		if t.PayerUserID == nil {
			continue
		}
		switch *t.PayerUserID {
		case a:
			bal = bal.Add(splitAmount(t, b))
		case b:
			bal = bal.Sub(splitAmount(t, a))
		}
	}
	for _, st := range settlements {
		switch {
		case st.FromUserID == a && st.ToUserID == b:
			bal = bal.Add(st.Amount)
		case st.FromUserID == b && st.ToUserID == a:
			bal = bal.Sub(st.Amount)
		}
	}
	return bal
}

func splitAmount(t model.LedgerTransaction, userID string) decimal.Decimal {
	for _, sp := range t.Splits {
		if sp.UserID == userID {
			return sp.Amount
		}
	}
	return decimal.Zero
}

func (s *LedgerService) loadBalanceInputs(ctx context.Context, db model.DBTX, propertyID string) ([]model.LedgerTransaction, []model.Settlement, error) {
	txs, err := model.ListLedgerTransactions(ctx, db, propertyID)
	if err != nil {
		return nil, nil, fmt.Errorf("load ledger transactions: %w", err)
	}
	settlements, err := model.ListSettlements(ctx, db, propertyID)
	if err != nil {
		return nil, nil, fmt.Errorf("load settlements: %w", err)
	}
	return txs, settlements, nil
}

// CalculatePairwiseBalance returns the signed net amount userB owes userA on the property.
func (s *LedgerService) CalculatePairwiseBalance(ctx context.Context, propertyID, userA, userB string) (decimal.Decimal, error) {
	if _, err := getProperty(ctx, s.db, propertyID); err != nil {
		return decimal.Zero, err
	}
	if userA == userB {
		return decimal.Zero, nil
	}
	txs, settlements, err := s.loadBalanceInputs(ctx, s.db, propertyID)
	if err != nil {
		return decimal.Zero, err
	}
	return pairwiseBalance(txs, settlements, userA, userB), nil
}

// PairBalance states that FromUserID owes ToUserID Amount (always positive).
type PairBalance struct {
	FromUserID string          `json:"fromUserId"`
	ToUserID   string          `json:"toUserId"`
	Amount     decimal.Decimal `json:"amount"`
}

// GetPropertyBalances returns one entry per pair of participants with a non-zero balance.
// Participants are current owners plus anyone who appears in splits or settlements.
func (s *LedgerService) GetPropertyBalances(ctx context.Context, propertyID string) ([]PairBalance, error) {
	if _, err := getProperty(ctx, s.db, propertyID); err != nil {
		return nil, err
	}
	owners, err := model.ListOwnership(ctx, s.db, propertyID)
	if err != nil {
		return nil, err
	}
	txs, settlements, err := s.loadBalanceInputs(ctx, s.db, propertyID)
	if err != nil {
		return nil, err
	}

	set := map[string]bool{}
	for _, o := range owners {
		set[o.UserID] = true
	}
	for _, t := range txs {
		if t.PayerUserID != nil {
			set[*t.PayerUserID] = true
		}
		for _, sp := range t.Splits {
			set[sp.UserID] = true
		}
	}
	for _, st := range settlements {
		set[st.FromUserID] = true
		set[st.ToUserID] = true
	}
	users := make([]string, 0, len(set))
	for u := range set {
		users = append(users, u)
	}
	sort.Strings(users)

	out := []PairBalance{}
	for i := 0; i < len(users); i++ {
		for j := i + 1; j < len(users); j++ {
			bal := pairwiseBalance(txs, settlements, users[i], users[j])
			switch {
			case bal.IsPositive():
				out = append(out, PairBalance{FromUserID: users[j], ToUserID: users[i], Amount: bal})
			case bal.IsNegative():
				out = append(out, PairBalance{FromUserID: users[i], ToUserID: users[j], Amount: bal.Neg()})
			}
		}
	}
	return out, nil
}

// --- settlements

type SettlementInput struct {
	PropertyID string
	FromUserID string
	ToUserID   string
	Amount     decimal.Decimal
	Date       time.Time
	Notes      string
}

type SettlementResult struct {
	Settlement         *model.Settlement `json:"settlement"`
	OverpaymentWarning *string           `json:"overpaymentWarning,omitempty"`
}

// RecordSettlement records a payment between two current owners. Paying more than is owed
// is allowed; the result then carries an advisory warning.
func (s *LedgerService) RecordSettlement(ctx context.Context, in SettlementInput) (*SettlementResult, error) {
	if in.FromUserID == in.ToUserID {
		return nil, ErrSelfSettlement
	}
	if !in.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	date := in.Date
	if date.IsZero() {
		date = model.Now()
	}

	res := &SettlementResult{}
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := getProperty(ctx, tx, in.PropertyID); err != nil {
			return err
		}
		owners, err := model.ListOwnership(ctx, tx, in.PropertyID)
		if err != nil {
			return err
		}
		isOwner := map[string]bool{}
		for _, o := range owners {
			isOwner[o.UserID] = true
		}
		if !isOwner[in.FromUserID] || !isOwner[in.ToUserID] {
			return ErrNotAnOwner
		}

		txs, settlements, err := s.loadBalanceInputs(ctx, tx, in.PropertyID)
		if err != nil {
			return err
		}
		owed := pairwiseBalance(txs, settlements, in.ToUserID, in.FromUserID)
		if owed.IsNegative() {
			owed = decimal.Zero
		}
		if excess := in.Amount.Sub(owed); excess.GreaterThan(s.cfg.OverpaymentTolerance) {
			msg := fmt.Sprintf("settlement of %s exceeds the %s currently owed by %s to %s by %s",
				in.Amount.StringFixed(2), owed.StringFixed(2), in.FromUserID, in.ToUserID, excess.StringFixed(2))
			res.OverpaymentWarning = &msg
			logger.FromContext(ctx).Info("Settlement overpayment recorded", "propertyID", in.PropertyID, "fromUserID", in.FromUserID, "toUserID", in.ToUserID, "excess", excess.String())
		}

		st := &model.Settlement{
			FromUserID: in.FromUserID,
			ToUserID:   in.ToUserID,
			PropertyID: in.PropertyID,
			Amount:     in.Amount,
			Date:       date.UTC(),
			Notes:      validation.CleanText(in.Notes),
		}
		if err := model.InsertSettlement(ctx, tx, st); err != nil {
			return fmt.Errorf("insert settlement: %w", err)
		}
		res.Settlement = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *LedgerService) ListSettlements(ctx context.Context, propertyID string) ([]model.Settlement, error) {
	if _, err := getProperty(ctx, s.db, propertyID); err != nil {
		return nil, err
	}
	return model.ListSettlements(ctx, s.db, propertyID)
}
