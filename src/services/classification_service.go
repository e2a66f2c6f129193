package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/patrickmn/go-cache"

	"github.com/username/landlordly/backend/src/database"
	"github.com/username/landlordly/backend/src/logger"
	"github.com/username/landlordly/backend/src/model"
	"github.com/username/landlordly/backend/src/rules"
	"github.com/username/landlordly/backend/src/security/validation"
)

const engineCacheKey = "rules:engine"

// ClassificationService manages matching rules and applies them to imported bank
// transactions. The compiled engine is cached until a rule changes.
type ClassificationService struct {
	db     *sql.DB
	ledger *LedgerService
	cache  *cache.Cache
}

func NewClassificationService(db *sql.DB, ledger *LedgerService) *ClassificationService {
	return &ClassificationService{
		db:     db,
		ledger: ledger,
		cache:  cache.New(cache.NoExpiration, 0),
	}
}

func (s *ClassificationService) engine(ctx context.Context) (*rules.Engine, error) {
	if cached, found := s.cache.Get(engineCacheKey); found {
		return cached.(*rules.Engine), nil
	}
	stored, err := model.ListMatchingRules(ctx, s.db)
	if err != nil {
		return nil, fmt.Errorf("load matching rules: %w", err)
	}
	e := rules.Compile(stored)
	for _, re := range e.Errors() {
		logger.FromContext(ctx).Warn("Matching rule has unparseable conditions and is skipped", "ruleID", re.RuleID, "ruleName", re.RuleName, "error", re.Error)
	}
	s.cache.Set(engineCacheKey, e, cache.NoExpiration)
	return e, nil
}

func (s *ClassificationService) invalidate() {
	s.cache.Delete(engineCacheKey)
}

// Classify evaluates the active rules against one stored bank transaction.
func (s *ClassificationService) Classify(ctx context.Context, bankTxID string) (*rules.Result, error) {
	tx, err := model.GetRawTransaction(ctx, s.db, bankTxID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e, err := s.engine(ctx)
	if err != nil {
		return nil, err
	}
	res := e.Evaluate(tx)
	return &res, nil
}

// RuleErrors lists enabled rules that are currently skipped because their conditions
// cannot be parsed.
func (s *ClassificationService) RuleErrors(ctx context.Context) ([]rules.RuleError, error) {
	e, err := s.engine(ctx)
	if err != nil {
		return nil, err
	}
	return e.Errors(), nil
}

type RuleInput struct {
	Name       string  `json:"name"`
	Priority   int     `json:"priority"`
	Enabled    *bool   `json:"enabled"`
	PropertyID *string `json:"propertyId"`
	Type       *string `json:"type"`
	Category   *string `json:"category"`
	AccountID  *string `json:"accountId"`
	// Conditions is accepted either as the condition object itself or as its JSON
	// encoding in a string.
	Conditions json.RawMessage `json:"conditions"`
}

func (in RuleInput) conditionsText() string {
	raw := bytes.TrimSpace(in.Conditions)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

func (s *ClassificationService) buildRule(ctx context.Context, in RuleInput) (*model.MatchingRule, error) {
	name := validation.CleanText(in.Name)
	if name == "" {
		return nil, &ValidationError{Field: "name", Reason: "is required"}
	}
	set, err := rules.Parse(in.conditionsText())
	if err != nil {
		return nil, &ValidationError{Field: "conditions", Reason: err.Error()}
	}
	encoded, err := rules.Encode(set)
	if err != nil {
		return nil, err
	}
	if in.Type != nil && *in.Type != model.LedgerTypeIncome && *in.Type != model.LedgerTypeExpense {
		return nil, &ValidationError{Field: "type", Reason: "must be income or expense"}
	}
	if in.PropertyID != nil {
		if _, err := getProperty(ctx, s.db, *in.PropertyID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, &ValidationError{Field: "propertyId", Reason: "property does not exist"}
			}
			return nil, err
		}
	}
	if in.AccountID != nil {
		if _, err := model.GetLinkedAccount(ctx, s.db, *in.AccountID); err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return nil, &ValidationError{Field: "accountId", Reason: "account does not exist"}
			}
			return nil, err
		}
	}
	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	return &model.MatchingRule{
		Name:       name,
		Priority:   in.Priority,
		Enabled:    enabled,
		PropertyID: in.PropertyID,
		Type:       in.Type,
		Category:   validation.CleanOptional(in.Category),
		Conditions: encoded,
		AccountID:  in.AccountID,
	}, nil
}

func (s *ClassificationService) ListRules(ctx context.Context) ([]model.MatchingRule, error) {
	return model.ListMatchingRules(ctx, s.db)
}

func (s *ClassificationService) CreateRule(ctx context.Context, in RuleInput) (*model.MatchingRule, error) {
	r, err := s.buildRule(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := model.CreateMatchingRule(ctx, s.db, r); err != nil {
		return nil, fmt.Errorf("create matching rule: %w", err)
	}
	s.invalidate()
	logger.FromContext(ctx).Info("Matching rule created", "ruleID", r.ID, "name", r.Name, "priority", r.Priority)
	return r, nil
}

func (s *ClassificationService) UpdateRule(ctx context.Context, id string, in RuleInput) (*model.MatchingRule, error) {
	r, err := s.buildRule(ctx, in)
	if err != nil {
		return nil, err
	}
	r.ID = id
	if err := model.UpdateMatchingRule(ctx, s.db, r); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("update matching rule: %w", err)
	}
	s.invalidate()
	return model.GetMatchingRule(ctx, s.db, id)
}

func (s *ClassificationService) DeleteRule(ctx context.Context, id string) error {
	if err := model.DeleteMatchingRule(ctx, s.db, id); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return ErrRuleNotFound
		}
		return err
	}
	s.invalidate()
	return nil
}

// SeedDefaults installs the built-in rule set when no rules exist yet and reports how
// many rules were written.
func (s *ClassificationService) SeedDefaults(ctx context.Context) (int, error) {
	n, err := model.CountMatchingRules(ctx, s.db)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		return 0, nil
	}
	defaults, err := rules.DefaultRules()
	if err != nil {
		return 0, err
	}
	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		for i := range defaults {
			if err := model.CreateMatchingRule(ctx, tx, &defaults[i]); err != nil {
				return fmt.Errorf("seed rule %q: %w", defaults[i].Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.invalidate()
	logger.FromContext(ctx).Info("Seeded default matching rules", "count", len(defaults))
	return len(defaults), nil
}

// ImportInput overrides the inferred classification when promoting a bank transaction.
type ImportInput struct {
	PropertyID  *string `json:"propertyId"`
	Type        *string `json:"type"`
	Category    *string `json:"category"`
	PayerUserID *string `json:"payerUserId"`
}

// ImportBankTransaction promotes a raw bank transaction into the ledger, filling gaps in
// the caller's input from the rule engine. The ledger amount is the absolute bank amount;
// the type falls back to the sign of the bank amount. Splits follow current ownership.
func (s *ClassificationService) ImportBankTransaction(ctx context.Context, bankTxID string, in ImportInput) (*model.LedgerTransaction, error) {
	raw, err := model.GetRawTransaction(ctx, s.db, bankTxID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e, err := s.engine(ctx)
	if err != nil {
		return nil, err
	}
	inferred := e.Evaluate(raw)

	propertyID := firstNonNil(in.PropertyID, inferred.PropertyID)
	if propertyID == nil {
		return nil, &ValidationError{Field: "propertyId", Reason: "no property given and no rule assigns one"}
	}
	txType := firstNonNil(in.Type, inferred.Type)
	if txType == nil {
		t := model.LedgerTypeExpense
		if raw.Amount.IsPositive() {
			t = model.LedgerTypeIncome
		}
		txType = &t
	}
	category := firstNonNil(in.Category, inferred.Category)
	if category == nil || strings.TrimSpace(*category) == "" {
		other := "Other"
		category = &other
	}
	id := raw.ID
	t, err := s.ledger.RecordTransaction(ctx, TransactionInput{
		PropertyID:        *propertyID,
		Type:              *txType,
		Category:          *category,
		Amount:            raw.Amount.Abs(),
		Currency:          raw.Currency,
		Date:              raw.TransactionAt,
		Description:       raw.Description,
		PayerUserID:       in.PayerUserID,
		BankTransactionID: &id,
		IsImported:        true,
	})
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Info("Bank transaction imported into ledger", "bankTransactionID", raw.ID, "ledgerTransactionID", t.ID, "propertyID", t.PropertyID, "matchedRules", len(inferred.MatchedRuleIDs))
	return t, nil
}

func firstNonNil(vals ...*string) *string {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}
