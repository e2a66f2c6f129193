package rules

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/username/landlordly/backend/src/model"
)

func strPtr(s string) *string { return &s }

func rawTx(desc, amount string) *model.RawBankTransaction {
	return &model.RawBankTransaction{
		AccountID:   "acc-1",
		Description: desc,
		Amount:      decimal.RequireFromString(amount),
		Currency:    "GBP",
	}
}

func rentAndCatchAll() []model.MatchingRule {
	return []model.MatchingRule{
		{
			ID: "catch-all", Name: "Other", Priority: 1000, Enabled: true,
			Category:   strPtr("Other"),
			Conditions: `{"operator":"AND","conditions":[{"field":"amount","operator":"lessThan","value":0}]}`,
		},
		{
			ID: "rent", Name: "Rent", Priority: 100, Enabled: true,
			Type: strPtr("income"), Category: strPtr("Rent"),
			Conditions: `{"operator":"AND","conditions":[{"field":"description","operator":"contains","value":"rent"}]}`,
		},
	}
}

func TestEvaluateRentAndCatchAllScenario(t *testing.T) {
	e := Compile(rentAndCatchAll())

	res := e.Evaluate(rawTx("Monthly RENT payment", "950"))
	require.Equal(t, []string{"rent"}, res.MatchedRuleIDs)
	require.Equal(t, "Rent", *res.Category)
	require.Equal(t, "income", *res.Type)
	require.Nil(t, res.PropertyID)
	require.False(t, res.IsFullyMatched)

	res = e.Evaluate(rawTx("taxi", "-20"))
	require.Equal(t, []string{"catch-all"}, res.MatchedRuleIDs)
	require.Equal(t, "Other", *res.Category)
	require.Nil(t, res.Type)
}

func TestEvaluateFirstWriterWins(t *testing.T) {
	rules := []model.MatchingRule{
		{ID: "high", Priority: 1, Enabled: true, Category: strPtr("First"), Conditions: `{"operator":"AND","conditions":[]}`},
		{ID: "low", Priority: 2, Enabled: true, Category: strPtr("Second"), Type: strPtr("expense"), Conditions: `{"operator":"AND","conditions":[]}`},
		{ID: "lowest", Priority: 3, Enabled: true, Category: strPtr("Third"), Conditions: `{"operator":"AND","conditions":[]}`},
	}
	res := Evaluate(rawTx("anything", "-1"), rules)
	require.Equal(t, "First", *res.Category)
	require.Equal(t, "expense", *res.Type)
	// "lowest" can only supply category, which is already set.
	require.Equal(t, []string{"high", "low"}, res.MatchedRuleIDs)
}

func TestEvaluateStopsOnceFullyMatched(t *testing.T) {
	rules := []model.MatchingRule{
		{ID: "full", Priority: 1, Enabled: true, PropertyID: strPtr("p1"), Type: strPtr("expense"), Category: strPtr("Repairs"),
			Conditions: `[{"field":"merchant","operator":"equals","value":"Screwfix"}]`},
		{ID: "never", Priority: 2, Enabled: true, PropertyID: strPtr("p2"), Conditions: `[]`},
	}
	tx := rawTx("card payment", "-45.10")
	tx.Merchant = strPtr("SCREWFIX")

	res := Evaluate(tx, rules)
	require.True(t, res.IsFullyMatched)
	require.Equal(t, "p1", *res.PropertyID)
	require.Equal(t, []string{"full"}, res.MatchedRuleIDs)
}

func TestEvaluateCaseSensitivityAndOperators(t *testing.T) {
	tx := rawTx("Rent March", "100")
	tx.CounterpartyName = strPtr("J Smith")
	tx.Reference = strPtr("FLAT 2")

	cases := []struct {
		cond  string
		match bool
	}{
		{`[{"field":"description","operator":"startsWith","value":"rent"}]`, true},
		{`[{"field":"description","operator":"startsWith","value":"rent","caseSensitive":true}]`, false},
		{`[{"field":"description","operator":"endsWith","value":"MARCH"}]`, true},
		{`[{"field":"counterpartyName","operator":"equals","value":"j smith"}]`, true},
		{`[{"field":"reference","operator":"contains","value":"flat"}]`, true},
		{`[{"field":"merchant","operator":"contains","value":"x"}]`, false},
		{`[{"field":"amount","operator":"greaterThan","value":99.99}]`, true},
		{`[{"field":"amount","operator":"lessThan","value":"100"}]`, false},
		{`{"operator":"OR","conditions":[]}`, false},
		{`{"operator":"AND","conditions":[]}`, true},
		{`{"operator":"or","conditions":[{"field":"description","operator":"contains","value":"nope"},{"field":"amount","operator":"greaterThan","value":0}]}`, true},
	}
	for _, c := range cases {
		set, err := Parse(c.cond)
		require.NoError(t, err, c.cond)
		require.Equal(t, c.match, set.Matches(tx), c.cond)
	}
}

func TestAccountScopedRuleOnlyAppliesToItsAccount(t *testing.T) {
	rules := []model.MatchingRule{
		{ID: "scoped", Priority: 1, Enabled: true, Category: strPtr("Scoped"), AccountID: strPtr("acc-2"), Conditions: `[]`},
		{ID: "global", Priority: 2, Enabled: true, Category: strPtr("Global"), Conditions: `[]`},
	}
	res := Evaluate(rawTx("x", "1"), rules)
	require.Equal(t, "Global", *res.Category)
}

func TestCompileReportsParseErrorsAndSkipsDisabled(t *testing.T) {
	rules := []model.MatchingRule{
		{ID: "bad-json", Name: "Bad JSON", Priority: 1, Enabled: true, Category: strPtr("X"), Conditions: `{not json`},
		{ID: "bad-field", Name: "Bad field", Priority: 2, Enabled: true, Category: strPtr("X"), Conditions: `[{"field":"colour","operator":"equals","value":"red"}]`},
		{ID: "bad-op", Name: "Bad op", Priority: 3, Enabled: true, Category: strPtr("X"), Conditions: `[{"field":"amount","operator":"contains","value":"1"}]`},
		{ID: "disabled", Name: "Disabled", Priority: 4, Enabled: false, Category: strPtr("Disabled"), Conditions: `[]`},
		{ID: "ok", Name: "OK", Priority: 5, Enabled: true, Category: strPtr("OK"), Conditions: `[]`},
	}
	e := Compile(rules)
	require.Equal(t, 1, e.Len())
	require.Len(t, e.Errors(), 3)
	require.Equal(t, "bad-json", e.Errors()[0].RuleID)

	res := e.Evaluate(rawTx("x", "1"))
	require.Equal(t, "OK", *res.Category)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	rules := []model.MatchingRule{
		{ID: "b", Priority: 10, Enabled: true, Category: strPtr("B"), Conditions: `[]`},
		{ID: "a", Priority: 10, Enabled: true, Category: strPtr("A"), Conditions: `[]`},
	}
	for i := 0; i < 5; i++ {
		res := Evaluate(rawTx("x", "1"), rules)
		require.Equal(t, "A", *res.Category)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	set := ConditionSet{Combinator: Or, Conditions: []Condition{
		StringCondition{Field: FieldDescription, Operator: OpContains, Value: "Rent", CaseSensitive: true},
		NumericCondition{Operator: OpLessThan, Value: decimal.RequireFromString("-10.5")},
	}}
	raw, err := Encode(set)
	require.NoError(t, err)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, Or, parsed.Combinator)
	require.Equal(t, set.Conditions[0], parsed.Conditions[0])
	require.True(t, decimal.RequireFromString("-10.5").Equal(parsed.Conditions[1].(NumericCondition).Value))
}

func TestDefaultRulesParse(t *testing.T) {
	defaults, err := DefaultRules()
	require.NoError(t, err)
	require.NotEmpty(t, defaults)

	e := Compile(defaults)
	require.Empty(t, e.Errors())
	require.Equal(t, len(defaults), e.Len())

	res := e.Evaluate(rawTx("Monthly RENT payment", "950"))
	require.Equal(t, "Rent", *res.Category)
	res = e.Evaluate(rawTx("taxi", "-20"))
	require.Equal(t, "Other", *res.Category)
}
