package rules

import (
	"sort"

	"github.com/username/landlordly/backend/src/model"
)

// Result is the classification inferred for one transaction.
type Result struct {
	PropertyID     *string  `json:"propertyId"`
	Type           *string  `json:"type"`
	Category       *string  `json:"category"`
	MatchedRuleIDs []string `json:"matchedRuleIds"`
	IsFullyMatched bool     `json:"isFullyMatched"`
}

// RuleError marks a rule whose stored conditions could not be parsed. Such rules are
// disabled until fixed.
type RuleError struct {
	RuleID   string `json:"ruleId"`
	RuleName string `json:"ruleName"`
	Error    string `json:"error"`
}

type compiledRule struct {
	rule       model.MatchingRule
	conditions ConditionSet
}

// Engine holds enabled rules parsed once and ordered by ascending priority.
type Engine struct {
	rules  []compiledRule
	errors []RuleError
}

// Compile parses every enabled rule. Rules that fail to parse are excluded and reported
// through Errors.
func Compile(rules []model.MatchingRule) *Engine {
	e := &Engine{errors: []RuleError{}}
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		set, err := Parse(r.Conditions)
		if err != nil {
			e.errors = append(e.errors, RuleError{RuleID: r.ID, RuleName: r.Name, Error: err.Error()})
			continue
		}
		e.rules = append(e.rules, compiledRule{rule: r, conditions: set})
	}
	sort.SliceStable(e.rules, func(i, j int) bool {
		if e.rules[i].rule.Priority != e.rules[j].rule.Priority {
			return e.rules[i].rule.Priority < e.rules[j].rule.Priority
		}
		return e.rules[i].rule.ID < e.rules[j].rule.ID
	})
	return e
}

func (e *Engine) Errors() []RuleError {
	return e.errors
}

// Len is the number of active rules.
func (e *Engine) Len() int {
	return len(e.rules)
}

// Evaluate applies rules in priority order. Each of property, type and category is set by
// the first matching rule that provides it and never overwritten.
func (e *Engine) Evaluate(tx *model.RawBankTransaction) Result {
	res := Result{MatchedRuleIDs: []string{}}
	for _, cr := range e.rules {
		if res.PropertyID != nil && res.Type != nil && res.Category != nil {
			break
		}
		r := cr.rule
		if r.AccountID != nil && *r.AccountID != tx.AccountID {
			continue
		}
		if !contributes(r.PropertyID, res.PropertyID) && !contributes(r.Type, res.Type) && !contributes(r.Category, res.Category) {
			continue
		}
		if !cr.conditions.Matches(tx) {
			continue
		}
		if contributes(r.PropertyID, res.PropertyID) {
			res.PropertyID = copyString(r.PropertyID)
		}
		if contributes(r.Type, res.Type) {
			res.Type = copyString(r.Type)
		}
		if contributes(r.Category, res.Category) {
			res.Category = copyString(r.Category)
		}
		res.MatchedRuleIDs = append(res.MatchedRuleIDs, r.ID)
	}
	res.IsFullyMatched = res.PropertyID != nil && res.Type != nil && res.Category != nil
	return res
}

// Evaluate compiles rules and evaluates tx in one step.
func Evaluate(tx *model.RawBankTransaction, rules []model.MatchingRule) Result {
	return Compile(rules).Evaluate(tx)
}

func contributes(ruleValue, current *string) bool {
	return ruleValue != nil && *ruleValue != "" && current == nil
}

func copyString(s *string) *string {
	v := *s
	return &v
}
