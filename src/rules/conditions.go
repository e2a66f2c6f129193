package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/username/landlordly/backend/src/model"
)

type Field string

const (
	FieldDescription      Field = "description"
	FieldCounterpartyName Field = "counterpartyName"
	FieldReference        Field = "reference"
	FieldMerchant         Field = "merchant"
	FieldAmount           Field = "amount"
)

type StringOperator string

const (
	OpContains   StringOperator = "contains"
	OpEquals     StringOperator = "equals"
	OpStartsWith StringOperator = "startsWith"
	OpEndsWith   StringOperator = "endsWith"
)

type NumericOperator string

const (
	OpGreaterThan NumericOperator = "greaterThan"
	OpLessThan    NumericOperator = "lessThan"
)

type Combinator string

const (
	And Combinator = "AND"
	Or  Combinator = "OR"
)

// Condition is either a StringCondition or a NumericCondition.
type Condition interface {
	Matches(tx *model.RawBankTransaction) bool
	isCondition()
}

type StringCondition struct {
	Field         Field
	Operator      StringOperator
	Value         string
	CaseSensitive bool
}

func (StringCondition) isCondition() {}

func (c StringCondition) Matches(tx *model.RawBankTransaction) bool {
	got := stringField(tx, c.Field)
	want := c.Value
	if !c.CaseSensitive {
		got = strings.ToLower(got)
		want = strings.ToLower(want)
	}
	switch c.Operator {
	case OpContains:
		return strings.Contains(got, want)
	case OpEquals:
		return got == want
	case OpStartsWith:
		return strings.HasPrefix(got, want)
	case OpEndsWith:
		return strings.HasSuffix(got, want)
	}
	return false
}

// NumericCondition compares the signed amount; negative amounts are money out.
type NumericCondition struct {
	Operator NumericOperator
	Value    decimal.Decimal
}

func (NumericCondition) isCondition() {}

func (c NumericCondition) Matches(tx *model.RawBankTransaction) bool {
	switch c.Operator {
	case OpGreaterThan:
		return tx.Amount.GreaterThan(c.Value)
	case OpLessThan:
		return tx.Amount.LessThan(c.Value)
	}
	return false
}

// ConditionSet combines conditions. AND over no conditions is true, OR over none is false.
type ConditionSet struct {
	Combinator Combinator
	Conditions []Condition
}

func (s ConditionSet) Matches(tx *model.RawBankTransaction) bool {
	if s.Combinator == Or {
		for _, c := range s.Conditions {
			if c.Matches(tx) {
				return true
			}
		}
		return false
	}
	for _, c := range s.Conditions {
		if !c.Matches(tx) {
			return false
		}
	}
	return true
}

func stringField(tx *model.RawBankTransaction, f Field) string {
	switch f {
	case FieldDescription:
		return tx.Description
	case FieldCounterpartyName:
		return deref(tx.CounterpartyName)
	case FieldReference:
		return deref(tx.Reference)
	case FieldMerchant:
		return deref(tx.Merchant)
	}
	return ""
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// conditionDoc and conditionSetDoc are the stored JSON (and seed YAML) shapes.
type conditionDoc struct {
	Field         string      `json:"field" yaml:"field"`
	Operator      string      `json:"operator" yaml:"operator"`
	Value         interface{} `json:"value" yaml:"value"`
	CaseSensitive bool        `json:"caseSensitive,omitempty" yaml:"caseSensitive"`
}

type conditionSetDoc struct {
	Operator   string         `json:"operator" yaml:"operator"`
	Conditions []conditionDoc `json:"conditions" yaml:"conditions"`
}

var ErrEmptyConditions = errors.New("conditions are empty")

// Parse decodes a stored condition expression. A bare JSON array is read as an AND set.
func Parse(raw string) (ConditionSet, error) {
	data := bytes.TrimSpace([]byte(raw))
	if len(data) == 0 {
		return ConditionSet{}, ErrEmptyConditions
	}
	var doc conditionSetDoc
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var err error
	if data[0] == '[' {
		err = dec.Decode(&doc.Conditions)
	} else {
		err = dec.Decode(&doc)
	}
	if err != nil {
		return ConditionSet{}, fmt.Errorf("invalid condition JSON: %w", err)
	}
	return fromDoc(doc)
}

func fromDoc(doc conditionSetDoc) (ConditionSet, error) {
	set := ConditionSet{Combinator: And}
	switch strings.ToUpper(strings.TrimSpace(doc.Operator)) {
	case "", "AND":
	case "OR":
		set.Combinator = Or
	default:
		return ConditionSet{}, fmt.Errorf("unknown combinator %q", doc.Operator)
	}
	for i, cd := range doc.Conditions {
		c, err := parseCondition(cd)
		if err != nil {
			return ConditionSet{}, fmt.Errorf("condition %d: %w", i, err)
		}
		set.Conditions = append(set.Conditions, c)
	}
	return set, nil
}

func parseCondition(cd conditionDoc) (Condition, error) {
	field := Field(cd.Field)
	switch field {
	case FieldAmount:
		op := NumericOperator(cd.Operator)
		if op != OpGreaterThan && op != OpLessThan {
			return nil, fmt.Errorf("operator %q is not valid for amount", cd.Operator)
		}
		v, err := toDecimal(cd.Value)
		if err != nil {
			return nil, err
		}
		return NumericCondition{Operator: op, Value: v}, nil
	case FieldDescription, FieldCounterpartyName, FieldReference, FieldMerchant:
		op := StringOperator(cd.Operator)
		switch op {
		case OpContains, OpEquals, OpStartsWith, OpEndsWith:
		default:
			return nil, fmt.Errorf("operator %q is not valid for %s", cd.Operator, cd.Field)
		}
		s, ok := cd.Value.(string)
		if !ok {
			return nil, fmt.Errorf("value for %s must be a string", cd.Field)
		}
		return StringCondition{Field: field, Operator: op, Value: s, CaseSensitive: cd.CaseSensitive}, nil
	}
	return nil, fmt.Errorf("unknown field %q", cd.Field)
}

func toDecimal(v interface{}) (decimal.Decimal, error) {
	switch n := v.(type) {
	case json.Number:
		return decimal.NewFromString(n.String())
	case string:
		return decimal.NewFromString(n)
	case float64:
		return decimal.NewFromFloat(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	}
	return decimal.Decimal{}, fmt.Errorf("amount value %v is not a number", v)
}

// Encode renders a ConditionSet in its stored JSON form.
func Encode(set ConditionSet) (string, error) {
	doc := conditionSetDoc{Operator: string(set.Combinator), Conditions: []conditionDoc{}}
	if doc.Operator == "" {
		doc.Operator = string(And)
	}
	for _, c := range set.Conditions {
		switch cond := c.(type) {
		case StringCondition:
			doc.Conditions = append(doc.Conditions, conditionDoc{
				Field: string(cond.Field), Operator: string(cond.Operator), Value: cond.Value, CaseSensitive: cond.CaseSensitive,
			})
		case NumericCondition:
			doc.Conditions = append(doc.Conditions, conditionDoc{
				Field: string(FieldAmount), Operator: string(cond.Operator), Value: json.Number(cond.Value.String()),
			})
		}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
