package services

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidState   = errors.New("invalid or already used OAuth state")
	ErrStateExpired   = errors.New("OAuth state has expired")
	ErrMissingParams  = errors.New("missing code or state")
	ErrNoBankAccounts = errors.New("no open bank accounts returned by the provider")

	ErrSyncInProgress = errors.New("a sync is already in progress for this account")
	ErrTokenExpired   = errors.New("bank access token has expired; re-authenticate the account")

	ErrRuleNotFound = errors.New("matching rule not found")

	ErrDuplicateOwnership  = errors.New("user already owns a share of this property")
	ErrInvalidPercentage   = errors.New("ownership percentage must be between 0.01 and 100")
	ErrHasDependentRecords = errors.New("owner has transaction splits or settlements on this property")
	ErrNotAnOwner          = errors.New("user is not an owner of this property")
	ErrSelfSettlement      = errors.New("a settlement must be between two different owners")
	ErrInvalidAmount       = errors.New("amount must be greater than zero")

	ErrNotFound = errors.New("not found")
)

// ValidationError is a rejected write with a caller-facing reason.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// OwnershipSumError is returned when a write would leave a property's ownership shares
// away from 100%.
type OwnershipSumError struct {
	Total decimal.Decimal
}

func (e *OwnershipSumError) Error() string {
	return fmt.Sprintf("ownership percentages must total 100%%, got %s%%", e.Total.String())
}

// SplitError rejects a ledger transaction whose splits do not match its amount or owners.
type SplitError struct {
	Reason string
}

func (e *SplitError) Error() string {
	return "invalid transaction splits: " + e.Reason
}
