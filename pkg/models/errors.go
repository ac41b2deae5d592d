package models

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAccountNotFound  = fmt.Errorf("account %w", ErrNotFound)
	ErrOrderNotFound    = fmt.Errorf("order %w", ErrNotFound)
	ErrExchangeNotFound = fmt.Errorf("exchange %w", ErrNotFound)
	ErrAccountInactive  = errors.New("account is not active")
)

// ValidationError is a malformed request; nothing was created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

type InsufficientBalanceError struct {
	Asset     string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance: required %s, available %s",
		e.Asset, e.Required.String(), e.Available.String())
}

// RiskViolation carries a human readable reason for the rejected check.
type RiskViolation struct {
	Rule   string
	Reason string
}

func (e *RiskViolation) Error() string {
	return fmt.Sprintf("risk check %s failed: %s", e.Rule, e.Reason)
}

type ExecutionFailure struct {
	OrderID string
	Reason  string
}

func (e *ExecutionFailure) Error() string {
	return fmt.Sprintf("execution of order %s failed: %s", e.OrderID, e.Reason)
}

// SyncFailure is non-fatal; callers fall back to cached or synthetic data.
type SyncFailure struct {
	Source string
	Err    error
}

func (e *SyncFailure) Error() string {
	return fmt.Sprintf("sync from %s failed: %v", e.Source, e.Err)
}

func (e *SyncFailure) Unwrap() error {
	return e.Err
}

type NotCancellableError struct {
	OrderID string
	Status  OrderStatus
}

func (e *NotCancellableError) Error() string {
	return fmt.Sprintf("order %s is not cancellable in status %s", e.OrderID, e.Status)
}
