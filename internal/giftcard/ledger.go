package giftcard

import (
	"context"
	"errors"

	d "github.com/fjod/orderflow/internal/domain"
)

var (
	ErrNotFound            = errors.New("gift card not found")
	ErrInsufficientBalance = errors.New("insufficient gift card balance")
	ErrInvalidCode         = errors.New("gift card code is required")
	ErrInvalidAmount       = errors.New("redemption amount must be positive")
)

type ValidationResult struct {
	Valid        bool
	BalanceCents d.Cents
	Reason       string
}

type RedemptionRequest struct {
	Code        string
	AmountCents d.Cents
	OrderID     string
	Notes       string
}

type RedemptionResult struct {
	Success         bool
	NewBalanceCents d.Cents
}

// Ledger is the store of record for gift card balances.
//
// Redeem must be atomic: it rejects with ErrInsufficientBalance when
// AmountCents exceeds the balance at redemption time, which may be lower than
// the balance seen by Validate if the same code is used concurrently.
// Redeeming twice for the same (code, order) pair returns the first result.
type Ledger interface {
	Validate(ctx context.Context, code string) (ValidationResult, error)
	Redeem(ctx context.Context, req RedemptionRequest) (RedemptionResult, error)
}
