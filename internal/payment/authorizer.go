package payment

import (
	"context"
	"errors"

	d "github.com/fjod/orderflow/internal/domain"
)

var (
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	ErrIntentNotFound      = errors.New("payment intent not found")
	ErrInvalidAmount       = errors.New("payment amount must be positive")
	// ErrAlreadyCaptured is returned by Cancel for an intent that was charged.
	ErrAlreadyCaptured = errors.New("payment intent already captured")
)

type DeclineReason string

const (
	DeclineInsufficientFunds DeclineReason = "insufficient_funds"
	DeclineCardExpired       DeclineReason = "expired_card"
	DeclineFraudSuspected    DeclineReason = "fraudulent"
	DeclineGeneric           DeclineReason = "generic_decline"
)

// DeclinedError is a business rejection by the card network. The customer
// may retry with another payment method.
type DeclinedError struct {
	Reason DeclineReason
}

func (e *DeclinedError) Error() string {
	return "payment declined: " + string(e.Reason)
}

type IntentRequest struct {
	Amount         d.Cents
	Subtotal       d.Cents
	Tax            d.Cents
	DeliveryFee    d.Cents
	IdempotencyKey string
	SessionID      string
}

type Intent struct {
	ID           string
	ClientSecret string
	Amount       d.Cents
}

type Confirmation struct {
	IntentID string
	Status   string
}

// Authorizer wraps a payment processor. Amount must be the final total for
// the current breakdown; a changed amount requires a new intent.
type Authorizer interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	Confirm(ctx context.Context, clientSecret string) (Confirmation, error)
	Cancel(ctx context.Context, intentID string) error
}
