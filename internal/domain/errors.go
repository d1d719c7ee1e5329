package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure that leaves the checkout orchestrator.
type ErrorKind string

const (
	KindInvalidCart         ErrorKind = "invalid_cart"
	KindInvalidContact      ErrorKind = "invalid_contact"
	KindAddressValidation   ErrorKind = "address_validation"
	KindQuoteProvider       ErrorKind = "quote_provider"
	KindGiftCardInvalid     ErrorKind = "gift_card_invalid"
	KindInsufficientBalance ErrorKind = "insufficient_balance"
	KindPaymentDeclined     ErrorKind = "payment_declined"
	KindPaymentProvider     ErrorKind = "payment_provider"
	KindDeliveryAcceptance  ErrorKind = "delivery_acceptance"
	KindPersistence         ErrorKind = "persistence"
	KindAmbiguousCommit     ErrorKind = "ambiguous_commit"
	KindRedemption          ErrorKind = "redemption"
	KindIllegalTransition   ErrorKind = "illegal_transition"
	KindSessionBusy         ErrorKind = "session_busy"
)

// Fatal kinds end the checkout session.
func (k ErrorKind) Fatal() bool {
	switch k {
	case KindDeliveryAcceptance, KindPersistence, KindAmbiguousCommit:
		return true
	}
	return false
}

// Retriable kinds can be retried with the same inputs.
func (k ErrorKind) Retriable() bool {
	switch k {
	case KindQuoteProvider, KindPaymentProvider, KindSessionBusy:
		return true
	}
	return false
}

// PostPayment kinds happen after the customer was charged; the customer must
// not pay again.
func (k ErrorKind) PostPayment() bool {
	return k == KindDeliveryAcceptance || k == KindAmbiguousCommit
}

// CheckoutError is the only error shape the orchestrator returns to callers.
// Fields carries per-field messages for inline display.
type CheckoutError struct {
	Kind    ErrorKind
	Message string
	Fields  map[string]string
	Err     error
}

func (e *CheckoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CheckoutError) Unwrap() error {
	return e.Err
}

func NewError(kind ErrorKind, message string, err error) *CheckoutError {
	return &CheckoutError{Kind: kind, Message: message, Err: err}
}

func NewFieldError(kind ErrorKind, message string, fields map[string]string) *CheckoutError {
	return &CheckoutError{Kind: kind, Message: message, Fields: fields}
}

// KindOf extracts the ErrorKind from an error chain.
func KindOf(err error) (ErrorKind, bool) {
	var ce *CheckoutError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}

func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
