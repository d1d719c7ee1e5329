package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	d "github.com/fjod/orderflow/internal/domain"
)

var (
	ErrProviderUnavailable = errors.New("delivery provider unavailable")
	ErrQuoteNotFound       = errors.New("delivery quote not found")
	ErrQuoteExpired        = errors.New("delivery quote expired")
	ErrQuoteCancelled      = errors.New("delivery quote cancelled")
	ErrSuggestionNotFound  = errors.New("address suggestion not found")
)

// AddressValidationError carries the provider's per-field messages verbatim.
// The user must pick a different address; retrying the same input fails again.
type AddressValidationError struct {
	Fields map[string]string
}

func (e *AddressValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "dropoff address rejected by delivery provider"
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "dropoff address rejected: " + strings.Join(parts, "; ")
}

type Item struct {
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	Price    d.Cents `json:"price"`
}

type QuoteRequest struct {
	ExternalID string
	Dropoff    d.Address
	OrderValue d.Cents
	Tip        d.Cents
	Items      []Item
}

type Quote struct {
	ExternalID string
	Fee        d.Cents
	ExpiresAt  time.Time
}

type Acceptance struct {
	ExternalID string
	DeliveryID string
}

type Suggestion struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// Client wraps a third-party dispatch API. CreateQuote is idempotent per
// ExternalID; AcceptQuote turns a quote into a binding delivery.
type Client interface {
	CreateQuote(ctx context.Context, req QuoteRequest) (Quote, error)
	AcceptQuote(ctx context.Context, externalID string, tip d.Cents) (Acceptance, error)
	Cancel(ctx context.Context, externalID string) error
	SuggestAddresses(ctx context.Context, query string) ([]Suggestion, error)
	ResolveSuggestion(ctx context.Context, suggestionID string) (d.Address, error)
}

// ItemsFromCart maps cart lines to the provider's item list.
func ItemsFromCart(cart []d.CartLine) []Item {
	items := make([]Item, len(cart))
	for i, line := range cart {
		items[i] = Item{Name: line.Name, Quantity: line.Quantity, Price: line.UnitTotal()}
	}
	return items
}
