package domain

import "time"

type QuoteStatus string

const (
	QuoteStatusPending   QuoteStatus = "PENDING" // external id reserved, no fee yet
	QuoteStatusQuoted    QuoteStatus = "QUOTED"
	QuoteStatusAccepted  QuoteStatus = "ACCEPTED"
	QuoteStatusCancelled QuoteStatus = "CANCELLED"
	QuoteStatusExpired   QuoteStatus = "EXPIRED"
)

// DeliveryQuote tracks the dispatch provider quote for a session. ExternalID
// is generated by us and reused on retries so the provider deduplicates them.
type DeliveryQuote struct {
	ExternalID string      `json:"external_id"`
	FeeCents   Cents       `json:"fee_cents"`
	Status     QuoteStatus `json:"status"`
	DeliveryID string      `json:"delivery_id,omitempty"`
	QuotedAt   time.Time   `json:"quoted_at,omitzero"`
	ExpiresAt  time.Time   `json:"expires_at,omitzero"`
}

// Priced reports whether the quote carries a provider fee usable for payment.
func (q *DeliveryQuote) Priced() bool {
	return q != nil && (q.Status == QuoteStatusQuoted || q.Status == QuoteStatusAccepted)
}

// GiftCardApplication is created when a code validates. AmountToUse is fixed at
// application time and only ever shrinks when the eligible amount drops.
type GiftCardApplication struct {
	Code                    string `json:"code"`
	BalanceAtValidationTime Cents  `json:"balance_at_validation_time"`
	AmountToUse             Cents  `json:"amount_to_use"`
}

type Customer struct {
	Name  string `json:"name" validate:"required,min=2,max=100"`
	Email string `json:"email" validate:"required,email"`
	Phone string `json:"phone,omitempty" validate:"omitempty,e164"`
}

// Address is a provider-confirmed dropoff address. It can only be obtained by
// resolving an address suggestion id.
type Address struct {
	SuggestionID string  `json:"suggestion_id"`
	Formatted    string  `json:"formatted"`
	Line1        string  `json:"line1"`
	Line2        string  `json:"line2,omitempty"`
	City         string  `json:"city"`
	State        string  `json:"state"`
	PostalCode   string  `json:"postal_code"`
	Lat          float64 `json:"lat"`
	Lng          float64 `json:"lng"`
}

type PaymentIntentRef struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	AmountCents  Cents  `json:"amount_cents"`
}

// CheckoutSession is owned by exactly one browser session and is never
// mutated by two requests at once.
type CheckoutSession struct {
	ID               string               `json:"id"`
	Step             Step                 `json:"step"`
	OrderType        OrderType            `json:"order_type"`
	Cart             []CartLine           `json:"cart"`
	TipCents         Cents                `json:"tip_cents"`
	Customer         *Customer            `json:"customer,omitempty"`
	DropoffAddress   *Address             `json:"dropoff_address,omitempty"`
	Breakdown        PriceBreakdown       `json:"breakdown"`
	GiftCard         *GiftCardApplication `json:"gift_card,omitempty"`
	DeliveryQuote    *DeliveryQuote       `json:"delivery_quote,omitempty"`
	PaymentIntent    *PaymentIntentRef    `json:"payment_intent,omitempty"`
	IntentGeneration int                  `json:"intent_generation"`
	PaymentConfirmed bool                 `json:"payment_confirmed"`
	// PaymentPending is set when confirming PaymentIntent ended without an
	// answer; the card may have been charged, so the amount is frozen until a
	// re-confirm or a cancel of that same intent settles it.
	PaymentPending bool `json:"payment_pending"`
	CommitAttempted  bool                 `json:"commit_attempted"`
	OrderID          string               `json:"order_id,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

func (s *CheckoutSession) IsDelivery() bool {
	return s.OrderType == OrderTypeDelivery
}
