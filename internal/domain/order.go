package domain

import "time"

type OrderStatus string

const (
	OrderStatusPending OrderStatus = "PENDING"
)

// Order is the persisted system of record for a completed checkout. The
// pricing core writes it once and never updates it.
type Order struct {
	ID                      string         `json:"id"`
	CheckoutSessionID       string         `json:"checkout_session_id"`
	OrderType               OrderType      `json:"order_type"`
	Status                  OrderStatus    `json:"status"`
	Customer                Customer       `json:"customer"`
	Items                   []CartLine     `json:"items"`
	Breakdown               PriceBreakdown `json:"breakdown"`
	DropoffAddress          *Address       `json:"dropoff_address,omitempty"`
	DeliveryQuoteExternalID string         `json:"delivery_quote_external_id,omitempty"`
	DeliveryID              string         `json:"delivery_id,omitempty"`
	GiftCardCode            string         `json:"gift_card_code,omitempty"`
	GiftCardAmountUsed      Cents          `json:"gift_card_amount_used"`
	PaymentIntentID         string         `json:"payment_intent_id,omitempty"`
	CreatedAt               time.Time      `json:"created_at"`
}
