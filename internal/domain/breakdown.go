package domain

// PriceBreakdown is derived from the cart, order type, delivery quote, tip and
// gift card. It is recomputed whenever any of those inputs change.
type PriceBreakdown struct {
	Subtotal            Cents `json:"subtotal"`
	TaxAmount           Cents `json:"tax_amount"`
	DeliveryProviderFee Cents `json:"delivery_provider_fee"`
	MerchantDeliveryFee Cents `json:"merchant_delivery_fee"`
	Tip                 Cents `json:"tip"`
	GiftCardEligible    Cents `json:"gift_card_eligible"`
	GiftCardDiscount    Cents `json:"gift_card_discount"`
	ChargeableBeforeFee Cents `json:"chargeable_before_fee"`
	PaymentProcessorFee Cents `json:"payment_processor_fee"`
	TotalChargedToCard  Cents `json:"total_charged_to_card"`
	OrderFaceValue      Cents `json:"order_face_value"`

	// Estimated marks a delivery breakdown computed before a provider quote
	// exists. Such totals are advisory and never drive a payment.
	Estimated bool `json:"estimated"`
}

// RequiresPayment reports whether a card payment has to be collected.
func (b PriceBreakdown) RequiresPayment() bool {
	return b.TotalChargedToCard > 0
}
