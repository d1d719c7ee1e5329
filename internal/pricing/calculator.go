package pricing

import (
	"errors"
	"fmt"

	d "github.com/fjod/orderflow/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrEmptyCart        = errors.New("cart is empty, nothing to checkout")
	ErrInvalidQuantity  = errors.New("quantity must be at least 1")
	ErrNegativePrice    = errors.New("price cannot be negative")
	ErrNegativeTip      = errors.New("tip cannot be negative")
	ErrNegativeFee      = errors.New("delivery fee cannot be negative")
	ErrInvalidOrderType = errors.New("order type must be PICKUP or DELIVERY")
)

// Config holds the tenant pricing parameters.
type Config struct {
	TaxRate             decimal.Decimal
	MerchantDeliveryFee d.Cents
	ProcessorFeeRate    decimal.Decimal
	ProcessorFeeFixed   d.Cents
}

func DefaultConfig() Config {
	return Config{
		TaxRate:             decimal.RequireFromString("0.1025"),
		MerchantDeliveryFee: 100,
		ProcessorFeeRate:    decimal.RequireFromString("0.029"),
		ProcessorFeeFixed:   30,
	}
}

// Input is everything a breakdown depends on. DeliveryFee is nil until the
// dispatch provider has quoted.
type Input struct {
	Cart        []d.CartLine
	OrderType   d.OrderType
	DeliveryFee *d.Cents
	Tip         d.Cents
	GiftCard    *d.GiftCardApplication
}

// Calculator computes price breakdowns. It performs no I/O.
type Calculator struct {
	cfg Config
}

func NewCalculator(cfg Config) *Calculator {
	return &Calculator{cfg: cfg}
}

func (c *Calculator) Config() Config {
	return c.cfg
}

// Subtotal sums (unit price + modifiers) * quantity over all lines.
func Subtotal(cart []d.CartLine) (d.Cents, error) {
	if len(cart) == 0 {
		return 0, d.NewError(d.KindInvalidCart, "cart is empty", ErrEmptyCart)
	}
	var subtotal d.Cents
	for i, line := range cart {
		if line.Quantity <= 0 {
			return 0, invalidLine(i, line, ErrInvalidQuantity)
		}
		if line.UnitPrice < 0 {
			return 0, invalidLine(i, line, ErrNegativePrice)
		}
		for _, m := range line.SelectedModifiers {
			if m.UnitPrice < 0 {
				return 0, invalidLine(i, line, ErrNegativePrice)
			}
		}
		subtotal += line.LineTotal()
	}
	return subtotal, nil
}

func invalidLine(i int, line d.CartLine, err error) error {
	return d.NewError(d.KindInvalidCart, fmt.Sprintf("cart line %d (%s) is invalid", i, line.ItemID), err)
}

// Compute returns the full breakdown for in.
func (c *Calculator) Compute(in Input) (d.PriceBreakdown, error) {
	if !in.OrderType.Valid() {
		return d.PriceBreakdown{}, d.NewError(d.KindInvalidCart, "unknown order type", ErrInvalidOrderType)
	}
	if in.Tip < 0 {
		return d.PriceBreakdown{}, d.NewError(d.KindInvalidCart, "tip is invalid", ErrNegativeTip)
	}

	subtotal, err := Subtotal(in.Cart)
	if err != nil {
		return d.PriceBreakdown{}, err
	}

	b := d.PriceBreakdown{
		Subtotal:  subtotal,
		TaxAmount: subtotal.MulRate(c.cfg.TaxRate),
		Tip:       in.Tip,
	}

	if in.OrderType == d.OrderTypeDelivery {
		b.MerchantDeliveryFee = c.cfg.MerchantDeliveryFee
		if in.DeliveryFee == nil {
			b.Estimated = true
		} else {
			if *in.DeliveryFee < 0 {
				return d.PriceBreakdown{}, d.NewError(d.KindQuoteProvider, "provider returned an invalid fee", ErrNegativeFee)
			}
			b.DeliveryProviderFee = *in.DeliveryFee
		}
	}

	// gift cards only ever offset food and tax
	b.GiftCardEligible = b.Subtotal + b.TaxAmount
	if in.GiftCard != nil {
		b.GiftCardDiscount = d.MaxCents(0, d.MinCents(in.GiftCard.AmountToUse, b.GiftCardEligible))
	}

	b.ChargeableBeforeFee = d.MaxCents(0, b.GiftCardEligible-b.GiftCardDiscount) +
		b.DeliveryProviderFee + b.MerchantDeliveryFee + b.Tip

	if b.ChargeableBeforeFee > 0 {
		b.PaymentProcessorFee = b.ChargeableBeforeFee.MulRate(c.cfg.ProcessorFeeRate) + c.cfg.ProcessorFeeFixed
	}
	b.TotalChargedToCard = b.ChargeableBeforeFee + b.PaymentProcessorFee
	b.OrderFaceValue = b.GiftCardEligible + b.DeliveryProviderFee + b.MerchantDeliveryFee + b.Tip

	return b, nil
}
