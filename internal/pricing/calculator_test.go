package pricing

import (
	"testing"

	d "github.com/fjod/orderflow/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoTenDollarItems() []d.CartLine {
	return []d.CartLine{{ItemID: "burger", UnitPrice: 1000, Quantity: 2}}
}

func fee(c d.Cents) *d.Cents {
	return &c
}

func TestCompute_PickupNoExtras(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	b, err := calc.Compute(Input{Cart: twoTenDollarItems(), OrderType: d.OrderTypePickup})
	require.NoError(t, err)

	assert.Equal(t, d.Cents(2000), b.Subtotal)
	assert.Equal(t, d.Cents(205), b.TaxAmount)
	assert.Equal(t, d.Cents(2205), b.ChargeableBeforeFee)
	assert.Equal(t, d.Cents(94), b.PaymentProcessorFee)
	assert.Equal(t, d.Cents(2299), b.TotalChargedToCard)
	assert.Zero(t, b.DeliveryProviderFee)
	assert.Zero(t, b.MerchantDeliveryFee)
	assert.False(t, b.Estimated)
}

func TestCompute_DeliveryWithQuoteAndTip(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	b, err := calc.Compute(Input{
		Cart:        twoTenDollarItems(),
		OrderType:   d.OrderTypeDelivery,
		DeliveryFee: fee(500),
		Tip:         300,
	})
	require.NoError(t, err)

	assert.Equal(t, d.Cents(500), b.DeliveryProviderFee)
	assert.Equal(t, d.Cents(100), b.MerchantDeliveryFee)
	assert.Equal(t, d.Cents(3105), b.ChargeableBeforeFee)
	assert.Equal(t, d.Cents(120), b.PaymentProcessorFee)
	assert.Equal(t, d.Cents(3225), b.TotalChargedToCard)
	assert.Equal(t, d.Cents(3105), b.OrderFaceValue)
}

func TestCompute_GiftCardCoversEverything(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	b, err := calc.Compute(Input{
		Cart:      twoTenDollarItems(),
		OrderType: d.OrderTypePickup,
		GiftCard:  &d.GiftCardApplication{Code: "GC-1", BalanceAtValidationTime: 2500, AmountToUse: 2500},
	})
	require.NoError(t, err)

	assert.Equal(t, d.Cents(2205), b.GiftCardEligible)
	assert.Equal(t, d.Cents(2205), b.GiftCardDiscount)
	assert.Zero(t, b.ChargeableBeforeFee)
	assert.Zero(t, b.PaymentProcessorFee)
	assert.Zero(t, b.TotalChargedToCard)
	assert.False(t, b.RequiresPayment())
}

func TestCompute_DeliveryWithoutQuoteIsEstimated(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	b, err := calc.Compute(Input{Cart: twoTenDollarItems(), OrderType: d.OrderTypeDelivery})
	require.NoError(t, err)

	assert.True(t, b.Estimated)
	assert.Zero(t, b.DeliveryProviderFee)
	assert.Equal(t, d.Cents(100), b.MerchantDeliveryFee)
}

func TestCompute_GiftCardNeverOffsetsDeliveryOrTip(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	for _, tip := range []d.Cents{0, 300, 10_000} {
		for _, deliveryFee := range []d.Cents{0, 500, 99_999} {
			b, err := calc.Compute(Input{
				Cart:        twoTenDollarItems(),
				OrderType:   d.OrderTypeDelivery,
				DeliveryFee: fee(deliveryFee),
				Tip:         tip,
				GiftCard:    &d.GiftCardApplication{Code: "BIG", BalanceAtValidationTime: 1_000_000, AmountToUse: 1_000_000},
			})
			require.NoError(t, err)

			assert.LessOrEqual(t, b.GiftCardDiscount, b.Subtotal+b.TaxAmount)
			assert.Equal(t, deliveryFee+100+tip, b.ChargeableBeforeFee)
		}
	}
}

func TestCompute_GiftCardCappedByAmountToUse(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	app := &d.GiftCardApplication{Code: "SMALL", BalanceAtValidationTime: 500, AmountToUse: 500}
	b, err := calc.Compute(Input{Cart: twoTenDollarItems(), OrderType: d.OrderTypePickup, GiftCard: app})
	require.NoError(t, err)

	assert.Equal(t, d.Cents(500), b.GiftCardDiscount)
	assert.LessOrEqual(t, b.GiftCardDiscount, app.BalanceAtValidationTime)
	assert.Equal(t, d.Cents(1705), b.ChargeableBeforeFee)
}

func TestCompute_TipMonotonicity(t *testing.T) {
	calc := NewCalculator(DefaultConfig())
	in := Input{Cart: twoTenDollarItems(), OrderType: d.OrderTypeDelivery, DeliveryFee: fee(500)}

	base, err := calc.Compute(in)
	require.NoError(t, err)

	in.Tip = 1000
	tipped, err := calc.Compute(in)
	require.NoError(t, err)

	// 1000 + 1000*0.029
	assert.Equal(t, d.Cents(1029), tipped.TotalChargedToCard-base.TotalChargedToCard)
}

func TestSubtotal_Additivity(t *testing.T) {
	cart := []d.CartLine{
		{ItemID: "pizza", UnitPrice: 1200, Quantity: 1, SelectedModifiers: []d.SelectedModifier{
			{GroupID: "size", OptionName: "large", UnitPrice: 300},
			{GroupID: "crust", OptionName: "stuffed", UnitPrice: 150},
		}},
		{ItemID: "soda", UnitPrice: 250, Quantity: 3},
	}

	total, err := Subtotal(cart)
	require.NoError(t, err)
	assert.Equal(t, d.Cents(1650+750), total)

	cart[1].Quantity = 5
	changed, err := Subtotal(cart)
	require.NoError(t, err)
	assert.Equal(t, d.Cents(1650+1250), changed)
	assert.Equal(t, d.Cents(1650), cart[0].LineTotal())
}

func TestCompute_InvalidCarts(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	cases := []struct {
		name string
		cart []d.CartLine
		err  error
	}{
		{"empty", nil, ErrEmptyCart},
		{"zero quantity", []d.CartLine{{ItemID: "a", UnitPrice: 100, Quantity: 0}}, ErrInvalidQuantity},
		{"negative quantity", []d.CartLine{{ItemID: "a", UnitPrice: 100, Quantity: -1}}, ErrInvalidQuantity},
		{"negative price", []d.CartLine{{ItemID: "a", UnitPrice: -1, Quantity: 1}}, ErrNegativePrice},
		{"negative modifier", []d.CartLine{{ItemID: "a", UnitPrice: 100, Quantity: 1,
			SelectedModifiers: []d.SelectedModifier{{GroupID: "g", OptionName: "o", UnitPrice: -5}}}}, ErrNegativePrice},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := calc.Compute(Input{Cart: c.cart, OrderType: d.OrderTypePickup})
			assert.ErrorIs(t, err, c.err)
			assert.True(t, d.IsKind(err, d.KindInvalidCart))
		})
	}
}

func TestCompute_NegativeTipRejected(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	_, err := calc.Compute(Input{Cart: twoTenDollarItems(), OrderType: d.OrderTypePickup, Tip: -1})
	assert.ErrorIs(t, err, ErrNegativeTip)
}

func TestCompute_ConfigurableProcessorFee(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ProcessorFeeFixed = 0
	calc := NewCalculator(cfg)

	b, err := calc.Compute(Input{Cart: twoTenDollarItems(), OrderType: d.OrderTypePickup})
	require.NoError(t, err)
	assert.Equal(t, d.Cents(64), b.PaymentProcessorFee)
}
