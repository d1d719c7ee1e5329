package checkout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fjod/orderflow/internal/catalog"
	"github.com/fjod/orderflow/internal/delivery"
	d "github.com/fjod/orderflow/internal/domain"
	"github.com/fjod/orderflow/internal/giftcard"
	"github.com/fjod/orderflow/internal/payment"
	"github.com/fjod/orderflow/internal/reconciliation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireKind(t *testing.T, err error, kind d.ErrorKind) *d.CheckoutError {
	t.Helper()
	require.Error(t, err)
	var ce *d.CheckoutError
	require.True(t, errors.As(err, &ce), "expected CheckoutError, got %v", err)
	require.Equal(t, kind, ce.Kind, "unexpected error: %v", err)
	return ce
}

func openCases(t *testing.T, h *harness, reason reconciliation.Reason) []reconciliation.Case {
	t.Helper()
	all, err := h.recon.ListOpen(context.Background(), 0)
	require.NoError(t, err)
	var out []reconciliation.Case
	for _, c := range all {
		if c.Reason == reason {
			out = append(out, c)
		}
	}
	return out
}

func TestCheckout_PickupWithoutGiftCard(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s := h.startPickup(t, 0)
	assert.Equal(t, d.StepPayment, s.Step)
	assert.Equal(t, d.Cents(2000), s.Breakdown.Subtotal)
	assert.Equal(t, d.Cents(205), s.Breakdown.TaxAmount)
	assert.Equal(t, d.Cents(94), s.Breakdown.PaymentProcessorFee)
	assert.Equal(t, d.Cents(2299), s.Breakdown.TotalChargedToCard)

	s, err := h.orch.PreparePayment(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, s.PaymentIntent)
	assert.Equal(t, d.Cents(2299), s.PaymentIntent.AmountCents)

	s, err = h.orch.Complete(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, d.StepCommitted, s.Step)
	require.NotEmpty(t, s.OrderID)

	order, err := h.orch.GetOrder(ctx, s.OrderID)
	require.NoError(t, err)
	assert.Equal(t, d.Cents(2299), order.Breakdown.TotalChargedToCard)
	assert.Equal(t, s.PaymentIntent.ID, order.PaymentIntentID)

	status, _ := h.payments.IntentStatus(s.PaymentIntent.ID)
	assert.Equal(t, payment.StatusSucceeded, status)
	assert.Equal(t, []string{"confirm", "commit"}, h.calls.list())
}

func TestCheckout_DeliveryWithTip(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.fixedFee = 500 })
	ctx := context.Background()

	s := h.startDelivery(t, 300)
	assert.Equal(t, d.StepQuoteReview, s.Step)
	assert.True(t, s.Breakdown.Estimated)
	assert.Equal(t, "10118", s.DropoffAddress.PostalCode)

	s = h.quoteAndPay(t, s.ID)
	assert.Equal(t, d.StepPayment, s.Step)
	assert.False(t, s.Breakdown.Estimated)
	assert.Equal(t, d.Cents(500), s.Breakdown.DeliveryProviderFee)
	assert.Equal(t, d.Cents(100), s.Breakdown.MerchantDeliveryFee)
	assert.Equal(t, d.Cents(3105), s.Breakdown.ChargeableBeforeFee)
	assert.Equal(t, d.Cents(120), s.Breakdown.PaymentProcessorFee)
	assert.Equal(t, d.Cents(3225), s.Breakdown.TotalChargedToCard)

	s, err := h.orch.Complete(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, d.StepCommitted, s.Step)
	assert.Equal(t, d.QuoteStatusAccepted, s.DeliveryQuote.Status)
	assert.Equal(t, []string{"confirm", "accept", "commit"}, h.calls.list())

	order, err := h.orch.GetOrder(ctx, s.OrderID)
	require.NoError(t, err)
	assert.Equal(t, s.DeliveryQuote.ExternalID, order.DeliveryQuoteExternalID)
	assert.NotEmpty(t, order.DeliveryID)
	assert.Equal(t, 1, h.dispatch.Deliveries())
}

func TestCheckout_GiftCardCoversPickup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.memLedger.SetBalance("GIFT-25", 2500)

	s := h.startPickup(t, 0)
	s, err := h.orch.ApplyGiftCard(ctx, s.ID, " gift-25 ")
	require.NoError(t, err)
	assert.Equal(t, d.Cents(2205), s.Breakdown.GiftCardEligible)
	assert.Equal(t, d.Cents(2205), s.Breakdown.GiftCardDiscount)
	assert.Equal(t, d.Cents(0), s.Breakdown.ChargeableBeforeFee)
	assert.Equal(t, d.Cents(0), s.Breakdown.PaymentProcessorFee)
	assert.Equal(t, d.Cents(0), s.Breakdown.TotalChargedToCard)

	s, err = h.orch.PreparePayment(ctx, s.ID)
	require.NoError(t, err)
	assert.Nil(t, s.PaymentIntent)

	s, err = h.orch.Complete(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, d.StepCommitted, s.Step)
	h.orch.Wait()

	assert.Equal(t, 0, h.payments.IntentCount())
	balance, _ := h.memLedger.Balance("GIFT-25")
	assert.Equal(t, d.Cents(295), balance)

	order, err := h.orch.GetOrder(ctx, s.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "GIFT-25", order.GiftCardCode)
	assert.Equal(t, d.Cents(2205), order.GiftCardAmountUsed)
}

func TestCheckout_AcceptFailsAfterPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.memLedger.SetBalance("GIFT-5", 500)
	h.dispatch.AcceptErr = delivery.ErrProviderUnavailable

	s := h.startDelivery(t, 0)
	_, err := h.orch.ApplyGiftCard(ctx, s.ID, "GIFT-5")
	require.NoError(t, err)
	s = h.quoteAndPay(t, s.ID)

	s, err = h.orch.Complete(ctx, s.ID)
	ce := requireKind(t, err, d.KindDeliveryAcceptance)
	assert.True(t, ce.Kind.PostPayment())
	assert.Contains(t, ce.Message, "do not pay again")
	require.NotNil(t, s)
	assert.Equal(t, d.StepFailed, s.Step)
	assert.True(t, s.PaymentConfirmed)
	h.orch.Wait()

	assert.Equal(t, 0, h.orders.count())
	balance, _ := h.memLedger.Balance("GIFT-5")
	assert.Equal(t, d.Cents(500), balance, "gift card must not be redeemed")
	assert.Empty(t, h.memLedger.Redemptions())
	assert.Equal(t, []string{"confirm"}, h.calls.list())

	status, _ := h.payments.IntentStatus(s.PaymentIntent.ID)
	assert.Equal(t, payment.StatusSucceeded, status, "captured payment is not refunded automatically")

	cases := openCases(t, h, reconciliation.ReasonDeliveryAcceptance)
	require.Len(t, cases, 1)
	assert.Equal(t, s.ID, cases[0].SessionID)
	assert.Equal(t, s.PaymentIntent.ID, cases[0].PaymentIntentID)

	_, err = h.orch.Complete(ctx, s.ID)
	requireKind(t, err, d.KindIllegalTransition)
}

func TestRequestQuote_RetryReusesExternalID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.dispatch.FailNextQuotes = 1

	s := h.startDelivery(t, 0)
	s, err := h.orch.RequestQuote(ctx, s.ID)
	ce := requireKind(t, err, d.KindQuoteProvider)
	assert.True(t, ce.Kind.Retriable())
	require.NotNil(t, s.DeliveryQuote)
	assert.Equal(t, d.QuoteStatusPending, s.DeliveryQuote.Status)
	reserved := s.DeliveryQuote.ExternalID

	_, err = h.orch.ProceedToPayment(ctx, s.ID)
	requireKind(t, err, d.KindIllegalTransition)

	s, err = h.orch.RequestQuote(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, reserved, s.DeliveryQuote.ExternalID)
	assert.Equal(t, d.QuoteStatusQuoted, s.DeliveryQuote.Status)
	fee := s.DeliveryQuote.FeeCents

	s, err = h.orch.RequestQuote(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, reserved, s.DeliveryQuote.ExternalID)
	assert.Equal(t, fee, s.DeliveryQuote.FeeCents)
	assert.Equal(t, 3, h.dispatch.QuoteCalls())
	assert.Equal(t, 0, h.dispatch.Deliveries())
}

func TestRequestQuote_AddressRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.dispatch.RejectPostalCodes["10118"] = "address is outside the delivery area"

	s := h.startDelivery(t, 0)
	s, err := h.orch.RequestQuote(ctx, s.ID)
	ce := requireKind(t, err, d.KindAddressValidation)
	assert.Equal(t, "address is outside the delivery area", ce.Fields["dropoff_address"])
	assert.False(t, ce.Kind.Fatal())
	assert.Equal(t, d.StepQuoteReview, s.Step)

	// picking another address clears the error and rotates the quote id
	rejectedID := s.DeliveryQuote.ExternalID
	s, err = h.orch.SubmitContactInfo(ctx, s.ID, ContactInput{Customer: ada, AddressSuggestionID: "addr-2"})
	require.NoError(t, err)
	assert.Nil(t, s.DeliveryQuote)

	s, err = h.orch.RequestQuote(ctx, s.ID)
	require.NoError(t, err)
	assert.NotEqual(t, rejectedID, s.DeliveryQuote.ExternalID)
}

func TestSubmitContactInfo_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s, err := h.orch.Start(ctx, StartRequest{OrderType: d.OrderTypeDelivery, Lines: twoBurgers})
	require.NoError(t, err)

	_, err = h.orch.SubmitContactInfo(ctx, s.ID, ContactInput{Customer: ada, AddressSuggestionID: "addr-1"})
	requireKind(t, err, d.KindIllegalTransition)

	_, err = h.orch.ProceedToContact(ctx, s.ID)
	require.NoError(t, err)

	tests := []struct {
		name   string
		input  ContactInput
		kind   d.ErrorKind
		fields map[string]string
	}{
		{
			name:  "missing name and bad email",
			input: ContactInput{Customer: d.Customer{Email: "not-an-email"}, AddressSuggestionID: "addr-1"},
			kind:  d.KindInvalidContact,
			fields: map[string]string{
				"name":  "is required",
				"email": "must be a valid email address",
			},
		},
		{
			name:   "bad phone",
			input:  ContactInput{Customer: d.Customer{Name: "Ada", Email: "ada@example.com", Phone: "555"}, AddressSuggestionID: "addr-1"},
			kind:   d.KindInvalidContact,
			fields: map[string]string{"phone": "must be a phone number in international format, e.g. +14155550100"},
		},
		{
			name:   "free text address",
			input:  ContactInput{Customer: ada},
			kind:   d.KindAddressValidation,
			fields: map[string]string{"address_suggestion_id": "is required"},
		},
		{
			name:   "unknown suggestion",
			input:  ContactInput{Customer: ada, AddressSuggestionID: "addr-404"},
			kind:   d.KindAddressValidation,
			fields: map[string]string{"address_suggestion_id": "unknown or expired suggestion"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.SubmitContactInfo(ctx, s.ID, tt.input)
			ce := requireKind(t, err, tt.kind)
			assert.Equal(t, tt.fields, ce.Fields)
		})
	}

	got, err := h.orch.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, d.StepContactInfo, got.Step)
	assert.Nil(t, got.Customer)
}

func TestSetTip_ReplacesStaleIntent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s := h.startPickup(t, 0)
	s, err := h.orch.PreparePayment(ctx, s.ID)
	require.NoError(t, err)
	first := s.PaymentIntent
	require.NotNil(t, first)

	s, err = h.orch.SetTip(ctx, s.ID, 1000)
	require.NoError(t, err)
	assert.Equal(t, d.Cents(2299+1029), s.Breakdown.TotalChargedToCard)
	assert.Nil(t, s.PaymentIntent)
	status, _ := h.payments.IntentStatus(first.ID)
	assert.Equal(t, payment.StatusCanceled, status)

	// Complete prepares the replacement intent on its own
	s, err = h.orch.Complete(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, d.StepCommitted, s.Step)
	require.NotNil(t, s.PaymentIntent)
	assert.NotEqual(t, first.ID, s.PaymentIntent.ID)
	assert.Equal(t, d.Cents(3328), s.PaymentIntent.AmountCents)
	assert.Equal(t, 2, h.payments.IntentCount())
}

func TestSetTip_Negative(t *testing.T) {
	h := newHarness(t)
	s := h.startPickup(t, 200)

	s, err := h.orch.SetTip(context.Background(), s.ID, -1)
	requireKind(t, err, d.KindInvalidCart)
	assert.Equal(t, d.Cents(200), s.TipCents)
}

func TestPreparePayment_ReusesMatchingIntent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s := h.startPickup(t, 0)
	s, err := h.orch.PreparePayment(ctx, s.ID)
	require.NoError(t, err)
	first := s.PaymentIntent.ID

	s, err = h.orch.PreparePayment(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, first, s.PaymentIntent.ID)
	assert.Equal(t, 1, h.payments.IntentCount())
}

func TestComplete_DeclinedStaysAtPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.payments.SetOutcome(alwaysDecline{reason: payment.DeclineInsufficientFunds})

	s := h.startPickup(t, 0)
	s, err := h.orch.Complete(ctx, s.ID)
	ce := requireKind(t, err, d.KindPaymentDeclined)
	assert.Contains(t, ce.Message, "insufficient funds")
	assert.Equal(t, d.StepPayment, s.Step)
	assert.False(t, s.PaymentConfirmed)
	assert.Equal(t, 0, h.orders.count())

	h.payments.SetOutcome(payment.AlwaysApprove{})
	s, err = h.orch.Complete(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, d.StepCommitted, s.Step)
	assert.Equal(t, 1, h.payments.IntentCount())
}

func TestComplete_AmbiguousCommit(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.orders.Block = true
		h.commitTimeout = 20 * time.Millisecond
	})
	ctx := context.Background()

	s := h.startPickup(t, 0)
	s, err := h.orch.Complete(ctx, s.ID)
	ce := requireKind(t, err, d.KindAmbiguousCommit)
	assert.Contains(t, ce.Message, "order history")
	assert.Equal(t, d.StepFailed, s.Step)
	assert.True(t, s.CommitAttempted)

	require.Len(t, openCases(t, h, reconciliation.ReasonAmbiguousCommit), 1)
}

func TestComplete_PersistenceFailureCancelsDelivery(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.orders.CreateErr = errors.New("connection refused")
	})
	ctx := context.Background()

	s := h.startDelivery(t, 0)
	s = h.quoteAndPay(t, s.ID)

	s, err := h.orch.Complete(ctx, s.ID)
	requireKind(t, err, d.KindPersistence)
	assert.Equal(t, d.StepFailed, s.Step)

	status, ok := h.dispatch.Status(s.DeliveryQuote.ExternalID)
	require.True(t, ok)
	assert.Equal(t, d.QuoteStatusCancelled, status)
	require.Len(t, openCases(t, h, reconciliation.ReasonCommitFailed), 1)
}

func TestComplete_RefreshesExpiredQuote(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	h.dispatch.SetClock(func() time.Time { return clock })
	h.orch.now = func() time.Time { return clock }

	s := h.startDelivery(t, 0)
	s = h.quoteAndPay(t, s.ID)

	clock = base.Add(delivery.QuoteTTL + time.Minute)
	s, err := h.orch.Complete(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, d.StepCommitted, s.Step)
	assert.Equal(t, 2, h.dispatch.QuoteCalls())
}

func TestComplete_RedemptionFailureKeepsOrder(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.ledger = &FailingLedger{MemoryLedger: h.memLedger, RedeemErr: errors.New("ledger timeout")}
	})
	ctx := context.Background()
	h.memLedger.SetBalance("GIFT-10", 1000)

	s := h.startPickup(t, 0)
	_, err := h.orch.ApplyGiftCard(ctx, s.ID, "GIFT-10")
	require.NoError(t, err)

	s, err = h.orch.Complete(ctx, s.ID)
	require.NoError(t, err)
	h.orch.Wait()

	assert.Equal(t, d.StepCommitted, s.Step)
	_, err = h.orch.GetOrder(ctx, s.OrderID)
	require.NoError(t, err)

	cases := openCases(t, h, reconciliation.ReasonRedemptionFailed)
	require.Len(t, cases, 1)
	assert.Equal(t, s.OrderID, cases[0].OrderID)
	assert.Equal(t, "GIFT-10", cases[0].GiftCardCode)
	assert.Equal(t, d.Cents(1000), cases[0].AmountCents)
}

func TestComplete_SecondRedemptionOfSameCardRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.memLedger.SetBalance("SHARED", 2500)

	first := h.startPickup(t, 0)
	second := h.startPickup(t, 0)
	for _, s := range []*d.CheckoutSession{first, second} {
		got, err := h.orch.ApplyGiftCard(ctx, s.ID, "SHARED")
		require.NoError(t, err)
		assert.Equal(t, d.Cents(2205), got.Breakdown.GiftCardDiscount)
	}

	for _, s := range []*d.CheckoutSession{first, second} {
		got, err := h.orch.Complete(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, d.StepCommitted, got.Step)
	}
	h.orch.Wait()

	balance, _ := h.memLedger.Balance("SHARED")
	assert.Equal(t, d.Cents(295), balance)
	assert.Len(t, h.memLedger.Redemptions(), 1)
	assert.Len(t, openCases(t, h, reconciliation.ReasonRedemptionFailed), 1)
	assert.Equal(t, 2, h.orders.count())
}

func TestApplyGiftCard_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.memLedger.SetBalance("EMPTY", 0)

	s := h.startPickup(t, 0)

	_, err := h.orch.ApplyGiftCard(ctx, s.ID, "NOPE")
	requireKind(t, err, d.KindGiftCardInvalid)

	_, err = h.orch.ApplyGiftCard(ctx, s.ID, "EMPTY")
	requireKind(t, err, d.KindInsufficientBalance)

	_, err = h.orch.ApplyGiftCard(ctx, s.ID, "  ")
	requireKind(t, err, d.KindGiftCardInvalid)

	// checkout continues without the card
	got, err := h.orch.Complete(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, d.StepCommitted, got.Step)
	assert.Nil(t, got.GiftCard)
}

func TestRemoveGiftCard(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.memLedger.SetBalance("GIFT-10", 1000)

	s := h.startPickup(t, 0)
	s, err := h.orch.ApplyGiftCard(ctx, s.ID, "GIFT-10")
	require.NoError(t, err)
	assert.Equal(t, d.Cents(1000), s.Breakdown.GiftCardDiscount)

	s, err = h.orch.RemoveGiftCard(ctx, s.ID)
	require.NoError(t, err)
	assert.Nil(t, s.GiftCard)
	assert.Equal(t, d.Cents(2299), s.Breakdown.TotalChargedToCard)
}

func TestMutate_SessionBusy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.startPickup(t, 0)

	release, err := h.sessions.Lock(ctx, s.ID)
	require.NoError(t, err)

	_, err = h.orch.SetTip(ctx, s.ID, 500)
	ce := requireKind(t, err, d.KindSessionBusy)
	assert.True(t, ce.Kind.Retriable())

	release()
	_, err = h.orch.SetTip(ctx, s.ID, 500)
	require.NoError(t, err)
}

func TestAbandon_ReleasesIntent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s := h.startPickup(t, 0)
	s, err := h.orch.PreparePayment(ctx, s.ID)
	require.NoError(t, err)
	intentID := s.PaymentIntent.ID

	s, err = h.orch.Abandon(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, d.StepAbandoned, s.Step)
	assert.Nil(t, s.PaymentIntent)
	status, _ := h.payments.IntentStatus(intentID)
	assert.Equal(t, payment.StatusCanceled, status)

	_, err = h.orch.Abandon(ctx, s.ID)
	require.NoError(t, err)

	_, err = h.orch.Complete(ctx, s.ID)
	requireKind(t, err, d.KindIllegalTransition)
}

func TestAbandon_CleanupFailureDoesNotBlock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.payments.CancelErr = errors.New("processor down")

	s := h.startPickup(t, 0)
	_, err := h.orch.PreparePayment(ctx, s.ID)
	require.NoError(t, err)

	s, err = h.orch.Abandon(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, d.StepAbandoned, s.Step)
}

func TestAbandon_FromCart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s, err := h.orch.Start(ctx, StartRequest{OrderType: d.OrderTypePickup, Lines: twoBurgers})
	require.NoError(t, err)
	s, err = h.orch.Abandon(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, d.StepAbandoned, s.Step)
}

func TestStart_InvalidCart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  StartRequest
	}{
		{"empty cart", StartRequest{OrderType: d.OrderTypePickup}},
		{"unknown item", StartRequest{OrderType: d.OrderTypePickup, Lines: []catalog.LineRequest{{ItemID: "pizza", Quantity: 1}}}},
		{"zero quantity", StartRequest{OrderType: d.OrderTypePickup, Lines: []catalog.LineRequest{{ItemID: "burger", Quantity: 0}}}},
		{"bad order type", StartRequest{OrderType: "DRONE", Lines: twoBurgers}},
		{"negative tip", StartRequest{OrderType: d.OrderTypePickup, Lines: twoBurgers, Tip: -5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.Start(ctx, tt.req)
			requireKind(t, err, d.KindInvalidCart)
		})
	}
}

func TestStart_PricesModifiers(t *testing.T) {
	h := newHarness(t)
	s, err := h.orch.Start(context.Background(), StartRequest{
		OrderType: d.OrderTypePickup,
		Lines: []catalog.LineRequest{
			{ItemID: "burger", Quantity: 2, Modifiers: []catalog.ModifierChoice{{GroupID: "burger-extras", OptionName: "Bacon"}}},
			{ItemID: "fries", Quantity: 1},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, d.StepCart, s.Step)
	assert.Equal(t, d.Cents(2*1200+450), s.Breakdown.Subtotal)
}

func TestIllegalTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s, err := h.orch.Start(ctx, StartRequest{OrderType: d.OrderTypePickup, Lines: twoBurgers})
	require.NoError(t, err)

	_, err = h.orch.ProceedToPayment(ctx, s.ID)
	requireKind(t, err, d.KindIllegalTransition)

	_, err = h.orch.Complete(ctx, s.ID)
	requireKind(t, err, d.KindIllegalTransition)

	s = h.startPickup(t, 0)
	_, err = h.orch.RequestQuote(ctx, s.ID)
	requireKind(t, err, d.KindIllegalTransition)

	_, err = h.orch.Get(ctx, "missing")
	require.Error(t, err)
}

func TestBackNavigation_PickupResubmitsContact(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s := h.startPickup(t, 0)
	s, err := h.orch.SubmitContactInfo(ctx, s.ID, ContactInput{Customer: d.Customer{Name: "Grace Hopper", Email: "grace@example.com"}})
	require.NoError(t, err)
	assert.Equal(t, d.StepPayment, s.Step)
	assert.Equal(t, "Grace Hopper", s.Customer.Name)
}

func TestSuggestAddresses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out, err := h.orch.SuggestAddresses(ctx, "fifth")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "addr-1", out[0].ID)

	_, err = h.orch.SuggestAddresses(ctx, "ab")
	requireKind(t, err, d.KindAddressValidation)
}

var _ giftcard.Ledger = (*FailingLedger)(nil)

func TestComplete_LostConfirmAnswerChargesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.memLedger.SetBalance("GIFT-5", 500)
	h.authorizer.LostResponses = 1

	s := h.startPickup(t, 300)
	s, err := h.orch.Complete(ctx, s.ID)
	ce := requireKind(t, err, d.KindPaymentProvider)
	assert.True(t, ce.Kind.Retriable())
	assert.Contains(t, ce.Message, "not be charged twice")
	require.NotNil(t, s)
	assert.Equal(t, d.StepPayment, s.Step)
	assert.True(t, s.PaymentPending)
	assert.False(t, s.PaymentConfirmed)
	intentID := s.PaymentIntent.ID
	total := s.Breakdown.TotalChargedToCard
	status, _ := h.payments.IntentStatus(intentID)
	require.Equal(t, payment.StatusSucceeded, status)

	_, err = h.orch.SetTip(ctx, s.ID, 500)
	requireKind(t, err, d.KindIllegalTransition)
	_, err = h.orch.ApplyGiftCard(ctx, s.ID, "GIFT-5")
	requireKind(t, err, d.KindIllegalTransition)
	_, err = h.orch.RemoveGiftCard(ctx, s.ID)
	requireKind(t, err, d.KindIllegalTransition)
	_, err = h.orch.SubmitContactInfo(ctx, s.ID, ContactInput{Customer: ada})
	requireKind(t, err, d.KindIllegalTransition)
	s, err = h.orch.PreparePayment(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, intentID, s.PaymentIntent.ID)

	s, err = h.orch.Complete(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, d.StepCommitted, s.Step)
	assert.False(t, s.PaymentPending)
	assert.Equal(t, intentID, s.PaymentIntent.ID)
	assert.Equal(t, d.Cents(300), s.TipCents)
	assert.Equal(t, total, s.Breakdown.TotalChargedToCard)

	assert.Equal(t, 1, h.payments.IntentCount())
	assert.Equal(t, 1, h.orders.count())
	assert.Empty(t, openCases(t, h, reconciliation.ReasonOrphanedCapture))
}

func TestAbandon_PendingPaymentThatWentThrough(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.authorizer.LostResponses = 1

	s := h.startPickup(t, 0)
	_, err := h.orch.Complete(ctx, s.ID)
	requireKind(t, err, d.KindPaymentProvider)

	s, err = h.orch.Abandon(ctx, s.ID)
	requireKind(t, err, d.KindIllegalTransition)
	require.NotNil(t, s)
	assert.Equal(t, d.StepPayment, s.Step)
	assert.True(t, s.PaymentConfirmed)
	assert.False(t, s.PaymentPending)

	s, err = h.orch.Complete(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, d.StepCommitted, s.Step)
	assert.Equal(t, 1, h.payments.IntentCount())
	assert.Equal(t, 1, h.orders.count())
}

func TestAbandon_PendingPaymentNeverCharged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.payments.ConfirmErr = context.DeadlineExceeded

	s := h.startPickup(t, 0)
	s, err := h.orch.Complete(ctx, s.ID)
	requireKind(t, err, d.KindPaymentProvider)
	require.True(t, s.PaymentPending)
	intentID := s.PaymentIntent.ID

	s, err = h.orch.Abandon(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, d.StepAbandoned, s.Step)
	assert.False(t, s.PaymentPending)
	assert.Nil(t, s.PaymentIntent)
	status, _ := h.payments.IntentStatus(intentID)
	assert.Equal(t, payment.StatusCanceled, status)
}

func TestAbandon_PendingPaymentUnverifiable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.payments.ConfirmErr = context.DeadlineExceeded

	s := h.startPickup(t, 0)
	_, err := h.orch.Complete(ctx, s.ID)
	requireKind(t, err, d.KindPaymentProvider)

	h.payments.CancelErr = errors.New("processor down")
	s, err = h.orch.Abandon(ctx, s.ID)
	requireKind(t, err, d.KindPaymentProvider)
	assert.Equal(t, d.StepPayment, s.Step)
	assert.True(t, s.PaymentPending)
}

func TestReleaseIntent_CapturedIntentIsReconciled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	intent, err := h.payments.CreateIntent(ctx, payment.IntentRequest{Amount: 2299, IdempotencyKey: "k"})
	require.NoError(t, err)
	_, err = h.payments.Confirm(ctx, intent.ClientSecret)
	require.NoError(t, err)

	h.orch.releaseIntent(ctx, "session-1", intent.ID, intent.Amount)

	cases := openCases(t, h, reconciliation.ReasonOrphanedCapture)
	require.Len(t, cases, 1)
	assert.Equal(t, "session-1", cases[0].SessionID)
	assert.Equal(t, intent.ID, cases[0].PaymentIntentID)
	assert.Equal(t, d.Cents(2299), cases[0].AmountCents)
}

func TestSubmitContactInfo_NewAddressCancelsPricedQuote(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s := h.startDelivery(t, 0)
	s, err := h.orch.RequestQuote(ctx, s.ID)
	require.NoError(t, err)
	oldID := s.DeliveryQuote.ExternalID

	s, err = h.orch.SubmitContactInfo(ctx, s.ID, ContactInput{Customer: ada, AddressSuggestionID: "addr-2"})
	require.NoError(t, err)
	assert.Nil(t, s.DeliveryQuote)
	status, ok := h.dispatch.Status(oldID)
	require.True(t, ok)
	assert.Equal(t, d.QuoteStatusCancelled, status)

	// resubmitting the same address keeps the quote
	s, err = h.orch.RequestQuote(ctx, s.ID)
	require.NoError(t, err)
	keptID := s.DeliveryQuote.ExternalID
	s, err = h.orch.SubmitContactInfo(ctx, s.ID, ContactInput{Customer: ada, AddressSuggestionID: "addr-2"})
	require.NoError(t, err)
	require.NotNil(t, s.DeliveryQuote)
	assert.Equal(t, keptID, s.DeliveryQuote.ExternalID)
	status, _ = h.dispatch.Status(keptID)
	assert.Equal(t, d.QuoteStatusQuoted, status)
}

func TestComplete_RequestDeadlineStillStoresFailed(t *testing.T) {
	h := newHarness(t, withRedisSessions(t))

	s := h.startDelivery(t, 0)
	s = h.quoteAndPay(t, s.ID)
	h.deliveries.BlockAccept = true

	reqCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := h.orch.Complete(reqCtx, s.ID)
	requireKind(t, err, d.KindDeliveryAcceptance)
	require.ErrorIs(t, reqCtx.Err(), context.DeadlineExceeded)

	ctx := context.Background()
	stored, err := h.sessions.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, d.StepFailed, stored.Step)
	assert.True(t, stored.PaymentConfirmed)
	require.Len(t, openCases(t, h, reconciliation.ReasonDeliveryAcceptance), 1)

	// the lock was released and the failed session is not accepted again
	_, err = h.orch.Complete(ctx, s.ID)
	requireKind(t, err, d.KindIllegalTransition)
	assert.Equal(t, 0, h.dispatch.AcceptCalls())
}
