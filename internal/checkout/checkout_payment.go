package checkout

import (
	"context"
	"fmt"

	d "github.com/fjod/orderflow/internal/domain"
	"github.com/fjod/orderflow/internal/payment"
)

// PreparePayment makes sure the session holds an intent for exactly the
// current total. Fully covered orders get no intent at all.
func (o *Orchestrator) PreparePayment(ctx context.Context, id string) (*d.CheckoutSession, error) {
	return o.mutate(ctx, "prepare_payment", id, func(ctx context.Context, s *d.CheckoutSession) error {
		if err := requireStep(s, d.StepPayment); err != nil {
			return err
		}
		if s.PaymentConfirmed || s.PaymentPending {
			return nil
		}
		if s.IsDelivery() && !s.DeliveryQuote.Priced() {
			return d.NewError(d.KindIllegalTransition, "a delivery quote is required before payment", nil)
		}
		if err := o.recompute(s); err != nil {
			return err
		}
		return o.ensureIntent(ctx, s)
	})
}

func (o *Orchestrator) ensureIntent(ctx context.Context, s *d.CheckoutSession) error {
	o.invalidateStaleIntent(ctx, s)
	if !s.Breakdown.RequiresPayment() {
		return nil
	}
	if s.PaymentIntent != nil {
		return nil
	}

	b := s.Breakdown
	intent, err := o.payment.createIntent(ctx, payment.IntentRequest{
		Amount:         b.TotalChargedToCard,
		Subtotal:       b.Subtotal,
		Tax:            b.TaxAmount,
		DeliveryFee:    b.DeliveryProviderFee + b.MerchantDeliveryFee,
		IdempotencyKey: fmt.Sprintf("%s:%d:%d", s.ID, b.TotalChargedToCard, s.IntentGeneration),
		SessionID:      s.ID,
	})
	if err != nil {
		o.log.WarnContext(ctx, "payment intent creation failed",
			"session_id", s.ID, "amount_cents", b.TotalChargedToCard, "error", err)
		return d.NewError(d.KindPaymentProvider, "payment is temporarily unavailable, try again", err)
	}
	if intent.Amount != b.TotalChargedToCard {
		o.releaseIntent(ctx, s.ID, intent.ID, intent.Amount)
		return d.NewError(d.KindPaymentProvider, "payment provider returned a mismatched amount",
			fmt.Errorf("intent %s amount %s, expected %s", intent.ID, intent.Amount, b.TotalChargedToCard))
	}

	s.PaymentIntent = &d.PaymentIntentRef{
		ID:           intent.ID,
		ClientSecret: intent.ClientSecret,
		AmountCents:  intent.Amount,
	}
	o.log.InfoContext(ctx, "payment intent created",
		"session_id", s.ID, "intent_id", intent.ID, "amount_cents", intent.Amount)
	return nil
}
