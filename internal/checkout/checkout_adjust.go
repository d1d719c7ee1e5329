package checkout

import (
	"context"

	d "github.com/fjod/orderflow/internal/domain"
	"github.com/fjod/orderflow/internal/pricing"
)

// SetTip changes the tip. The quote is kept; the tip reaches the provider at
// accept time. An existing payment intent for another amount is replaced on
// the next payment preparation.
func (o *Orchestrator) SetTip(ctx context.Context, id string, tip d.Cents) (*d.CheckoutSession, error) {
	return o.mutate(ctx, "set_tip", id, func(ctx context.Context, s *d.CheckoutSession) error {
		if err := o.requireAdjustable(s); err != nil {
			return err
		}
		if tip < 0 {
			return d.NewFieldError(d.KindInvalidCart, "tip cannot be negative",
				map[string]string{"tip_cents": "must not be negative"})
		}
		previous := s.TipCents
		s.TipCents = tip
		if err := o.recompute(s); err != nil {
			s.TipCents = previous
			return err
		}
		o.invalidateStaleIntent(ctx, s)
		return nil
	})
}

// ApplyGiftCard validates a code and caps its use at subtotal + tax. A failure
// leaves the session usable without a card.
func (o *Orchestrator) ApplyGiftCard(ctx context.Context, id, code string) (*d.CheckoutSession, error) {
	return o.mutate(ctx, "apply_gift_card", id, func(ctx context.Context, s *d.CheckoutSession) error {
		if err := o.requireAdjustable(s); err != nil {
			return err
		}
		subtotal, err := pricing.Subtotal(s.Cart)
		if err != nil {
			return err
		}
		eligible := subtotal + subtotal.MulRate(o.calc.Config().TaxRate)

		app, err := o.giftCards.apply(ctx, code, eligible)
		if err != nil {
			o.log.InfoContext(ctx, "gift card rejected", "session_id", s.ID, "error", err)
			return err
		}
		s.GiftCard = app
		if err := o.recompute(s); err != nil {
			return err
		}
		o.invalidateStaleIntent(ctx, s)
		o.log.InfoContext(ctx, "gift card applied",
			"session_id", s.ID, "amount_cents", s.Breakdown.GiftCardDiscount)
		return nil
	})
}

func (o *Orchestrator) RemoveGiftCard(ctx context.Context, id string) (*d.CheckoutSession, error) {
	return o.mutate(ctx, "remove_gift_card", id, func(ctx context.Context, s *d.CheckoutSession) error {
		if err := o.requireAdjustable(s); err != nil {
			return err
		}
		s.GiftCard = nil
		if err := o.recompute(s); err != nil {
			return err
		}
		o.invalidateStaleIntent(ctx, s)
		return nil
	})
}

func (o *Orchestrator) requireAdjustable(s *d.CheckoutSession) error {
	if s.Step.IsTerminal() {
		return d.NewError(d.KindIllegalTransition,
			"checkout is already "+s.Step.String(), nil)
	}
	return requireUnpaid(s, "the order")
}
