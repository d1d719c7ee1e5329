package checkout

import (
	"context"
	"errors"

	d "github.com/fjod/orderflow/internal/domain"
	"github.com/fjod/orderflow/internal/payment"
	"golang.org/x/sync/errgroup"
)

// Abandon ends a checkout the customer walked away from. An accepted delivery
// is cancelled and an unconfirmed intent released, both best-effort and
// bounded by the cleanup timeout; neither failure blocks the abandon.
func (o *Orchestrator) Abandon(ctx context.Context, id string) (*d.CheckoutSession, error) {
	return o.mutate(ctx, "abandon", id, func(ctx context.Context, s *d.CheckoutSession) error {
		if s.Step == d.StepAbandoned {
			return nil
		}
		if s.Step.IsTerminal() {
			return d.NewError(d.KindIllegalTransition, "checkout is already "+s.Step.String(), nil)
		}
		if s.PaymentConfirmed {
			return d.NewError(d.KindIllegalTransition, "payment was already taken; contact support to cancel", nil)
		}
		if s.PaymentPending {
			if err := o.settlePendingPayment(ctx, s); err != nil {
				return err
			}
		}

		var g errgroup.Group
		if q := s.DeliveryQuote; q != nil && q.Status == d.QuoteStatusAccepted {
			g.Go(func() error {
				o.cancelDelivery(ctx, s.ID, q.ExternalID)
				return nil
			})
		}
		if in := s.PaymentIntent; in != nil {
			g.Go(func() error {
				o.releaseIntent(ctx, s.ID, in.ID, in.AmountCents)
				return nil
			})
		}
		_ = g.Wait()

		if q := s.DeliveryQuote; q != nil && q.Status == d.QuoteStatusAccepted {
			q.Status = d.QuoteStatusCancelled
		}
		s.PaymentIntent = nil
		s.GiftCard = nil
		if err := o.recompute(s); err != nil {
			o.log.WarnContext(ctx, "failed to recompute abandoned checkout", "session_id", s.ID, "error", err)
		}
		if err := o.transition(s, d.StepAbandoned); err != nil {
			return err
		}
		o.metrics.Outcome("abandoned")
		return nil
	})
}

// settlePendingPayment decides an unanswered confirm before abandoning: a
// successful cancel proves the card was not charged. A captured intent turns
// the session into a paid one that must be completed instead.
func (o *Orchestrator) settlePendingPayment(ctx context.Context, s *d.CheckoutSession) error {
	in := s.PaymentIntent
	if in == nil {
		s.PaymentPending = false
		return nil
	}
	err := o.cancelIntent(ctx, in.ID)
	switch {
	case err == nil || errors.Is(err, payment.ErrIntentNotFound):
		s.PaymentPending = false
		s.PaymentIntent = nil
		s.IntentGeneration++
		return nil
	case errors.Is(err, payment.ErrAlreadyCaptured):
		s.PaymentPending = false
		s.PaymentConfirmed = true
		o.checkpoint(ctx, s)
		o.log.WarnContext(ctx, "abandon refused, pending payment was captured",
			"session_id", s.ID, "intent_id", in.ID)
		return d.NewError(d.KindIllegalTransition,
			"your payment went through; complete the checkout to place the order", nil)
	default:
		return d.NewError(d.KindPaymentProvider,
			"we could not verify your earlier payment, try again", err)
	}
}
