package checkout

import (
	"context"
	"errors"
	"fmt"

	"github.com/fjod/orderflow/internal/delivery"
	d "github.com/fjod/orderflow/internal/domain"
	"github.com/fjod/orderflow/internal/giftcard"
	"github.com/fjod/orderflow/internal/orders"
	"github.com/fjod/orderflow/internal/payment"
	"github.com/fjod/orderflow/internal/reconciliation"
)

const supportMessage = "your payment went through but the delivery could not be confirmed; contact support and do not pay again"

// Complete takes the session from Payment to Committed: confirm payment,
// accept the delivery quote (delivery only), then commit the order. The order
// is never committed unless every earlier call succeeded in that order.
func (o *Orchestrator) Complete(ctx context.Context, id string) (*d.CheckoutSession, error) {
	return o.mutate(ctx, "complete", id, func(ctx context.Context, s *d.CheckoutSession) error {
		if s.Step == d.StepCommitted {
			return nil
		}
		if err := requireStep(s, d.StepPayment); err != nil {
			return err
		}
		if s.Customer == nil {
			return d.NewError(d.KindInvalidContact, "contact information is required", nil)
		}
		if s.IsDelivery() && !s.DeliveryQuote.Priced() {
			return d.NewError(d.KindIllegalTransition, "a delivery quote is required before payment", nil)
		}

		if !s.PaymentConfirmed {
			// a pending confirm is retried on the same intent for the same amount
			if !s.PaymentPending {
				if err := o.recompute(s); err != nil {
					return err
				}
				if s.IsDelivery() {
					if err := o.refreshExpiredQuote(ctx, s); err != nil {
						return err
					}
				}
			}
			if err := o.collectPayment(ctx, s); err != nil {
				return err
			}
		}

		if s.IsDelivery() {
			if err := o.acceptDelivery(ctx, s); err != nil {
				return err
			}
		}

		order, err := o.commitOrder(ctx, s)
		if err != nil {
			return err
		}

		s.OrderID = order.ID
		if err := o.transition(s, d.StepCommitted); err != nil {
			return err
		}
		o.metrics.Outcome("committed")
		o.log.InfoContext(ctx, "checkout committed",
			"session_id", s.ID, "order_id", order.ID, "total_cents", s.Breakdown.TotalChargedToCard)

		if s.GiftCard != nil && s.Breakdown.GiftCardDiscount > 0 {
			o.redeemAsync(ctx, s.ID, order.ID, s.GiftCard.Code, s.Breakdown.GiftCardDiscount)
		}
		return nil
	})
}

// collectPayment confirms the card payment, or checks that the gift card
// covers everything when nothing is owed.
func (o *Orchestrator) collectPayment(ctx context.Context, s *d.CheckoutSession) error {
	b := s.Breakdown
	if !b.RequiresPayment() {
		o.invalidateStaleIntent(ctx, s)
		if b.GiftCardDiscount < b.GiftCardEligible {
			return d.NewError(d.KindGiftCardInvalid, "the gift card no longer covers this order", nil)
		}
		return nil
	}

	if err := o.ensureIntent(ctx, s); err != nil {
		return err
	}
	intent := s.PaymentIntent

	conf, err := o.payment.confirm(ctx, intent.ClientSecret)
	if err != nil {
		var declined *payment.DeclinedError
		switch {
		case errors.As(err, &declined):
			s.PaymentPending = false
			o.log.InfoContext(ctx, "payment declined",
				"session_id", s.ID, "intent_id", intent.ID, "reason", declined.Reason)
			return d.NewError(d.KindPaymentDeclined, declineMessage(declined.Reason), err)
		case errors.Is(err, payment.ErrIntentNotFound):
			// released or expired on the provider side; the next attempt creates a new one
			s.PaymentIntent = nil
			s.PaymentPending = false
			s.IntentGeneration++
			return d.NewError(d.KindPaymentProvider, "the payment session expired, try again", err)
		default:
			// no answer: the charge may have gone through, so only this intent
			// may be confirmed from now on
			s.PaymentPending = true
			o.checkpoint(ctx, s)
			o.log.WarnContext(ctx, "payment confirmation outcome unknown",
				"session_id", s.ID, "intent_id", intent.ID, "error", err)
			return d.NewError(d.KindPaymentProvider, "we could not confirm your payment; complete the checkout again to finish it, you will not be charged twice", err)
		}
	}

	s.PaymentConfirmed = true
	s.PaymentPending = false
	o.checkpoint(ctx, s)
	o.log.InfoContext(ctx, "payment confirmed",
		"session_id", s.ID, "intent_id", conf.IntentID, "amount_cents", intent.AmountCents)
	return nil
}

func declineMessage(reason payment.DeclineReason) string {
	switch reason {
	case payment.DeclineInsufficientFunds:
		return "your card has insufficient funds, try another payment method"
	case payment.DeclineCardExpired:
		return "your card has expired, try another payment method"
	}
	return "your card was declined, try another payment method"
}

func (o *Orchestrator) acceptDelivery(ctx context.Context, s *d.CheckoutSession) error {
	q := s.DeliveryQuote
	if q.Status == d.QuoteStatusAccepted {
		return nil
	}

	acc, err := o.delivery.acceptQuote(ctx, q.ExternalID, s.TipCents)
	if err != nil {
		o.log.ErrorContext(ctx, "delivery acceptance failed after payment",
			"session_id", s.ID, "external_id", q.ExternalID, "error", err)
		o.cancelDelivery(ctx, s.ID, q.ExternalID)
		o.recordCase(ctx, &reconciliation.Case{
			Reason:             reconciliation.ReasonDeliveryAcceptance,
			SessionID:          s.ID,
			PaymentIntentID:    intentID(s),
			DeliveryExternalID: q.ExternalID,
			AmountCents:        s.Breakdown.TotalChargedToCard,
			Detail:             err.Error(),
		})
		o.fail(s)
		msg := supportMessage
		if !s.PaymentConfirmed {
			msg = "the delivery could not be confirmed; contact support"
		}
		return d.NewError(d.KindDeliveryAcceptance, msg, err)
	}

	q.Status = d.QuoteStatusAccepted
	q.DeliveryID = acc.DeliveryID
	o.checkpoint(ctx, s)
	o.log.InfoContext(ctx, "delivery accepted",
		"session_id", s.ID, "external_id", q.ExternalID, "delivery_id", acc.DeliveryID)
	return nil
}

// commitOrder writes the order once. A previous attempt that may have
// succeeded is looked up first; the order store rejects a second order for
// the same session either way.
func (o *Orchestrator) commitOrder(ctx context.Context, s *d.CheckoutSession) (*d.Order, error) {
	if s.CommitAttempted {
		if order, err := o.committer.Lookup(ctx, s.ID); err == nil {
			o.log.InfoContext(ctx, "found order from earlier commit attempt",
				"session_id", s.ID, "order_id", order.ID)
			return order, nil
		}
	}
	s.CommitAttempted = true
	o.checkpoint(ctx, s)

	order, err := o.committer.Commit(ctx, orders.CommitRequest{
		SessionID:       s.ID,
		OrderType:       s.OrderType,
		Breakdown:       s.Breakdown,
		Customer:        *s.Customer,
		Cart:            s.Cart,
		DropoffAddress:  s.DropoffAddress,
		DeliveryQuote:   s.DeliveryQuote,
		GiftCard:        s.GiftCard,
		PaymentIntentID: intentID(s),
	})
	if err == nil {
		return order, nil
	}

	kind, ok := d.KindOf(err)
	if !ok {
		kind = d.KindPersistence
		err = d.NewError(kind, "your order could not be saved", err)
	}
	ambiguous := kind == d.KindAmbiguousCommit

	reason := reconciliation.ReasonCommitFailed
	if ambiguous {
		reason = reconciliation.ReasonAmbiguousCommit
	} else if s.DeliveryQuote != nil && s.DeliveryQuote.Status == d.QuoteStatusAccepted {
		// the order definitely does not exist, so the courier must not come
		o.cancelDelivery(ctx, s.ID, s.DeliveryQuote.ExternalID)
	}
	if ambiguous || s.PaymentConfirmed {
		c := &reconciliation.Case{
			Reason:          reason,
			SessionID:       s.ID,
			PaymentIntentID: intentID(s),
			AmountCents:     s.Breakdown.TotalChargedToCard,
			Detail:          err.Error(),
		}
		if s.DeliveryQuote != nil {
			c.DeliveryExternalID = s.DeliveryQuote.ExternalID
		}
		o.recordCase(ctx, c)
	}
	o.fail(s)
	return nil, err
}

// redeemAsync debits the gift card after the order exists. Failures never
// touch the order; they are logged and handed to reconciliation.
func (o *Orchestrator) redeemAsync(ctx context.Context, sessionID, orderID, code string, amount d.Cents) {
	bg := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		res, err := o.giftCards.redeem(bg, giftcard.RedemptionRequest{
			Code:        code,
			AmountCents: amount,
			OrderID:     orderID,
			Notes:       fmt.Sprintf("checkout %s", sessionID),
		})
		if err == nil && !res.Success {
			err = errors.New("ledger did not accept the redemption")
		}
		if err != nil {
			rerr := d.NewError(d.KindRedemption, "gift card redemption failed", err)
			o.log.ErrorContext(bg, "gift card redemption failed",
				"session_id", sessionID, "order_id", orderID, "amount_cents", amount, "error", rerr)
			o.recordCase(bg, &reconciliation.Case{
				Reason:       reconciliation.ReasonRedemptionFailed,
				SessionID:    sessionID,
				OrderID:      orderID,
				GiftCardCode: code,
				AmountCents:  amount,
				Detail:       err.Error(),
			})
			return
		}
		o.log.InfoContext(bg, "gift card redeemed",
			"order_id", orderID, "amount_cents", amount, "new_balance_cents", res.NewBalanceCents)
	}()
}

func (o *Orchestrator) cancelDelivery(ctx context.Context, sessionID, externalID string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cleanupTimeout)
	defer cancel()
	err := o.delivery.cancel(cleanupCtx, externalID)
	if err != nil && !errors.Is(err, delivery.ErrQuoteNotFound) {
		o.log.WarnContext(ctx, "failed to cancel delivery",
			"session_id", sessionID, "external_id", externalID, "error", err)
	}
}

func intentID(s *d.CheckoutSession) string {
	if s.PaymentIntent == nil {
		return ""
	}
	return s.PaymentIntent.ID
}
