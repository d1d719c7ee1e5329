package checkout

import (
	"context"
	"errors"
	"fmt"

	"github.com/fjod/orderflow/internal/delivery"
	d "github.com/fjod/orderflow/internal/domain"
	"github.com/google/uuid"
)

// RequestQuote fetches (or re-fetches) the delivery fee. The external id is
// reserved before the first call and reused on every retry, so the provider
// never holds two quotes for one session and address.
func (o *Orchestrator) RequestQuote(ctx context.Context, id string) (*d.CheckoutSession, error) {
	return o.mutate(ctx, "request_quote", id, func(ctx context.Context, s *d.CheckoutSession) error {
		if !s.IsDelivery() {
			return d.NewError(d.KindIllegalTransition, "pickup orders do not need a delivery quote", nil)
		}
		if err := requireStep(s, d.StepQuoteReview, d.StepPayment); err != nil {
			return err
		}
		if err := requireUnpaid(s, "the delivery quote"); err != nil {
			return err
		}
		if err := o.quote(ctx, s); err != nil {
			return err
		}
		if err := o.recompute(s); err != nil {
			return err
		}
		o.invalidateStaleIntent(ctx, s)
		return nil
	})
}

func (o *Orchestrator) quote(ctx context.Context, s *d.CheckoutSession) error {
	if s.DropoffAddress == nil {
		return d.NewFieldError(d.KindAddressValidation, "a delivery address is required",
			map[string]string{"address_suggestion_id": "is required"})
	}
	if s.DeliveryQuote == nil {
		s.DeliveryQuote = &d.DeliveryQuote{
			ExternalID: uuid.New().String(),
			Status:     d.QuoteStatusPending,
		}
		// the id must survive a crash between here and the provider response
		o.checkpoint(ctx, s)
	}
	q := s.DeliveryQuote

	req := delivery.QuoteRequest{
		ExternalID: q.ExternalID,
		Dropoff:    *s.DropoffAddress,
		OrderValue: s.Breakdown.Subtotal + s.Breakdown.TaxAmount,
		Tip:        s.TipCents,
		Items:      delivery.ItemsFromCart(s.Cart),
	}
	res, err := o.delivery.createQuote(ctx, req)
	if err != nil {
		o.log.WarnContext(ctx, "delivery quote failed",
			"session_id", s.ID, "external_id", q.ExternalID, "error", err)
		var verr *delivery.AddressValidationError
		if errors.As(err, &verr) {
			return d.NewFieldError(d.KindAddressValidation, "the delivery provider rejected this address", verr.Fields)
		}
		if errors.Is(err, delivery.ErrQuoteCancelled) {
			// cancelled ids cannot be reused; the next attempt reserves a fresh one
			s.DeliveryQuote = nil
		}
		return d.NewError(d.KindQuoteProvider, "delivery pricing is temporarily unavailable, try again", err)
	}

	q.FeeCents = res.Fee
	q.Status = d.QuoteStatusQuoted
	q.QuotedAt = o.now().UTC()
	q.ExpiresAt = res.ExpiresAt
	o.log.InfoContext(ctx, "delivery quote received",
		"session_id", s.ID, "external_id", q.ExternalID, "fee_cents", q.FeeCents)
	return nil
}

// refreshExpiredQuote re-quotes under the same external id when the quote
// can no longer be accepted. A changed fee is reported so the customer sees
// the new total before paying.
func (o *Orchestrator) refreshExpiredQuote(ctx context.Context, s *d.CheckoutSession) error {
	q := s.DeliveryQuote
	if q.Status != d.QuoteStatusQuoted || q.ExpiresAt.IsZero() || o.now().Before(q.ExpiresAt) {
		return nil
	}
	oldFee := q.FeeCents
	if err := o.quote(ctx, s); err != nil {
		return err
	}
	if s.DeliveryQuote.FeeCents == oldFee {
		return nil
	}
	if err := o.recompute(s); err != nil {
		return err
	}
	o.invalidateStaleIntent(ctx, s)
	return d.NewError(d.KindQuoteProvider,
		fmt.Sprintf("the delivery fee changed to $%s, review the new total and confirm again", s.DeliveryQuote.FeeCents), nil)
}

// ProceedToPayment moves QuoteReview to Payment once a fee is known.
func (o *Orchestrator) ProceedToPayment(ctx context.Context, id string) (*d.CheckoutSession, error) {
	return o.mutate(ctx, "proceed_to_payment", id, func(ctx context.Context, s *d.CheckoutSession) error {
		if s.Step == d.StepPayment {
			return nil
		}
		if err := requireStep(s, d.StepQuoteReview); err != nil {
			return err
		}
		if !s.DeliveryQuote.Priced() {
			return d.NewError(d.KindIllegalTransition, "a delivery quote is required before payment", nil)
		}
		if err := o.recompute(s); err != nil {
			return err
		}
		return o.transition(s, d.StepPayment)
	})
}
