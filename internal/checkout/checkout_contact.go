package checkout

import (
	"context"
	"errors"
	"strings"

	"github.com/fjod/orderflow/internal/delivery"
	d "github.com/fjod/orderflow/internal/domain"
)

type ContactInput struct {
	Customer d.Customer
	// AddressSuggestionID must come from SuggestAddresses. Free-text
	// addresses are never accepted for delivery.
	AddressSuggestionID string
}

// SubmitContactInfo validates the customer and, for delivery, resolves the
// dropoff address through the provider. It may be repeated from QuoteReview
// or Payment until the payment is confirmed.
func (o *Orchestrator) SubmitContactInfo(ctx context.Context, id string, in ContactInput) (*d.CheckoutSession, error) {
	return o.mutate(ctx, "submit_contact", id, func(ctx context.Context, s *d.CheckoutSession) error {
		if err := requireStep(s, d.StepContactInfo, d.StepQuoteReview, d.StepPayment); err != nil {
			return err
		}
		if err := requireUnpaid(s, "contact details"); err != nil {
			return err
		}

		customer := d.Customer{
			Name:  strings.TrimSpace(in.Customer.Name),
			Email: strings.TrimSpace(in.Customer.Email),
			Phone: strings.TrimSpace(in.Customer.Phone),
		}
		if err := o.validateCustomer(customer); err != nil {
			return err
		}

		var addr *d.Address
		if s.IsDelivery() {
			resolved, err := o.resolveAddress(ctx, strings.TrimSpace(in.AddressSuggestionID))
			if err != nil {
				return err
			}
			addr = &resolved
		}

		if s.Step != d.StepContactInfo {
			if err := o.transition(s, d.StepContactInfo); err != nil {
				return err
			}
		}

		s.Customer = &customer
		if s.IsDelivery() && !sameAddress(s.DropoffAddress, addr) {
			o.rotateQuote(ctx, s)
		}
		s.DropoffAddress = addr

		next := d.StepPayment
		if s.IsDelivery() {
			next = d.StepQuoteReview
		}
		if err := o.recompute(s); err != nil {
			return err
		}
		o.invalidateStaleIntent(ctx, s)
		return o.transition(s, next)
	})
}

func (o *Orchestrator) resolveAddress(ctx context.Context, suggestionID string) (d.Address, error) {
	if suggestionID == "" {
		return d.Address{}, d.NewFieldError(d.KindAddressValidation, "choose a delivery address from the suggestions",
			map[string]string{"address_suggestion_id": "is required"})
	}
	addr, err := o.delivery.resolve(ctx, suggestionID)
	switch {
	case errors.Is(err, delivery.ErrSuggestionNotFound):
		return d.Address{}, d.NewFieldError(d.KindAddressValidation, "the selected address is no longer available, search again",
			map[string]string{"address_suggestion_id": "unknown or expired suggestion"})
	case err != nil:
		return d.Address{}, d.NewError(d.KindQuoteProvider, "address lookup is temporarily unavailable, try again", err)
	}
	return addr, nil
}

// rotateQuote forgets the current quote. The provider idempotency key is
// bound to the dropoff, so a new address needs a new external id. The old
// quote is cancelled at the provider best-effort.
func (o *Orchestrator) rotateQuote(ctx context.Context, s *d.CheckoutSession) {
	q := s.DeliveryQuote
	if q == nil {
		return
	}
	if q.Status == d.QuoteStatusQuoted || q.Status == d.QuoteStatusPending {
		o.cancelDelivery(ctx, s.ID, q.ExternalID)
	}
	o.log.InfoContext(ctx, "delivery quote rotated after address change",
		"session_id", s.ID, "external_id", q.ExternalID)
	s.DeliveryQuote = nil
}

func sameAddress(a, b *d.Address) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.SuggestionID == b.SuggestionID && a.PostalCode == b.PostalCode && a.Line1 == b.Line1
}

// SuggestAddresses proxies the provider's address suggestion side channel.
func (o *Orchestrator) SuggestAddresses(ctx context.Context, query string) ([]delivery.Suggestion, error) {
	query = strings.TrimSpace(query)
	if len(query) < 3 {
		return nil, d.NewFieldError(d.KindAddressValidation, "enter at least 3 characters",
			map[string]string{"q": "must be at least 3 characters"})
	}
	out, err := o.delivery.suggest(ctx, query)
	if err != nil {
		return nil, d.NewError(d.KindQuoteProvider, "address suggestions are temporarily unavailable", err)
	}
	return out, nil
}
