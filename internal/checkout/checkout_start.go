package checkout

import (
	"context"
	"fmt"

	"github.com/fjod/orderflow/internal/catalog"
	d "github.com/fjod/orderflow/internal/domain"
	"github.com/google/uuid"
)

type StartRequest struct {
	OrderType d.OrderType
	Lines     []catalog.LineRequest
	Tip       d.Cents
}

// Start prices the cart against the catalog and opens a session at the Cart
// step.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (_ *d.CheckoutSession, err error) {
	id := uuid.New().String()
	ctx, span := o.startSpan(ctx, "start", id)
	defer func() { endSpan(span, err) }()

	if !req.OrderType.Valid() {
		return nil, d.NewFieldError(d.KindInvalidCart, "order type must be PICKUP or DELIVERY",
			map[string]string{"order_type": "must be PICKUP or DELIVERY"})
	}
	if len(req.Lines) == 0 {
		return nil, d.NewError(d.KindInvalidCart, "cart is empty", nil)
	}

	cart, err := o.catalog.PriceLines(ctx, req.Lines)
	if err != nil {
		if _, ok := d.KindOf(err); ok {
			return nil, err
		}
		return nil, d.NewError(d.KindInvalidCart, "cart could not be priced", err)
	}

	now := o.now().UTC()
	s := &d.CheckoutSession{
		ID:        id,
		Step:      d.StepCart,
		OrderType: req.OrderType,
		Cart:      cart,
		TipCents:  req.Tip,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err = o.recompute(s); err != nil {
		return nil, err
	}
	if err = o.sessions.Save(ctx, s); err != nil {
		return nil, fmt.Errorf("save session %s: %w", id, err)
	}

	o.log.InfoContext(ctx, "checkout started",
		"session_id", s.ID, "order_type", s.OrderType, "lines", len(cart), "subtotal_cents", s.Breakdown.Subtotal)
	return s, nil
}

// ProceedToContact moves Cart to ContactInfo. Repeating it is a no-op.
func (o *Orchestrator) ProceedToContact(ctx context.Context, id string) (*d.CheckoutSession, error) {
	return o.mutate(ctx, "proceed_to_contact", id, func(ctx context.Context, s *d.CheckoutSession) error {
		if s.Step == d.StepContactInfo {
			return nil
		}
		if len(s.Cart) == 0 {
			return d.NewError(d.KindInvalidCart, "cart is empty", nil)
		}
		return o.transition(s, d.StepContactInfo)
	})
}
