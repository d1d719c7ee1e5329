package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fjod/orderflow/internal/catalog"
	d "github.com/fjod/orderflow/internal/domain"
	"github.com/fjod/orderflow/internal/giftcard"
	"github.com/fjod/orderflow/internal/orders"
	"github.com/fjod/orderflow/internal/payment"
	"github.com/fjod/orderflow/internal/pricing"
	"github.com/fjod/orderflow/internal/reconciliation"
	"github.com/fjod/orderflow/internal/session"
	"github.com/fjod/orderflow/pkg/metrics"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/fjod/orderflow/internal/checkout"

// CatalogPricer resolves storefront line requests into priced cart lines.
type CatalogPricer interface {
	PriceLines(ctx context.Context, lines []catalog.LineRequest) ([]d.CartLine, error)
}

// OrderCommitter is the durability boundary for completed checkouts.
type OrderCommitter interface {
	Commit(ctx context.Context, req orders.CommitRequest) (*d.Order, error)
	Get(ctx context.Context, orderID string) (*d.Order, error)
	Lookup(ctx context.Context, sessionID string) (*d.Order, error)
}

type Deps struct {
	Sessions       session.Store
	Calculator     *pricing.Calculator
	Catalog        CatalogPricer
	Delivery       *DeliveryHandler
	Payment        *PaymentHandler
	GiftCards      *GiftCardHandler
	Committer      OrderCommitter
	Reconciliation reconciliation.Store
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
	CleanupTimeout time.Duration
}

// Orchestrator drives a CheckoutSession through its steps. Every mutating
// operation holds the session lock for its whole duration, so steps of one
// session never interleave.
type Orchestrator struct {
	sessions       session.Store
	calc           *pricing.Calculator
	catalog        CatalogPricer
	delivery       *DeliveryHandler
	payment        *PaymentHandler
	giftCards      *GiftCardHandler
	committer      OrderCommitter
	recon          reconciliation.Store
	metrics        *metrics.Metrics
	log            *slog.Logger
	cleanupTimeout time.Duration

	tracer   trace.Tracer
	validate *validator.Validate
	wg       sync.WaitGroup
	now      func() time.Time
}

func NewOrchestrator(deps Deps) *Orchestrator {
	cleanup := deps.CleanupTimeout
	if cleanup <= 0 {
		cleanup = 5 * time.Second
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		sessions:       deps.Sessions,
		calc:           deps.Calculator,
		catalog:        deps.Catalog,
		delivery:       deps.Delivery,
		payment:        deps.Payment,
		giftCards:      deps.GiftCards,
		committer:      deps.Committer,
		recon:          deps.Reconciliation,
		metrics:        deps.Metrics,
		log:            log,
		cleanupTimeout: cleanup,
		tracer:         otel.Tracer(tracerName),
		validate:       newValidator(),
		now:            time.Now,
	}
}

// Wait blocks until background gift card redemptions have finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Get returns the current state of a session.
func (o *Orchestrator) Get(ctx context.Context, id string) (*d.CheckoutSession, error) {
	s, err := o.sessions.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return s, nil
}

// GetOrder looks up a committed order, typically after an ambiguous commit.
func (o *Orchestrator) GetOrder(ctx context.Context, orderID string) (*d.Order, error) {
	return o.committer.Get(ctx, orderID)
}

func (o *Orchestrator) startSpan(ctx context.Context, op, sessionID string) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, "checkout."+op, trace.WithAttributes(
		attribute.String("checkout.session_id", sessionID),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// mutate runs fn under the session lock and persists the session afterwards,
// whether fn failed or not. Failed steps still record their partial progress
// (a reserved quote id, a Failed step).
func (o *Orchestrator) mutate(ctx context.Context, op, id string, fn func(ctx context.Context, s *d.CheckoutSession) error) (s *d.CheckoutSession, err error) {
	ctx, span := o.startSpan(ctx, op, id)
	defer func() { endSpan(span, err) }()

	release, err := o.sessions.Lock(ctx, id)
	if err != nil {
		if errors.Is(err, session.ErrSessionBusy) {
			return nil, d.NewError(d.KindSessionBusy, "another request for this checkout is in progress, try again", err)
		}
		return nil, fmt.Errorf("lock session %s: %w", id, err)
	}
	defer release()

	s, err = o.sessions.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	span.SetAttributes(attribute.String("checkout.step", s.Step.String()))

	fnErr := fn(ctx, s)
	if saveErr := o.save(ctx, s); saveErr != nil {
		o.log.ErrorContext(ctx, "failed to save checkout session",
			"session_id", s.ID, "step", s.Step, "error", saveErr)
		if fnErr == nil {
			return nil, fmt.Errorf("save session %s: %w", id, saveErr)
		}
	}
	if fnErr != nil {
		return s, fnErr
	}
	return s, nil
}

// checkpoint persists progress in the middle of a multi-call step, so a crash
// after payment never loses the fact that the customer was charged.
func (o *Orchestrator) checkpoint(ctx context.Context, s *d.CheckoutSession) {
	if err := o.save(ctx, s); err != nil {
		o.log.ErrorContext(ctx, "failed to checkpoint checkout session",
			"session_id", s.ID, "step", s.Step, "error", err)
	}
}

// save writes the session even when the request context has already expired,
// so a step that failed on a deadline still lands as Failed.
func (o *Orchestrator) save(ctx context.Context, s *d.CheckoutSession) error {
	s.UpdatedAt = o.now().UTC()
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cleanupTimeout)
	defer cancel()
	return o.sessions.Save(saveCtx, s)
}

// requireUnpaid rejects changes to the amount once the card was charged or
// may have been charged.
func requireUnpaid(s *d.CheckoutSession, what string) error {
	if s.PaymentConfirmed {
		return d.NewError(d.KindIllegalTransition, what+" cannot change after payment", nil)
	}
	if s.PaymentPending {
		return d.NewError(d.KindIllegalTransition,
			"a payment for this checkout may already have gone through; complete the checkout to confirm it before changing "+what, nil)
	}
	return nil
}

func (o *Orchestrator) transition(s *d.CheckoutSession, to d.Step) error {
	if !d.CanTransitionTo(s.Step, to) {
		return d.NewError(d.KindIllegalTransition,
			fmt.Sprintf("cannot move checkout from %s to %s", s.Step, to), nil)
	}
	o.metrics.Transition(s.Step.String(), to.String())
	o.log.Info("checkout step changed", "session_id", s.ID, "from", s.Step, "to", to)
	s.Step = to
	return nil
}

// fail moves a session to the Failed terminal step.
func (o *Orchestrator) fail(s *d.CheckoutSession) {
	if s.Step.IsTerminal() {
		return
	}
	if err := o.transition(s, d.StepFailed); err != nil {
		o.log.Error("failed to mark checkout as failed", "session_id", s.ID, "step", s.Step, "error", err)
	}
	o.metrics.Outcome("failed")
}

func requireStep(s *d.CheckoutSession, allowed ...d.Step) error {
	for _, st := range allowed {
		if s.Step == st {
			return nil
		}
	}
	return d.NewError(d.KindIllegalTransition,
		fmt.Sprintf("operation not allowed while checkout is at %s", s.Step), nil)
}

// recompute refreshes the breakdown from the session inputs. The gift card
// application can only shrink here.
func (o *Orchestrator) recompute(s *d.CheckoutSession) error {
	in := pricing.Input{
		Cart:      s.Cart,
		OrderType: s.OrderType,
		Tip:       s.TipCents,
	}
	if s.IsDelivery() && s.DeliveryQuote.Priced() {
		fee := s.DeliveryQuote.FeeCents
		in.DeliveryFee = &fee
	}

	// eligible does not depend on the gift card, so compute it first
	b, err := o.calc.Compute(in)
	if err != nil {
		return err
	}
	if s.GiftCard != nil {
		s.GiftCard = giftcard.Revalidate(s.GiftCard, b.GiftCardEligible)
		in.GiftCard = s.GiftCard
		if b, err = o.calc.Compute(in); err != nil {
			return err
		}
	}
	s.Breakdown = b
	return nil
}

// invalidateStaleIntent drops an intent whose amount no longer matches the
// breakdown. The old intent is released best-effort.
func (o *Orchestrator) invalidateStaleIntent(ctx context.Context, s *d.CheckoutSession) {
	if s.PaymentIntent == nil || s.PaymentConfirmed || s.PaymentPending {
		return
	}
	if s.PaymentIntent.AmountCents == s.Breakdown.TotalChargedToCard {
		return
	}
	stale := s.PaymentIntent
	s.PaymentIntent = nil
	s.IntentGeneration++
	o.releaseIntent(ctx, s.ID, stale.ID, stale.AmountCents)
}

// releaseIntent cancels an intent the session no longer uses. An intent the
// processor reports as captured is money taken without an order, so it goes
// to reconciliation.
func (o *Orchestrator) releaseIntent(ctx context.Context, sessionID, intentID string, amount d.Cents) {
	err := o.cancelIntent(ctx, intentID)
	switch {
	case err == nil:
	case errors.Is(err, payment.ErrAlreadyCaptured):
		o.log.ErrorContext(ctx, "released payment intent was already captured",
			"session_id", sessionID, "intent_id", intentID, "amount_cents", amount)
		o.recordCase(ctx, &reconciliation.Case{
			Reason:          reconciliation.ReasonOrphanedCapture,
			SessionID:       sessionID,
			PaymentIntentID: intentID,
			AmountCents:     amount,
			Detail:          err.Error(),
		})
	default:
		o.log.WarnContext(ctx, "failed to release payment intent",
			"session_id", sessionID, "intent_id", intentID, "error", err)
	}
}

func (o *Orchestrator) cancelIntent(ctx context.Context, intentID string) error {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cleanupTimeout)
	defer cancel()
	return o.payment.cancel(cleanupCtx, intentID)
}

func (o *Orchestrator) recordCase(ctx context.Context, c *reconciliation.Case) {
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cleanupTimeout)
	defer cancel()
	o.metrics.Reconciliation(string(c.Reason))
	if err := o.recon.Record(recordCtx, c); err != nil {
		o.log.ErrorContext(ctx, "failed to record reconciliation case",
			"reason", c.Reason, "session_id", c.SessionID, "order_id", c.OrderID, "error", err)
		return
	}
	o.log.WarnContext(ctx, "reconciliation case recorded",
		"case_id", c.ID, "reason", c.Reason, "session_id", c.SessionID, "order_id", c.OrderID)
}
