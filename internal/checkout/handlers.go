package checkout

import (
	"context"
	"time"

	"github.com/fjod/orderflow/internal/delivery"
	d "github.com/fjod/orderflow/internal/domain"
	"github.com/fjod/orderflow/internal/giftcard"
	"github.com/fjod/orderflow/internal/payment"
	"github.com/fjod/orderflow/pkg/metrics"
)

// DeliveryHandler bounds every dispatch provider call with a timeout.
type DeliveryHandler struct {
	client  delivery.Client
	timeout time.Duration
	metrics *metrics.Metrics
}

func NewDeliveryHandler(client delivery.Client, timeout time.Duration, m *metrics.Metrics) *DeliveryHandler {
	return &DeliveryHandler{
		client:  client,
		timeout: timeout,
		metrics: m,
	}
}

func (h *DeliveryHandler) createQuote(ctx context.Context, req delivery.QuoteRequest) (delivery.Quote, error) {
	quoteCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	start := time.Now()
	q, err := h.client.CreateQuote(quoteCtx, req)
	h.metrics.ObserveProvider("delivery", "create_quote", start, err)
	return q, err
}

func (h *DeliveryHandler) acceptQuote(ctx context.Context, externalID string, tip d.Cents) (delivery.Acceptance, error) {
	acceptCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	start := time.Now()
	a, err := h.client.AcceptQuote(acceptCtx, externalID, tip)
	h.metrics.ObserveProvider("delivery", "accept_quote", start, err)
	return a, err
}

func (h *DeliveryHandler) cancel(ctx context.Context, externalID string) error {
	cancelCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	start := time.Now()
	err := h.client.Cancel(cancelCtx, externalID)
	h.metrics.ObserveProvider("delivery", "cancel", start, err)
	return err
}

func (h *DeliveryHandler) suggest(ctx context.Context, query string) ([]delivery.Suggestion, error) {
	suggestCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	start := time.Now()
	out, err := h.client.SuggestAddresses(suggestCtx, query)
	h.metrics.ObserveProvider("delivery", "suggest_addresses", start, err)
	return out, err
}

func (h *DeliveryHandler) resolve(ctx context.Context, suggestionID string) (d.Address, error) {
	resolveCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	start := time.Now()
	addr, err := h.client.ResolveSuggestion(resolveCtx, suggestionID)
	h.metrics.ObserveProvider("delivery", "resolve_suggestion", start, err)
	return addr, err
}

// PaymentHandler bounds every payment processor call with a timeout.
type PaymentHandler struct {
	authorizer payment.Authorizer
	timeout    time.Duration
	metrics    *metrics.Metrics
}

func NewPaymentHandler(authorizer payment.Authorizer, timeout time.Duration, m *metrics.Metrics) *PaymentHandler {
	return &PaymentHandler{
		authorizer: authorizer,
		timeout:    timeout,
		metrics:    m,
	}
}

func (h *PaymentHandler) createIntent(ctx context.Context, req payment.IntentRequest) (payment.Intent, error) {
	payCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	start := time.Now()
	in, err := h.authorizer.CreateIntent(payCtx, req)
	h.metrics.ObserveProvider("payment", "create_intent", start, err)
	return in, err
}

func (h *PaymentHandler) confirm(ctx context.Context, clientSecret string) (payment.Confirmation, error) {
	payCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	start := time.Now()
	c, err := h.authorizer.Confirm(payCtx, clientSecret)
	h.metrics.ObserveProvider("payment", "confirm", start, err)
	return c, err
}

func (h *PaymentHandler) cancel(ctx context.Context, intentID string) error {
	payCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	start := time.Now()
	err := h.authorizer.Cancel(payCtx, intentID)
	h.metrics.ObserveProvider("payment", "cancel", start, err)
	return err
}

// GiftCardHandler bounds every ledger call with a timeout.
type GiftCardHandler struct {
	ledger  giftcard.Ledger
	timeout time.Duration
	metrics *metrics.Metrics
}

func NewGiftCardHandler(ledger giftcard.Ledger, timeout time.Duration, m *metrics.Metrics) *GiftCardHandler {
	return &GiftCardHandler{
		ledger:  ledger,
		timeout: timeout,
		metrics: m,
	}
}

func (h *GiftCardHandler) apply(ctx context.Context, code string, eligible d.Cents) (*d.GiftCardApplication, error) {
	ledgerCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	start := time.Now()
	app, err := giftcard.Apply(ledgerCtx, h.ledger, code, eligible)
	h.metrics.ObserveProvider("giftcard", "validate", start, err)
	return app, err
}

func (h *GiftCardHandler) redeem(ctx context.Context, req giftcard.RedemptionRequest) (giftcard.RedemptionResult, error) {
	ledgerCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	start := time.Now()
	res, err := h.ledger.Redeem(ledgerCtx, req)
	h.metrics.ObserveProvider("giftcard", "redeem", start, err)
	return res, err
}
