package checkout

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fjod/orderflow/internal/catalog"
	"github.com/fjod/orderflow/internal/delivery"
	d "github.com/fjod/orderflow/internal/domain"
	"github.com/fjod/orderflow/internal/giftcard"
	"github.com/fjod/orderflow/internal/orders"
	"github.com/fjod/orderflow/internal/payment"
	"github.com/fjod/orderflow/internal/pricing"
	"github.com/fjod/orderflow/internal/reconciliation"
	"github.com/fjod/orderflow/internal/repository"
	"github.com/fjod/orderflow/internal/session"
	"github.com/fjod/orderflow/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// callLog records the order in which external side effects happened.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// MockCatalog implements CatalogPricer for testing
type MockCatalog struct {
	Prices    map[string]d.Cents
	Modifiers map[string]d.Cents // group/option -> price
}

func newMockCatalog() *MockCatalog {
	return &MockCatalog{
		Prices: map[string]d.Cents{
			"burger": 1000,
			"fries":  450,
		},
		Modifiers: map[string]d.Cents{
			"burger-extras/Bacon": 200,
		},
	}
}

func (m *MockCatalog) PriceLines(_ context.Context, lines []catalog.LineRequest) ([]d.CartLine, error) {
	out := make([]d.CartLine, 0, len(lines))
	for i, req := range lines {
		price, ok := m.Prices[req.ItemID]
		if !ok {
			return nil, fmt.Errorf("line %d (%s): %w", i, req.ItemID, catalog.ErrItemNotFound)
		}
		line := d.CartLine{ItemID: req.ItemID, Name: req.ItemID, UnitPrice: price, Quantity: req.Quantity}
		for _, mod := range req.Modifiers {
			mp, ok := m.Modifiers[mod.GroupID+"/"+mod.OptionName]
			if !ok {
				return nil, fmt.Errorf("line %d: %w", i, catalog.ErrModifierNotFound)
			}
			line.SelectedModifiers = append(line.SelectedModifiers, d.SelectedModifier{
				GroupID: mod.GroupID, OptionName: mod.OptionName, UnitPrice: mp,
			})
		}
		out = append(out, line)
	}
	return out, nil
}

// MockOrderStore implements orders.Store for testing
type MockOrderStore struct {
	mu        sync.Mutex
	CreateErr error
	Block     bool
	Created   []*d.Order
	log       *callLog
}

func (m *MockOrderStore) CreateOrder(ctx context.Context, order *d.Order) error {
	if m.Block {
		<-ctx.Done()
		return fmt.Errorf("insert order: %w", ctx.Err())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return m.CreateErr
	}
	for _, o := range m.Created {
		if o.CheckoutSessionID == order.CheckoutSessionID {
			return repository.ErrDuplicateCheckout
		}
	}
	if m.log != nil {
		m.log.add("commit")
	}
	m.Created = append(m.Created, order)
	return nil
}

func (m *MockOrderStore) GetOrder(_ context.Context, id string) (*d.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.Created {
		if o.ID == id {
			return o, nil
		}
	}
	return nil, repository.ErrOrderNotFound
}

func (m *MockOrderStore) GetOrderBySession(_ context.Context, sessionID string) (*d.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.Created {
		if o.CheckoutSessionID == sessionID {
			return o, nil
		}
	}
	return nil, repository.ErrOrderNotFound
}

func (m *MockOrderStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Created)
}

// RecordingDelivery wraps a delivery client, optionally pinning the fee.
type RecordingDelivery struct {
	delivery.Client
	FixedFee d.Cents
	// BlockAccept makes AcceptQuote wait for its context to end.
	BlockAccept bool
	log         *callLog
}

func (r *RecordingDelivery) CreateQuote(ctx context.Context, req delivery.QuoteRequest) (delivery.Quote, error) {
	q, err := r.Client.CreateQuote(ctx, req)
	if err == nil && r.FixedFee > 0 {
		q.Fee = r.FixedFee
	}
	return q, err
}

func (r *RecordingDelivery) AcceptQuote(ctx context.Context, externalID string, tip d.Cents) (delivery.Acceptance, error) {
	if r.BlockAccept {
		<-ctx.Done()
		return delivery.Acceptance{}, ctx.Err()
	}
	a, err := r.Client.AcceptQuote(ctx, externalID, tip)
	if err == nil {
		r.log.add("accept")
	}
	return a, err
}

// RecordingAuthorizer wraps an authorizer and logs successful confirmations.
type RecordingAuthorizer struct {
	payment.Authorizer
	// LostResponses confirms at the processor and then reports a timeout,
	// the given number of times.
	LostResponses int
	log           *callLog
}

func (r *RecordingAuthorizer) Confirm(ctx context.Context, clientSecret string) (payment.Confirmation, error) {
	c, err := r.Authorizer.Confirm(ctx, clientSecret)
	if err == nil {
		r.log.add("confirm")
		if r.LostResponses > 0 {
			r.LostResponses--
			return payment.Confirmation{}, context.DeadlineExceeded
		}
	}
	return c, err
}

// FailingLedger validates against a memory ledger but fails every redemption.
type FailingLedger struct {
	*giftcard.MemoryLedger
	RedeemErr error
}

func (f *FailingLedger) Redeem(context.Context, giftcard.RedemptionRequest) (giftcard.RedemptionResult, error) {
	return giftcard.RedemptionResult{}, f.RedeemErr
}

type alwaysDecline struct {
	reason payment.DeclineReason
}

func (a alwaysDecline) Outcome() *payment.DeclinedError {
	return &payment.DeclinedError{Reason: a.reason}
}

type harness struct {
	orch          *Orchestrator
	sessions      session.Store
	authorizer    *RecordingAuthorizer
	deliveries    *RecordingDelivery
	dispatch      *delivery.Simulator
	payments      *payment.Simulator
	memLedger     *giftcard.MemoryLedger
	ledger        giftcard.Ledger
	orders        *MockOrderStore
	recon         *reconciliation.MemoryStore
	calls         *callLog
	fixedFee      d.Cents
	commitTimeout time.Duration
}

func newHarness(t *testing.T, opts ...func(*harness)) *harness {
	t.Helper()
	calls := &callLog{}
	mem := giftcard.NewMemoryLedger()
	h := &harness{
		sessions:      session.NewMemoryStore(),
		dispatch:      delivery.NewSimulator(),
		payments:      payment.NewSimulator(payment.AlwaysApprove{}),
		memLedger:     mem,
		ledger:        mem,
		orders:        &MockOrderStore{log: calls},
		recon:         reconciliation.NewMemoryStore(),
		calls:         calls,
		commitTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}

	log := logger.Nop()
	h.authorizer = &RecordingAuthorizer{Authorizer: h.payments, log: calls}
	h.deliveries = &RecordingDelivery{Client: h.dispatch, FixedFee: h.fixedFee, log: calls}
	h.orch = NewOrchestrator(Deps{
		Sessions:       h.sessions,
		Calculator:     pricing.NewCalculator(pricing.DefaultConfig()),
		Catalog:        newMockCatalog(),
		Delivery:       NewDeliveryHandler(h.deliveries, time.Second, nil),
		Payment:        NewPaymentHandler(h.authorizer, time.Second, nil),
		GiftCards:      NewGiftCardHandler(h.ledger, time.Second, nil),
		Committer:      orders.NewCommitter(h.orders, h.commitTimeout, log),
		Reconciliation: h.recon,
		Logger:         log,
		CleanupTimeout: time.Second,
	})
	return h
}

// withRedisSessions keeps sessions in miniredis instead of memory.
func withRedisSessions(t *testing.T) func(*harness) {
	return func(h *harness) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		h.sessions = session.NewRedisStore(client, time.Hour, 10*time.Second)
	}
}

var twoBurgers = []catalog.LineRequest{{ItemID: "burger", Quantity: 2}}

var ada = d.Customer{Name: "Ada Lovelace", Email: "ada@example.com"}

// startPickup drives a pickup session to the Payment step.
func (h *harness) startPickup(t *testing.T, tip d.Cents) *d.CheckoutSession {
	t.Helper()
	ctx := context.Background()
	s, err := h.orch.Start(ctx, StartRequest{OrderType: d.OrderTypePickup, Lines: twoBurgers, Tip: tip})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err = h.orch.ProceedToContact(ctx, s.ID); err != nil {
		t.Fatalf("proceed to contact: %v", err)
	}
	s, err = h.orch.SubmitContactInfo(ctx, s.ID, ContactInput{Customer: ada})
	if err != nil {
		t.Fatalf("submit contact: %v", err)
	}
	return s
}

// startDelivery drives a delivery session to QuoteReview with addr-1.
func (h *harness) startDelivery(t *testing.T, tip d.Cents) *d.CheckoutSession {
	t.Helper()
	ctx := context.Background()
	s, err := h.orch.Start(ctx, StartRequest{OrderType: d.OrderTypeDelivery, Lines: twoBurgers, Tip: tip})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err = h.orch.ProceedToContact(ctx, s.ID); err != nil {
		t.Fatalf("proceed to contact: %v", err)
	}
	s, err = h.orch.SubmitContactInfo(ctx, s.ID, ContactInput{Customer: ada, AddressSuggestionID: "addr-1"})
	if err != nil {
		t.Fatalf("submit contact: %v", err)
	}
	return s
}

func (h *harness) quoteAndPay(t *testing.T, id string) *d.CheckoutSession {
	t.Helper()
	ctx := context.Background()
	if _, err := h.orch.RequestQuote(ctx, id); err != nil {
		t.Fatalf("request quote: %v", err)
	}
	s, err := h.orch.ProceedToPayment(ctx, id)
	if err != nil {
		t.Fatalf("proceed to payment: %v", err)
	}
	return s
}
