package orders

import (
	"context"
	"errors"
	"log/slog"
	"time"

	d "github.com/fjod/orderflow/internal/domain"
	"github.com/fjod/orderflow/internal/repository"
	"github.com/google/uuid"
)

type Store interface {
	CreateOrder(ctx context.Context, order *d.Order) error
	GetOrder(ctx context.Context, id string) (*d.Order, error)
	GetOrderBySession(ctx context.Context, sessionID string) (*d.Order, error)
}

type CommitRequest struct {
	SessionID       string
	OrderType       d.OrderType
	Breakdown       d.PriceBreakdown
	Customer        d.Customer
	Cart            []d.CartLine
	DropoffAddress  *d.Address
	DeliveryQuote   *d.DeliveryQuote
	GiftCard        *d.GiftCardApplication
	PaymentIntentID string
}

// Committer persists a fully priced order. It is the durability boundary:
// once Commit returns an order, that order exists regardless of what happens
// afterwards.
type Committer struct {
	store   Store
	timeout time.Duration
	log     *slog.Logger
	now     func() time.Time
}

func NewCommitter(store Store, timeout time.Duration, log *slog.Logger) *Committer {
	return &Committer{store: store, timeout: timeout, log: log, now: time.Now}
}

// Commit writes the order. Errors are *domain.CheckoutError with kind
// persistence (confirmed not written) or ambiguous_commit (outcome unknown).
func (c *Committer) Commit(ctx context.Context, req CommitRequest) (*d.Order, error) {
	order := &d.Order{
		ID:                uuid.New().String(),
		CheckoutSessionID: req.SessionID,
		OrderType:         req.OrderType,
		Status:            d.OrderStatusPending,
		Customer:          req.Customer,
		Items:             req.Cart,
		Breakdown:         req.Breakdown,
		DropoffAddress:    req.DropoffAddress,
		PaymentIntentID:   req.PaymentIntentID,
		CreatedAt:         c.now().UTC(),
	}
	if req.DeliveryQuote != nil {
		order.DeliveryQuoteExternalID = req.DeliveryQuote.ExternalID
		order.DeliveryID = req.DeliveryQuote.DeliveryID
	}
	if req.GiftCard != nil && req.Breakdown.GiftCardDiscount > 0 {
		order.GiftCardCode = req.GiftCard.Code
		order.GiftCardAmountUsed = req.Breakdown.GiftCardDiscount
	}

	commitCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.store.CreateOrder(commitCtx, order)
	switch {
	case err == nil:
		return order, nil
	case errors.Is(err, repository.ErrDuplicateCheckout):
		// An order for this session already exists; the earlier attempt won.
		return nil, d.NewError(d.KindAmbiguousCommit,
			"an order for this checkout may already exist; check your order history before retrying", err)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return nil, d.NewError(d.KindAmbiguousCommit,
			"we could not confirm whether your order was placed; check your order history before retrying", err)
	default:
		c.log.ErrorContext(ctx, "order commit failed", "session_id", req.SessionID, "error", err)
		return nil, d.NewError(d.KindPersistence, "your order could not be saved", err)
	}
}

// Lookup returns the order committed for a session, if any.
func (c *Committer) Lookup(ctx context.Context, sessionID string) (*d.Order, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.store.GetOrderBySession(lookupCtx, sessionID)
}

func (c *Committer) Get(ctx context.Context, orderID string) (*d.Order, error) {
	getCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.store.GetOrder(getCtx, orderID)
}
