package redemption

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	d "github.com/fjod/orderflow/internal/domain"
	"github.com/fjod/orderflow/internal/giftcard"
	"github.com/fjod/orderflow/internal/publisher"
	"github.com/fjod/orderflow/internal/repository"
	"github.com/segmentio/kafka-go"
)

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer replays gift card redemptions from committed-order events. The
// checkout redeems right after commit; the ledger dedupes by code and order
// id, so a replay only debits orders whose first attempt never landed.
type Consumer struct {
	reader  MessageReader
	ledger  giftcard.Ledger
	timeout time.Duration
	log     *slog.Logger
}

func NewConsumer(ledger giftcard.Ledger, log *slog.Logger, brokers ...string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    publisher.TopicOrdersCommitted,
		GroupID:  "giftcard-redemption",
		MaxBytes: 10e6, // 10MB
	})
	return newConsumer(reader, ledger, log)
}

func newConsumer(reader MessageReader, ledger giftcard.Ledger, log *slog.Logger) *Consumer {
	return &Consumer{
		reader:  reader,
		ledger:  ledger,
		timeout: 5 * time.Second,
		log:     log.With("component", "redemption_consumer"),
	}
}

func (c *Consumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.ErrorContext(ctx, "error reading message", "error", err)
			}
			continue
		}
		if err := c.handle(ctx, m); err != nil {
			c.log.WarnContext(ctx, "gift card replay failed", "key", string(m.Key), "error", err)
		}
	}
}

func (c *Consumer) Close() {
	if err := c.reader.Close(); err != nil {
		c.log.Error("error closing reader", "error", err)
	}
}

func eventType(m kafka.Message) string {
	for _, h := range m.Headers {
		if h.Key == "event_type" {
			return string(h.Value)
		}
	}
	return ""
}

func (c *Consumer) handle(ctx context.Context, m kafka.Message) error {
	if et := eventType(m); et != "" && et != repository.EventOrderCommitted {
		return nil
	}

	var order d.Order
	if err := json.Unmarshal(m.Value, &order); err != nil {
		return fmt.Errorf("parse order event: %w", err)
	}
	if order.GiftCardCode == "" || order.GiftCardAmountUsed <= 0 {
		return nil
	}

	redeemCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	res, err := c.ledger.Redeem(redeemCtx, giftcard.RedemptionRequest{
		Code:        order.GiftCardCode,
		AmountCents: order.GiftCardAmountUsed,
		OrderID:     order.ID,
		Notes:       "replay of checkout " + order.CheckoutSessionID,
	})
	if errors.Is(err, giftcard.ErrInsufficientBalance) {
		// already recorded for reconciliation by the checkout
		return fmt.Errorf("order %s: %w", order.ID, err)
	}
	if err != nil {
		return fmt.Errorf("redeem for order %s: %w", order.ID, err)
	}
	c.log.DebugContext(ctx, "gift card redemption confirmed",
		"order_id", order.ID, "new_balance_cents", res.NewBalanceCents)
	return nil
}
