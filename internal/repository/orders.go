package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	d "github.com/fjod/orderflow/internal/domain"
	"github.com/lib/pq"
)

const EventOrderCommitted = "order.committed"

// CreateOrder writes the order, its line items and an order.committed outbox
// event in one transaction. A second order for the same checkout session
// fails with ErrDuplicateCheckout.
func (r *Repository) CreateOrder(ctx context.Context, order *d.Order) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin order tx: %w", err)
	}
	defer tx.Rollback()

	var addressJSON []byte
	if order.DropoffAddress != nil {
		if addressJSON, err = json.Marshal(order.DropoffAddress); err != nil {
			return fmt.Errorf("marshal dropoff address: %w", err)
		}
	}

	b := order.Breakdown
	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, checkout_session_id, order_type, status,
			customer_name, customer_email, customer_phone, dropoff_address,
			subtotal_cents, tax_cents, delivery_provider_fee_cents, merchant_delivery_fee_cents,
			tip_cents, gift_card_discount_cents, payment_processor_fee_cents,
			total_charged_cents, order_face_value_cents,
			delivery_quote_external_id, delivery_id, gift_card_code, gift_card_amount_used_cents,
			payment_intent_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		order.ID, order.CheckoutSessionID, order.OrderType, order.Status,
		order.Customer.Name, order.Customer.Email, order.Customer.Phone, nullableJSON(addressJSON),
		b.Subtotal, b.TaxAmount, b.DeliveryProviderFee, b.MerchantDeliveryFee,
		b.Tip, b.GiftCardDiscount, b.PaymentProcessorFee,
		b.TotalChargedToCard, b.OrderFaceValue,
		order.DeliveryQuoteExternalID, order.DeliveryID, order.GiftCardCode, order.GiftCardAmountUsed,
		order.PaymentIntentID, order.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateCheckout
		}
		return fmt.Errorf("insert order: %w", err)
	}

	for i, line := range order.Items {
		modifiers, err := json.Marshal(line.SelectedModifiers)
		if err != nil {
			return fmt.Errorf("marshal modifiers: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, line_no, item_id, name, unit_price_cents, quantity, modifiers, special_requests)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			order.ID, i, line.ItemID, line.Name, line.UnitPrice, line.Quantity, modifiers, line.SpecialRequests)
		if err != nil {
			return fmt.Errorf("insert order item %d: %w", i, err)
		}
	}

	payload, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO outbox (aggregate_id, event_type, payload) VALUES ($1, $2, $3)`,
		order.ID, EventOrderCommitted, payload)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit order tx: %w", err)
	}
	return nil
}

func nullableJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

const selectOrder = `
	SELECT id, checkout_session_id, order_type, status,
		customer_name, customer_email, customer_phone, dropoff_address,
		subtotal_cents, tax_cents, delivery_provider_fee_cents, merchant_delivery_fee_cents,
		tip_cents, gift_card_discount_cents, payment_processor_fee_cents,
		total_charged_cents, order_face_value_cents,
		delivery_quote_external_id, delivery_id, gift_card_code, gift_card_amount_used_cents,
		payment_intent_id, created_at
	FROM orders`

func (r *Repository) GetOrder(ctx context.Context, id string) (*d.Order, error) {
	return r.getOrder(ctx, selectOrder+` WHERE id = $1`, id)
}

// GetOrderBySession finds the order written for a checkout session, used to
// resolve an ambiguous commit.
func (r *Repository) GetOrderBySession(ctx context.Context, sessionID string) (*d.Order, error) {
	return r.getOrder(ctx, selectOrder+` WHERE checkout_session_id = $1`, sessionID)
}

func (r *Repository) getOrder(ctx context.Context, query string, arg string) (*d.Order, error) {
	var (
		order       d.Order
		addressJSON []byte
		b           = &order.Breakdown
	)
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&order.ID, &order.CheckoutSessionID, &order.OrderType, &order.Status,
		&order.Customer.Name, &order.Customer.Email, &order.Customer.Phone, &addressJSON,
		&b.Subtotal, &b.TaxAmount, &b.DeliveryProviderFee, &b.MerchantDeliveryFee,
		&b.Tip, &b.GiftCardDiscount, &b.PaymentProcessorFee,
		&b.TotalChargedToCard, &b.OrderFaceValue,
		&order.DeliveryQuoteExternalID, &order.DeliveryID, &order.GiftCardCode, &order.GiftCardAmountUsed,
		&order.PaymentIntentID, &order.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	b.GiftCardEligible = b.Subtotal + b.TaxAmount
	b.ChargeableBeforeFee = b.TotalChargedToCard - b.PaymentProcessorFee

	if addressJSON != nil {
		order.DropoffAddress = &d.Address{}
		if err := json.Unmarshal(addressJSON, order.DropoffAddress); err != nil {
			return nil, fmt.Errorf("unmarshal dropoff address: %w", err)
		}
	}

	items, err := r.getItems(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	order.Items = items
	return &order, nil
}

func (r *Repository) getItems(ctx context.Context, orderID string) ([]d.CartLine, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT item_id, name, unit_price_cents, quantity, modifiers, special_requests
		FROM order_items WHERE order_id = $1 ORDER BY line_no`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	var items []d.CartLine
	for rows.Next() {
		var (
			line      d.CartLine
			modifiers []byte
		)
		if err := rows.Scan(&line.ItemID, &line.Name, &line.UnitPrice, &line.Quantity, &modifiers, &line.SpecialRequests); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		if err := json.Unmarshal(modifiers, &line.SelectedModifiers); err != nil {
			return nil, fmt.Errorf("unmarshal modifiers: %w", err)
		}
		items = append(items, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return items, nil
}
