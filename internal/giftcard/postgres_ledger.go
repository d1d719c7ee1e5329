package giftcard

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	d "github.com/fjod/orderflow/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresLedger keeps balances in Postgres. Redemption is a conditional
// debit (balance_cents >= amount) inside the same transaction that records
// the redemption row, so two sessions spending one card cannot overdraw it.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

func NewPostgresLedger(ctx context.Context, dsn string) (*PostgresLedger, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create gift card pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping gift card db: %w", err)
	}
	return &PostgresLedger{pool: pool}, nil
}

func (l *PostgresLedger) EnsureSchema(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, schemaSQL)
	return err
}

func (l *PostgresLedger) Close() {
	l.pool.Close()
}

// Issue creates a card or resets its balance.
func (l *PostgresLedger) Issue(ctx context.Context, code string, balance d.Cents) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO gift_cards (code, balance_cents) VALUES ($1, $2)
		ON CONFLICT (code) DO UPDATE SET balance_cents = EXCLUDED.balance_cents, updated_at = NOW()`,
		NormalizeCode(code), int64(balance))
	return err
}

func (l *PostgresLedger) Validate(ctx context.Context, code string) (ValidationResult, error) {
	code = NormalizeCode(code)
	if code == "" {
		return ValidationResult{}, ErrInvalidCode
	}

	var balance int64
	err := l.pool.QueryRow(ctx, `SELECT balance_cents FROM gift_cards WHERE code = $1`, code).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return ValidationResult{Valid: false, Reason: "not found"}, ErrNotFound
	}
	if err != nil {
		return ValidationResult{}, fmt.Errorf("query gift card: %w", err)
	}
	if balance <= 0 {
		return ValidationResult{Valid: false, Reason: "no remaining balance"}, ErrInsufficientBalance
	}
	return ValidationResult{Valid: true, BalanceCents: d.Cents(balance)}, nil
}

func (l *PostgresLedger) Redeem(ctx context.Context, req RedemptionRequest) (RedemptionResult, error) {
	code := NormalizeCode(req.Code)
	if code == "" {
		return RedemptionResult{}, ErrInvalidCode
	}
	if req.AmountCents <= 0 {
		return RedemptionResult{}, ErrInvalidAmount
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return RedemptionResult{}, fmt.Errorf("begin redemption: %w", err)
	}
	defer tx.Rollback(ctx)

	var prior int64
	err = tx.QueryRow(ctx,
		`SELECT balance_after FROM gift_card_redemptions WHERE code = $1 AND order_id = $2`,
		code, req.OrderID).Scan(&prior)
	if err == nil {
		return RedemptionResult{Success: true, NewBalanceCents: d.Cents(prior)}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return RedemptionResult{}, fmt.Errorf("check prior redemption: %w", err)
	}

	var balance int64
	err = tx.QueryRow(ctx, `
		UPDATE gift_cards
		SET balance_cents = balance_cents - $1, updated_at = NOW()
		WHERE code = $2 AND balance_cents >= $1
		RETURNING balance_cents`,
		int64(req.AmountCents), code).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return l.classifyRejected(ctx, tx, code)
	}
	if err != nil {
		return RedemptionResult{}, fmt.Errorf("debit gift card: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO gift_card_redemptions (id, code, order_id, amount_cents, balance_after, notes)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New(), code, req.OrderID, int64(req.AmountCents), balance, req.Notes)
	if err != nil {
		return RedemptionResult{}, fmt.Errorf("record redemption: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return RedemptionResult{}, fmt.Errorf("commit redemption: %w", err)
	}
	return RedemptionResult{Success: true, NewBalanceCents: d.Cents(balance)}, nil
}

func (l *PostgresLedger) classifyRejected(ctx context.Context, tx pgx.Tx, code string) (RedemptionResult, error) {
	var balance int64
	err := tx.QueryRow(ctx, `SELECT balance_cents FROM gift_cards WHERE code = $1`, code).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return RedemptionResult{}, ErrNotFound
	}
	if err != nil {
		return RedemptionResult{}, fmt.Errorf("query gift card: %w", err)
	}
	return RedemptionResult{NewBalanceCents: d.Cents(balance)}, ErrInsufficientBalance
}
