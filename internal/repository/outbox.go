package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type OutboxEvent struct {
	ID          int64
	AggregateID string
	EventType   string
	Payload     json.RawMessage
	Attempts    int
	CreatedAt   time.Time
}

type OutboxRepository interface {
	GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkEventAsProcessed(ctx context.Context, id int64) error
	RecordPublishFailure(ctx context.Context, id int64) error
	GetStuckEvents(ctx context.Context, minAttempts int) ([]*OutboxEvent, error)
}

func (r *Repository) GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	return r.queryEvents(ctx, `
		SELECT id, aggregate_id, event_type, payload, attempts, created_at
		FROM outbox WHERE processed_at IS NULL
		ORDER BY id LIMIT $1`, limit)
}

// GetStuckEvents returns unpublished events that failed at least minAttempts times.
func (r *Repository) GetStuckEvents(ctx context.Context, minAttempts int) ([]*OutboxEvent, error) {
	return r.queryEvents(ctx, `
		SELECT id, aggregate_id, event_type, payload, attempts, created_at
		FROM outbox WHERE processed_at IS NULL AND attempts >= $1
		ORDER BY id`, minAttempts)
}

func (r *Repository) queryEvents(ctx context.Context, query string, arg int) ([]*OutboxEvent, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var events []*OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.EventType, &payload, &e.Attempts, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		e.Payload = payload
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return events, nil
}

func (r *Repository) MarkEventAsProcessed(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE outbox SET processed_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark outbox event processed: %w", err)
	}
	return nil
}

func (r *Repository) RecordPublishFailure(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("record outbox failure: %w", err)
	}
	return nil
}
