package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fjod/orderflow/internal/reconciliation"
	r "github.com/fjod/orderflow/internal/repository"
	"github.com/segmentio/kafka-go"
)

const (
	TopicOrdersCommitted = "orders-committed"

	batchSize = 100
	// events failing this many publishes are handed to support
	stuckAttempts = 5
)

// MessageWriter is the part of *kafka.Writer the poller uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// OutboxPoller publishes committed-order events written by the order store.
// Publishing never affects the order itself; an event that keeps failing is
// reported for reconciliation once.
type OutboxPoller struct {
	timeout      time.Duration
	eventTick    time.Duration
	recoveryTick time.Duration
	repo         r.OutboxRepository
	writer       MessageWriter
	recon        reconciliation.Store
	log          *slog.Logger
	reported     map[int64]bool
}

func NewOutboxPoller(repo r.OutboxRepository, recon reconciliation.Store, log *slog.Logger, brokers ...string) *OutboxPoller {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  TopicOrdersCommitted,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
	}
	return newOutboxPoller(repo, recon, log, w)
}

func newOutboxPoller(repo r.OutboxRepository, recon reconciliation.Store, log *slog.Logger, w MessageWriter) *OutboxPoller {
	return &OutboxPoller{
		timeout:      5 * time.Second,
		eventTick:    time.Second,
		recoveryTick: 30 * time.Second,
		repo:         repo,
		writer:       w,
		recon:        recon,
		log:          log.With("component", "outbox_poller"),
		reported:     make(map[int64]bool),
	}
}

func (p *OutboxPoller) Run(ctx context.Context) {
	eventTicker := time.NewTicker(p.eventTick)
	recoveryTicker := time.NewTicker(p.recoveryTick)
	defer eventTicker.Stop()
	defer recoveryTicker.Stop()
	for {
		select {
		case <-eventTicker.C:
			p.processUnpublishedEvents(ctx)
		case <-recoveryTicker.C:
			p.reportStuckEvents(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *OutboxPoller) Close() error {
	return p.writer.Close()
}

func (p *OutboxPoller) processUnpublishedEvents(ctx context.Context) {
	events, err := p.repo.GetUnprocessedEvents(ctx, batchSize)
	if err != nil {
		p.log.ErrorContext(ctx, "failed to fetch outbox events", "error", err)
		return
	}

	for _, event := range events {
		if event.Attempts >= stuckAttempts {
			// left for the recovery tick; retrying forever would block newer events
			continue
		}
		if err := p.publish(ctx, event); err != nil {
			p.log.WarnContext(ctx, "failed to publish outbox event",
				"event_id", event.ID, "order_id", event.AggregateID, "attempts", event.Attempts+1, "error", err)
			if errRecord := p.repo.RecordPublishFailure(ctx, event.ID); errRecord != nil {
				p.log.ErrorContext(ctx, "failed to record publish failure", "event_id", event.ID, "error", errRecord)
			}
			continue
		}

		if err := p.repo.MarkEventAsProcessed(ctx, event.ID); err != nil {
			// the event will be published again; consumers dedupe by order id
			p.log.ErrorContext(ctx, "failed to mark outbox event as processed", "event_id", event.ID, "error", err)
			continue
		}
		p.log.DebugContext(ctx, "outbox event published", "event_id", event.ID, "order_id", event.AggregateID)
	}
}

// reportStuckEvents records one reconciliation case per event that exhausted
// its publish attempts.
func (p *OutboxPoller) reportStuckEvents(ctx context.Context) {
	events, err := p.repo.GetStuckEvents(ctx, stuckAttempts)
	if err != nil {
		p.log.ErrorContext(ctx, "failed to get stuck outbox events", "error", err)
		return
	}
	for _, event := range events {
		if p.reported[event.ID] {
			continue
		}
		c := &reconciliation.Case{
			Reason:  reconciliation.ReasonOutboxStuck,
			OrderID: event.AggregateID,
			Detail:  fmt.Sprintf("outbox event %d (%s) failed to publish %d times", event.ID, event.EventType, event.Attempts),
		}
		if err := p.recon.Record(ctx, c); err != nil {
			p.log.ErrorContext(ctx, "failed to record stuck outbox event", "event_id", event.ID, "error", err)
			continue
		}
		p.reported[event.ID] = true
		p.log.WarnContext(ctx, "outbox event stuck", "event_id", event.ID, "order_id", event.AggregateID, "case_id", c.ID)
	}
}

func (p *OutboxPoller) publish(ctx context.Context, event *r.OutboxEvent) error {
	writeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(event.AggregateID), // order id keeps one order on one partition
		Value: event.Payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "event_id", Value: []byte(fmt.Sprint(event.ID))},
		},
	}
	return p.writer.WriteMessages(writeCtx, msg)
}
