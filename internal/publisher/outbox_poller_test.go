package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fjod/orderflow/internal/reconciliation"
	r "github.com/fjod/orderflow/internal/repository"
	"github.com/fjod/orderflow/pkg/logger"
	kafkaGo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/kafka"
	"gotest.tools/v3/assert"
)

type MockRepository struct {
	OutboxEvents   []*r.OutboxEvent
	StuckEvents    []*r.OutboxEvent
	GetErr         error
	GetStuckErr    error
	MarkErr        error
	ProcessedIDs   []int64
	FailedIDs      []int64
	GetStuckCalled int
}

func (m *MockRepository) GetUnprocessedEvents(context.Context, int) ([]*r.OutboxEvent, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	ev := m.OutboxEvents
	m.OutboxEvents = nil // return each batch once
	return ev, nil
}

func (m *MockRepository) MarkEventAsProcessed(_ context.Context, id int64) error {
	if m.MarkErr != nil {
		return m.MarkErr
	}
	m.ProcessedIDs = append(m.ProcessedIDs, id)
	return nil
}

func (m *MockRepository) RecordPublishFailure(_ context.Context, id int64) error {
	m.FailedIDs = append(m.FailedIDs, id)
	return nil
}

func (m *MockRepository) GetStuckEvents(context.Context, int) ([]*r.OutboxEvent, error) {
	m.GetStuckCalled++
	if m.GetStuckErr != nil {
		return nil, m.GetStuckErr
	}
	return m.StuckEvents, nil
}

type MockWriter struct {
	Messages []kafkaGo.Message
	FailFor  map[string]bool // order ids whose writes fail
}

func (w *MockWriter) WriteMessages(_ context.Context, msgs ...kafkaGo.Message) error {
	for _, m := range msgs {
		if w.FailFor[string(m.Key)] {
			return errors.New("kafka: leader not available")
		}
	}
	w.Messages = append(w.Messages, msgs...)
	return nil
}

func (w *MockWriter) Close() error {
	return nil
}

func event(id int64, orderID string, attempts int) *r.OutboxEvent {
	return &r.OutboxEvent{
		ID:          id,
		AggregateID: orderID,
		EventType:   r.EventOrderCommitted,
		Payload:     json.RawMessage(fmt.Sprintf(`{"id":%q,"checkout_session_id":"cs-%d"}`, orderID, id)),
		Attempts:    attempts,
		CreatedAt:   time.Now(),
	}
}

func TestProcessUnpublishedEvents_PublishesAndMarks(t *testing.T) {
	repo := &MockRepository{OutboxEvents: []*r.OutboxEvent{event(1, "order-1", 0), event(2, "order-2", 0)}}
	writer := &MockWriter{}
	p := newOutboxPoller(repo, reconciliation.NewMemoryStore(), logger.Nop(), writer)

	p.processUnpublishedEvents(context.Background())

	assert.Equal(t, len(writer.Messages), 2)
	assert.Equal(t, string(writer.Messages[0].Key), "order-1")
	assert.Equal(t, string(writer.Messages[0].Headers[0].Value), r.EventOrderCommitted)
	assert.DeepEqual(t, repo.ProcessedIDs, []int64{1, 2})
	assert.Equal(t, len(repo.FailedIDs), 0)
}

func TestProcessUnpublishedEvents_FailureIsCountedAndOthersContinue(t *testing.T) {
	repo := &MockRepository{OutboxEvents: []*r.OutboxEvent{event(1, "order-1", 0), event(2, "order-2", 2), event(3, "order-3", 0)}}
	writer := &MockWriter{FailFor: map[string]bool{"order-2": true}}
	p := newOutboxPoller(repo, reconciliation.NewMemoryStore(), logger.Nop(), writer)

	p.processUnpublishedEvents(context.Background())

	assert.DeepEqual(t, repo.ProcessedIDs, []int64{1, 3})
	assert.DeepEqual(t, repo.FailedIDs, []int64{2})
}

func TestProcessUnpublishedEvents_SkipsExhaustedEvents(t *testing.T) {
	repo := &MockRepository{OutboxEvents: []*r.OutboxEvent{event(7, "order-7", stuckAttempts)}}
	writer := &MockWriter{}
	p := newOutboxPoller(repo, reconciliation.NewMemoryStore(), logger.Nop(), writer)

	p.processUnpublishedEvents(context.Background())

	assert.Equal(t, len(writer.Messages), 0)
	assert.Equal(t, len(repo.ProcessedIDs), 0)
}

func TestProcessUnpublishedEvents_FetchError(t *testing.T) {
	repo := &MockRepository{GetErr: errors.New("database connection error")}
	writer := &MockWriter{}
	p := newOutboxPoller(repo, reconciliation.NewMemoryStore(), logger.Nop(), writer)

	// Should not panic, just log error and return
	p.processUnpublishedEvents(context.Background())

	assert.Equal(t, len(writer.Messages), 0)
}

func TestProcessUnpublishedEvents_MarkError(t *testing.T) {
	repo := &MockRepository{
		OutboxEvents: []*r.OutboxEvent{event(1, "order-1", 0)},
		MarkErr:      errors.New("database deadlock"),
	}
	writer := &MockWriter{}
	p := newOutboxPoller(repo, reconciliation.NewMemoryStore(), logger.Nop(), writer)

	p.processUnpublishedEvents(context.Background())

	assert.Equal(t, len(writer.Messages), 1)
	assert.Equal(t, len(repo.FailedIDs), 0)
}

func TestReportStuckEvents_RecordsOncePerEvent(t *testing.T) {
	recon := reconciliation.NewMemoryStore()
	repo := &MockRepository{StuckEvents: []*r.OutboxEvent{event(4, "order-4", stuckAttempts), event(5, "order-5", 9)}}
	p := newOutboxPoller(repo, recon, logger.Nop(), &MockWriter{})

	p.reportStuckEvents(context.Background())
	p.reportStuckEvents(context.Background())

	cases, err := recon.ListOpen(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, len(cases), 2)
	assert.Equal(t, repo.GetStuckCalled, 2)
	for _, c := range cases {
		assert.Equal(t, c.Reason, reconciliation.ReasonOutboxStuck)
	}
}

func TestReportStuckEvents_RepositoryError(t *testing.T) {
	recon := reconciliation.NewMemoryStore()
	repo := &MockRepository{GetStuckErr: errors.New("database connection error")}
	p := newOutboxPoller(repo, recon, logger.Nop(), &MockWriter{})

	p.reportStuckEvents(context.Background())

	cases, err := recon.ListOpen(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, len(cases), 0)
}

func setupKafka(t *testing.T) (string, func()) {
	ctx := context.Background()

	kafkaContainer, err := kafka.Run(ctx, "confluentinc/confluent-local:7.5.0")
	require.NoError(t, err)

	brokers, err := kafkaContainer.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers, "broker address should not be empty")

	cleanup := func() {
		if err := kafkaContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate kafka container: %v", err)
		}
	}
	return brokers[0], cleanup
}

func createTopic(t *testing.T, brokerAddr, topic string) {
	conn, err := kafkaGo.Dial("tcp", brokerAddr)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)

	controllerConn, err := kafkaGo.Dial("tcp", fmt.Sprintf("%s:%d", controller.Host, controller.Port))
	require.NoError(t, err)
	defer controllerConn.Close()

	err = controllerConn.CreateTopics(kafkaGo.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	})
	if err != nil {
		t.Logf("topic creation error (may already exist): %v", err)
	}
}

func TestOutboxPoller_PublishesEventsToKafka(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping kafka integration test in short mode")
	}
	brokerAddr, cleanup := setupKafka(t)
	defer cleanup()

	createTopic(t, brokerAddr, TopicOrdersCommitted)
	time.Sleep(5 * time.Second)

	repo := &MockRepository{OutboxEvents: []*r.OutboxEvent{event(1, "order-123", 0)}}

	writer := &kafkaGo.Writer{
		Addr:         kafkaGo.TCP(brokerAddr),
		Topic:        TopicOrdersCommitted,
		Balancer:     &kafkaGo.Hash{},
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}
	defer writer.Close()

	p := newOutboxPoller(repo, reconciliation.NewMemoryStore(), logger.Nop(), writer)
	p.timeout = 10 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	go p.Run(ctx)

	reader := kafkaGo.NewReader(kafkaGo.ReaderConfig{
		Brokers:  []string{brokerAddr},
		Topic:    TopicOrdersCommitted,
		GroupID:  "test-consumer",
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	msg, err := reader.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, string(msg.Key), "order-123")

	var payload map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &payload))
	assert.Equal(t, payload["id"], "order-123")
}
