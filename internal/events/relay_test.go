package events

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"payment-core/internal/domain"
	"payment-core/internal/repository/memory"
	"payment-core/internal/telemetry"
)

type recordingPublisher struct {
	err  error
	sent []domain.OutboxMessage
}

func (p *recordingPublisher) Publish(_ context.Context, msgs ...domain.OutboxMessage) error {
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, msgs...)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func seedOutbox(t *testing.T, store *memory.Store, payments int) {
	t.Helper()
	for i := 0; i < payments; i++ {
		p, err := domain.NewPayment(domain.NewPaymentParams{
			CustomerID: uuid.New(),
			MerchantID: uuid.New(),
			OrderID:    uuid.New(),
			Method:     domain.PaymentMethodWallet,
			Amount:     domain.MustMoney("10", "EUR"),
		})
		require.NoError(t, err)
		require.NoError(t, store.Outbox().Append(context.Background(), p.PullEvents()...))
	}
}

func TestRelay_PublishesAndMarks(t *testing.T) {
	store := memory.NewStore()
	seedOutbox(t, store, 3)
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	pub := &recordingPublisher{}
	relay := NewRelay(store, pub, 2, time.Millisecond, metrics, zap.NewNop())
	ctx := context.Background()

	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.Len(t, pub.sent, 3)
	for _, msg := range pub.sent {
		assert.Equal(t, domain.EventPaymentCreated, msg.EventType)
	}
	for _, msg := range store.OutboxMessages() {
		assert.NotNil(t, msg.PublishedAt)
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.OutboxPublished))
}

func TestRelay_FailedPublishIsRetried(t *testing.T) {
	store := memory.NewStore()
	seedOutbox(t, store, 1)
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	pub := &recordingPublisher{err: stderrors.New("broker down")}
	relay := NewRelay(store, pub, 10, time.Millisecond, metrics, zap.NewNop())
	ctx := context.Background()

	_, err := relay.RunOnce(ctx)
	assert.ErrorContains(t, err, "broker down")

	msgs := store.OutboxMessages()
	require.Len(t, msgs, 1)
	assert.Nil(t, msgs[0].PublishedAt)
	assert.Equal(t, 1, msgs[0].Attempts)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.OutboxFailures))

	pub.err = nil
	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRelay_RunStopsOnCancel(t *testing.T) {
	store := memory.NewStore()
	seedOutbox(t, store, 2)
	pub := &recordingPublisher{}
	relay := NewRelay(store, pub, 10, 5*time.Millisecond, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, msg := range store.OutboxMessages() {
			if msg.PublishedAt == nil {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestToKafkaMessage(t *testing.T) {
	msg := domain.OutboxMessage{
		ID:          uuid.New(),
		EventType:   domain.EventTransactionCaptured,
		AggregateID: uuid.New(),
		Payload:     []byte(`{"amount":{"amount":"10.00","currency":"EUR"}}`),
		OccurredAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	km := toKafkaMessage(msg)
	assert.Equal(t, msg.AggregateID.String(), string(km.Key))
	assert.Equal(t, msg.Payload, km.Value)
	assert.Equal(t, msg.OccurredAt, km.Time)
	require.Len(t, km.Headers, 2)
	assert.Equal(t, msg.ID.String(), string(km.Headers[0].Value))
	assert.Equal(t, "transaction.captured", string(km.Headers[1].Value))
}
