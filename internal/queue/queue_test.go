package queue

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"payment-core/internal/domain"
)

type recordingEnqueuer struct {
	err   error
	tasks []*asynq.Task
}

func (e *recordingEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.tasks = append(e.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Queue: "default"}, nil
}

func payment(t *testing.T, webhookURL string) *domain.Payment {
	t.Helper()
	p, err := domain.NewPayment(domain.NewPaymentParams{
		CustomerID: uuid.New(),
		MerchantID: uuid.New(),
		OrderID:    uuid.New(),
		Method:     domain.PaymentMethodCreditCard,
		Amount:     domain.MustMoney("12.34", "USD"),
		WebhookURL: webhookURL,
	})
	require.NoError(t, err)
	return p
}

func TestWebhookNotifier_EnqueuesTask(t *testing.T) {
	enq := &recordingEnqueuer{}
	n := NewWebhookNotifier(enq, zap.NewNop())
	p := payment(t, "https://merchant.test/hooks")

	require.NoError(t, n.PaymentUpdated(context.Background(), p))
	require.Len(t, enq.tasks, 1)
	assert.Equal(t, TypeWebhookDelivery, enq.tasks[0].Type())

	parsed, err := ParseWebhookTask(enq.tasks[0])
	require.NoError(t, err)
	assert.Equal(t, p.ID, parsed.PaymentID)
	assert.Equal(t, p.Reference, parsed.Reference)
	assert.Equal(t, "https://merchant.test/hooks", parsed.WebhookURL)
	same, err := p.Amount.Equal(parsed.Amount)
	require.NoError(t, err)
	assert.True(t, same)
}

func TestWebhookNotifier_SkipsWithoutURL(t *testing.T) {
	enq := &recordingEnqueuer{}
	n := NewWebhookNotifier(enq, zap.NewNop())

	require.NoError(t, n.PaymentUpdated(context.Background(), payment(t, "")))
	assert.Empty(t, enq.tasks)
}

func TestWebhookNotifier_Errors(t *testing.T) {
	p := payment(t, "https://merchant.test/hooks")

	dup := NewWebhookNotifier(&recordingEnqueuer{err: asynq.ErrTaskIDConflict}, zap.NewNop())
	assert.NoError(t, dup.PaymentUpdated(context.Background(), p))

	down := NewWebhookNotifier(&recordingEnqueuer{err: stderrors.New("redis down")}, zap.NewNop())
	assert.ErrorContains(t, down.PaymentUpdated(context.Background(), p), "redis down")
}

func TestServerConfig(t *testing.T) {
	opt, cfg, err := ServerConfig("redis://localhost:6379/2", 4, zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, opt)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 6, cfg.Queues["critical"])

	_, _, err = ServerConfig("not-a-url", 1, zap.NewNop())
	assert.Error(t, err)
}
