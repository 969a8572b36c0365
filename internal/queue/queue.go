// Package queue enqueues payment webhooks on asynq.
package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"payment-core/internal/domain"
	"payment-core/internal/service"
)

const (
	TypeWebhookDelivery = "webhook:deliver"

	webhookMaxRetry = 8
	webhookTimeout  = 30 * time.Second
)

// WebhookPayload is what the worker posts to the merchant's webhook URL.
type WebhookPayload struct {
	EventID       uuid.UUID            `json:"event_id"`
	PaymentID     uuid.UUID            `json:"payment_id"`
	Reference     string               `json:"reference"`
	OrderID       uuid.UUID            `json:"order_id"`
	Status        domain.PaymentStatus `json:"status"`
	Amount        domain.Money         `json:"amount"`
	FailureReason string               `json:"failure_reason,omitempty"`
	Version       int64                `json:"version"`
	OccurredAt    time.Time            `json:"occurred_at"`
	WebhookURL    string               `json:"-"`
}

// taskPayload keeps the target URL, which is not part of the posted body.
type taskPayload struct {
	WebhookPayload
	URL string `json:"url"`
}

func NewWebhookTask(p *domain.Payment) (*asynq.Task, error) {
	payload, err := json.Marshal(taskPayload{
		WebhookPayload: WebhookPayload{
			EventID:       uuid.New(),
			PaymentID:     p.ID,
			Reference:     p.Reference,
			OrderID:       p.OrderID,
			Status:        p.Status,
			Amount:        p.Amount,
			FailureReason: p.FailureReason,
			Version:       p.Version,
			OccurredAt:    time.Now().UTC(),
		},
		URL: p.WebhookURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal webhook payload: %w", err)
	}
	return asynq.NewTask(TypeWebhookDelivery, payload,
		asynq.MaxRetry(webhookMaxRetry),
		asynq.Timeout(webhookTimeout),
		// One delivery per payment version; re-notifying the same state is a no-op.
		asynq.TaskID(fmt.Sprintf("%s:%s:%d", p.ID, p.Status, p.Version)),
	), nil
}

// ParseWebhookTask decodes a task built by NewWebhookTask.
func ParseWebhookTask(t *asynq.Task) (*WebhookPayload, error) {
	var p taskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal webhook task: %w", err)
	}
	if p.URL == "" {
		return nil, fmt.Errorf("webhook task for payment %s has no url", p.PaymentID)
	}
	p.WebhookPayload.WebhookURL = p.URL
	return &p.WebhookPayload, nil
}

// Enqueuer is the part of *asynq.Client the notifier needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// WebhookNotifier turns payment updates into webhook tasks. Payments without a
// webhook URL are skipped.
type WebhookNotifier struct {
	enqueuer Enqueuer
	logger   *zap.Logger
}

var _ service.Notifier = (*WebhookNotifier)(nil)

func NewWebhookNotifier(enqueuer Enqueuer, logger *zap.Logger) *WebhookNotifier {
	return &WebhookNotifier{enqueuer: enqueuer, logger: logger}
}

func (n *WebhookNotifier) PaymentUpdated(ctx context.Context, p *domain.Payment) error {
	if p.WebhookURL == "" {
		return nil
	}
	task, err := NewWebhookTask(p)
	if err != nil {
		return err
	}
	info, err := n.enqueuer.EnqueueContext(ctx, task)
	if stderrors.Is(err, asynq.ErrTaskIDConflict) {
		n.logger.Debug("Webhook already queued", zap.String("payment_id", p.ID.String()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue webhook: %w", err)
	}
	n.logger.Info("Webhook queued",
		zap.String("payment_id", p.ID.String()),
		zap.String("status", string(p.Status)),
		zap.String("task_id", info.ID))
	return nil
}

// Client opens an asynq client on redisURL.
func Client(redisURL string) (*asynq.Client, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return asynq.NewClient(opt), nil
}

// ServerConfig returns the worker server options.
func ServerConfig(redisURL string, concurrency int, logger *zap.Logger) (asynq.RedisConnOpt, asynq.Config, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, asynq.Config{}, fmt.Errorf("invalid redis url: %w", err)
	}
	return opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			"critical": 6,
			"default":  3,
			"low":      1,
		},
		Logger: logger.Sugar(),
	}, nil
}
