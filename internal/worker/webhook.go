// Package worker runs the asynq handlers that deliver payment webhooks.
package worker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"payment-core/internal/queue"
	"payment-core/internal/telemetry"
)

const (
	SignatureHeader = "X-Payments-Signature"
	TimestampHeader = "X-Payments-Timestamp"
)

type webhookBody struct {
	Type string                `json:"type"`
	Data *queue.WebhookPayload `json:"data"`
}

// WebhookProcessor posts payment updates to merchants. Bodies are signed with
// HMAC-SHA256 over "<timestamp>.<body>".
type WebhookProcessor struct {
	client  *http.Client
	secret  []byte
	metrics *telemetry.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewWebhookProcessor(secret string, timeout time.Duration, metrics *telemetry.Metrics, logger *zap.Logger) *WebhookProcessor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookProcessor{
		client:  &http.Client{Timeout: timeout},
		secret:  []byte(secret),
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Register mounts the processor's handlers on mux.
func (p *WebhookProcessor) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(queue.TypeWebhookDelivery, p.ProcessTask)
}

func (p *WebhookProcessor) ProcessTask(ctx context.Context, t *asynq.Task) error {
	payload, err := queue.ParseWebhookTask(t)
	if err != nil {
		p.observe("invalid")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	body, err := json.Marshal(webhookBody{Type: "payment.updated", Data: payload})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook body: %w", err)
	}

	timestamp := strconv.FormatInt(p.now().Unix(), 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, payload.WebhookURL, bytes.NewReader(body))
	if err != nil {
		p.observe("invalid")
		return fmt.Errorf("failed to build webhook request: %v: %w", err, asynq.SkipRetry)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TimestampHeader, timestamp)
	req.Header.Set(SignatureHeader, Sign(p.secret, timestamp, body))

	logger := p.logger.With(
		zap.String("payment_id", payload.PaymentID.String()),
		zap.String("status", string(payload.Status)))

	resp, err := p.client.Do(req)
	if err != nil {
		p.observe("error")
		logger.Warn("Webhook delivery failed", zap.Error(err))
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		p.observe("delivered")
		logger.Info("Webhook delivered", zap.Int("status_code", resp.StatusCode))
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests:
		p.observe("rejected")
		logger.Warn("Webhook rejected by receiver", zap.Int("status_code", resp.StatusCode))
		return fmt.Errorf("webhook rejected with status %d: %w", resp.StatusCode, asynq.SkipRetry)
	default:
		p.observe("error")
		logger.Warn("Webhook receiver unavailable", zap.Int("status_code", resp.StatusCode))
		return fmt.Errorf("webhook receiver returned status %d", resp.StatusCode)
	}
}

func (p *WebhookProcessor) observe(outcome string) {
	if p.metrics != nil {
		p.metrics.WebhookDeliveries.WithLabelValues(outcome).Inc()
	}
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<body>" prefixed with "sha256=".
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(secret []byte, timestamp string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}
