package worker

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"payment-core/internal/domain"
	"payment-core/internal/queue"
	"payment-core/internal/telemetry"
)

const secret = "whsec_test"

func webhookTask(t *testing.T, url string) (*asynq.Task, *domain.Payment) {
	t.Helper()
	p, err := domain.NewPayment(domain.NewPaymentParams{
		CustomerID: uuid.New(),
		MerchantID: uuid.New(),
		OrderID:    uuid.New(),
		Method:     domain.PaymentMethodWallet,
		Amount:     domain.MustMoney("25.00", "EUR"),
		WebhookURL: url,
	})
	require.NoError(t, err)
	task, err := queue.NewWebhookTask(p)
	require.NoError(t, err)
	return task, p
}

func newProcessor() (*WebhookProcessor, *telemetry.Metrics) {
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	p := NewWebhookProcessor(secret, time.Second, metrics, zap.NewNop())
	p.now = func() time.Time { return time.Unix(1767225600, 0) }
	return p, metrics
}

func TestProcessTask_DeliversSignedBody(t *testing.T) {
	var (
		gotBody      []byte
		gotSignature string
		gotTimestamp string
	)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSignature = r.Header.Get(SignatureHeader)
		gotTimestamp = r.Header.Get(TimestampHeader)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer receiver.Close()

	task, payment := webhookTask(t, receiver.URL)
	proc, metrics := newProcessor()

	require.NoError(t, proc.ProcessTask(context.Background(), task))

	assert.Equal(t, "1767225600", gotTimestamp)
	assert.True(t, Verify([]byte(secret), gotTimestamp, gotBody, gotSignature))
	assert.False(t, Verify([]byte("other"), gotTimestamp, gotBody, gotSignature))

	var body struct {
		Type string `json:"type"`
		Data struct {
			PaymentID string `json:"payment_id"`
			Status    string `json:"status"`
			URL       string `json:"url"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(gotBody, &body))
	assert.Equal(t, "payment.updated", body.Type)
	assert.Equal(t, payment.ID.String(), body.Data.PaymentID)
	assert.Equal(t, string(domain.PaymentCreated), body.Data.Status)
	assert.Empty(t, body.Data.URL)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.WebhookDeliveries.WithLabelValues("delivered")))
}

func TestProcessTask_ServerErrorIsRetried(t *testing.T) {
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer receiver.Close()

	task, _ := webhookTask(t, receiver.URL)
	proc, metrics := newProcessor()

	err := proc.ProcessTask(context.Background(), task)
	require.Error(t, err)
	assert.False(t, stderrors.Is(err, asynq.SkipRetry))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.WebhookDeliveries.WithLabelValues("error")))
}

func TestProcessTask_ClientErrorSkipsRetry(t *testing.T) {
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer receiver.Close()

	task, _ := webhookTask(t, receiver.URL)
	proc, metrics := newProcessor()

	err := proc.ProcessTask(context.Background(), task)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.WebhookDeliveries.WithLabelValues("rejected")))
}

func TestProcessTask_TooManyRequestsIsRetried(t *testing.T) {
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer receiver.Close()

	task, _ := webhookTask(t, receiver.URL)
	proc, _ := newProcessor()

	err := proc.ProcessTask(context.Background(), task)
	require.Error(t, err)
	assert.False(t, stderrors.Is(err, asynq.SkipRetry))
}

func TestProcessTask_MalformedPayload(t *testing.T) {
	proc, metrics := newProcessor()

	err := proc.ProcessTask(context.Background(), asynq.NewTask(queue.TypeWebhookDelivery, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = proc.ProcessTask(context.Background(), asynq.NewTask(queue.TypeWebhookDelivery, []byte(`{"payment_id":"`+uuid.NewString()+`"}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.WebhookDeliveries.WithLabelValues("invalid")))
}
