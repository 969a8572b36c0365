package service

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/google/uuid"

	"payment-core/internal/domain"
)

var errUnavailable = stderrors.New("connection refused")

type fakeProcessor struct {
	mu         sync.Mutex
	result     *ProcessorResult
	err        error
	captureErr error
	refundErr  error
	processed  int
	captured   []domain.Money
	refunded   []domain.Money
	// onRefund runs before a refund is booked; an error fails the call.
	onRefund    func(key string) error
	captureKeys map[string]bool
	refundKeys  []string
	refunds     map[string]string
}

func approvingProcessor() *fakeProcessor {
	fees := domain.MustMoney("1.50", "EUR")
	return &fakeProcessor{result: &ProcessorResult{
		Approved:          true,
		AuthorizationCode: "AUTH01",
		ExternalReference: "ext-1",
		Fees:              &fees,
	}}
}

func (p *fakeProcessor) ProcessPayment(context.Context, ProcessorRequest) (*ProcessorResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processed++
	return p.result, p.err
}

func (p *fakeProcessor) Capture(_ context.Context, _ *domain.Transaction, amount domain.Money, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.captureErr != nil {
		return p.captureErr
	}
	if p.captureKeys[key] {
		return nil
	}
	if p.captureKeys == nil {
		p.captureKeys = map[string]bool{}
	}
	p.captureKeys[key] = true
	p.captured = append(p.captured, amount)
	return nil
}

func (p *fakeProcessor) Refund(_ context.Context, _ *domain.Transaction, amount domain.Money, _ string, key string) (string, error) {
	p.mu.Lock()
	p.refundKeys = append(p.refundKeys, key)
	hook := p.onRefund
	p.mu.Unlock()
	if hook != nil {
		if err := hook(key); err != nil {
			return "", err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refundErr != nil {
		return "", p.refundErr
	}
	if ref, ok := p.refunds[key]; ok {
		return ref, nil
	}
	if p.refunds == nil {
		p.refunds = map[string]string{}
	}
	ref := "re_" + uuid.NewString()[:8]
	p.refunds[key] = ref
	p.refunded = append(p.refunded, amount)
	return ref, nil
}

func (p *fakeProcessor) GeneratePaymentURL(_ context.Context, _ *domain.Payment, tx *domain.Transaction) (string, error) {
	return "https://acs.test/" + tx.ID.String(), nil
}

type fakeFactory struct{ p PaymentProcessor }

func (f fakeFactory) ProcessorFor(domain.PaymentMethodType) (PaymentProcessor, error) { return f.p, nil }

type fakeFraud struct {
	score int
	err   error
}

func (f *fakeFraud) AnalyzeTransaction(context.Context, FraudCheck) (int, error) {
	return f.score, f.err
}

type fakeThreeDSecure struct {
	result *ThreeDSecureResult
	err    error
}

func (f *fakeThreeDSecure) Validate(context.Context, *domain.PaymentMethod, *domain.ThreeDSecureAuthentication, string) (*ThreeDSecureResult, error) {
	return f.result, f.err
}

type fakeOrders struct{ err error }

func (f *fakeOrders) ValidateOrder(context.Context, uuid.UUID, uuid.UUID) error { return f.err }

type recordingNotifier struct {
	mu       sync.Mutex
	statuses []domain.PaymentStatus
}

func (n *recordingNotifier) PaymentUpdated(_ context.Context, p *domain.Payment) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, p.Status)
	return nil
}

type fakeTokenizer struct {
	card *TokenizedCard
	err  error
}

func (f *fakeTokenizer) TokenizeCard(context.Context, CardInput) (*TokenizedCard, error) {
	return f.card, f.err
}
