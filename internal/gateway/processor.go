package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"payment-core/internal/domain"
	"payment-core/internal/service"
)

// Sandbox test cards and tokens. Anything else is approved.
const (
	DeclineInsufficientFundsLast4 = "0002"
	DeclineExpiredCardLast4       = "0069"
	ProcessorErrorLast4           = "0119"
	DeclineToken                  = "tok_decline"
)

// SandboxProcessor approves by default and declines the well-known test
// cards. Fees are a percentage plus a fixed part, like a card acquirer.
// Captures and refunds are deduplicated by idempotency key.
type SandboxProcessor struct {
	name       string
	checkout   string
	feePercent decimal.Decimal
	feeFixed   decimal.Decimal
	logger     *zap.Logger

	mu       sync.Mutex
	captured map[string]bool
	refunds  map[string]string
}

var _ service.PaymentProcessor = (*SandboxProcessor)(nil)

func NewSandboxProcessor(name, checkoutURL string, logger *zap.Logger) *SandboxProcessor {
	return &SandboxProcessor{
		name:       name,
		checkout:   strings.TrimRight(checkoutURL, "/"),
		feePercent: decimal.RequireFromString("0.029"),
		feeFixed:   decimal.RequireFromString("0.30"),
		logger:     logger,
		captured:   map[string]bool{},
		refunds:    map[string]string{},
	}
}

func (p *SandboxProcessor) ProcessPayment(ctx context.Context, req service.ProcessorRequest) (*service.ProcessorResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pm := req.PaymentMethod

	if pm.Card != nil {
		switch pm.Card.Last4 {
		case ProcessorErrorLast4:
			return nil, fmt.Errorf("%s: upstream timeout", p.name)
		case DeclineInsufficientFundsLast4:
			return declined(domain.DeclineInsufficientFunds, "insufficient funds"), nil
		case DeclineExpiredCardLast4:
			return declined(domain.DeclineCardExpired, "card expired"), nil
		}
	}
	if pm.Token == DeclineToken {
		return declined(domain.DeclineProcessorDeclined, "do not honour"), nil
	}

	amount := req.Transaction.Amount
	fee := amount.Amount().Mul(p.feePercent).Add(p.feeFixed).Round(amount.Currency().MinorUnits())
	fees, err := domain.NewMoney(fee, amount.Currency())
	if err != nil {
		return nil, err
	}

	p.logger.Debug("Sandbox approval",
		zap.String("processor", p.name),
		zap.String("transaction_id", req.Transaction.ID.String()))
	return &service.ProcessorResult{
		Approved:          true,
		AuthorizationCode: strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6]),
		ExternalReference: p.name + "_" + uuid.NewString(),
		Fees:              &fees,
	}, nil
}

func declined(reason domain.DeclineReason, message string) *service.ProcessorResult {
	return &service.ProcessorResult{DeclineReason: reason, DeclineMessage: message}
}

func (p *SandboxProcessor) Capture(ctx context.Context, tx *domain.Transaction, amount domain.Money, idempotencyKey string) error {
	if tx.AuthorizationCode == "" {
		return fmt.Errorf("%s: transaction %s has no authorization", p.name, tx.TransactionNumber)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.captured[idempotencyKey] {
		p.logger.Debug("Sandbox capture replayed", zap.String("key", idempotencyKey))
		return nil
	}
	p.captured[idempotencyKey] = true
	return nil
}

func (p *SandboxProcessor) Refund(ctx context.Context, tx *domain.Transaction, amount domain.Money, reason, idempotencyKey string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ref, ok := p.refunds[idempotencyKey]; ok {
		p.logger.Debug("Sandbox refund replayed", zap.String("key", idempotencyKey), zap.String("ref", ref))
		return ref, nil
	}
	ref := "re_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	p.refunds[idempotencyKey] = ref
	return ref, nil
}

func (p *SandboxProcessor) GeneratePaymentURL(_ context.Context, payment *domain.Payment, tx *domain.Transaction) (string, error) {
	return fmt.Sprintf("%s/3ds/%s?payment=%s", p.checkout, tx.ID, payment.Reference), nil
}

// ProcessorRegistry maps payment method types to processors.
type ProcessorRegistry struct {
	processors map[domain.PaymentMethodType]service.PaymentProcessor
}

var _ service.ProcessorFactory = (*ProcessorRegistry)(nil)

func NewProcessorRegistry() *ProcessorRegistry {
	return &ProcessorRegistry{processors: map[domain.PaymentMethodType]service.PaymentProcessor{}}
}

func (r *ProcessorRegistry) Register(p service.PaymentProcessor, types ...domain.PaymentMethodType) *ProcessorRegistry {
	for _, t := range types {
		r.processors[t] = p
	}
	return r
}

func (r *ProcessorRegistry) ProcessorFor(method domain.PaymentMethodType) (service.PaymentProcessor, error) {
	p, ok := r.processors[method]
	if !ok {
		return nil, fmt.Errorf("no processor registered for %s", method)
	}
	return p, nil
}

// NewSandboxRegistry wires a card processor and an alternative-payments
// processor covering every method type.
func NewSandboxRegistry(checkoutURL string, logger *zap.Logger) *ProcessorRegistry {
	cards := NewSandboxProcessor("sbx_card", checkoutURL, logger)
	apm := NewSandboxProcessor("sbx_apm", checkoutURL, logger)
	return NewProcessorRegistry().
		Register(cards, domain.PaymentMethodCreditCard, domain.PaymentMethodDebitCard).
		Register(apm, domain.PaymentMethodWallet, domain.PaymentMethodBankTransfer, domain.PaymentMethodCash)
}
