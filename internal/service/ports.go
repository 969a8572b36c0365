package service

import (
	"context"

	"github.com/google/uuid"

	"payment-core/internal/domain"
)

// ProcessorRequest is what a processor needs to authorize one attempt.
type ProcessorRequest struct {
	Payment       *domain.Payment
	Transaction   *domain.Transaction
	PaymentMethod *domain.PaymentMethod
	// ThreeDSecure is set when the attempt went through step-up authentication.
	ThreeDSecure *domain.ThreeDSecureAuthentication
}

// ProcessorResult reports the processor's decision. A decline is a result, not
// an error; errors mean the processor could not be reached or answered garbage.
type ProcessorResult struct {
	Approved          bool
	AuthorizationCode string
	ExternalReference string
	Fees              *domain.Money
	DeclineReason     domain.DeclineReason
	DeclineMessage    string
}

// PaymentProcessor talks to one acquirer or wallet provider.
type PaymentProcessor interface {
	ProcessPayment(ctx context.Context, req ProcessorRequest) (*ProcessorResult, error)
	// Capture and Refund must treat a repeated idempotencyKey as the same
	// request: a retry after a failed ledger write must not move money twice.
	Capture(ctx context.Context, tx *domain.Transaction, amount domain.Money, idempotencyKey string) error
	// Refund returns the processor's refund reference.
	Refund(ctx context.Context, tx *domain.Transaction, amount domain.Money, reason, idempotencyKey string) (string, error)
	// GeneratePaymentURL returns where the customer completes a 3-D Secure challenge.
	GeneratePaymentURL(ctx context.Context, payment *domain.Payment, tx *domain.Transaction) (string, error)
}

type ProcessorFactory interface {
	ProcessorFor(method domain.PaymentMethodType) (PaymentProcessor, error)
}

// FraudCheck carries the request context a scorer looks at.
type FraudCheck struct {
	Transaction   *domain.Transaction
	PaymentMethod *domain.PaymentMethod
	IPAddress     string
	Country       string
}

type FraudDetectionService interface {
	// AnalyzeTransaction returns a score in [0,100]; higher is riskier.
	AnalyzeTransaction(ctx context.Context, check FraudCheck) (int, error)
}

// ThreeDSecureResult carries the proof artifacts of a successful challenge.
type ThreeDSecureResult struct {
	Valid         bool
	CAVV          string
	ECI           string
	XID           string
	FailureReason string
}

type ThreeDSecureService interface {
	Validate(ctx context.Context, method *domain.PaymentMethod, auth *domain.ThreeDSecureAuthentication, challenge string) (*ThreeDSecureResult, error)
}

// CardInput is the raw card as received from the client. It is never stored.
type CardInput struct {
	Number      string
	ExpiryMonth int
	ExpiryYear  int
	HolderName  string
	CVC         string
}

type TokenizedCard struct {
	Token                string
	Brand                string
	Last4                string
	Fingerprint          string
	ThreeDSecureEnrolled bool
}

type CardTokenizationService interface {
	TokenizeCard(ctx context.Context, card CardInput) (*TokenizedCard, error)
}

// OrderService confirms the order exists, belongs to the customer and may be paid.
type OrderService interface {
	ValidateOrder(ctx context.Context, orderID, customerID uuid.UUID) error
}

// Notifier is told about payment outcomes after they are committed.
type Notifier interface {
	PaymentUpdated(ctx context.Context, payment *domain.Payment) error
}
