package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"payment-core/internal/errors"
)

type TransactionType string

// Captures are recorded on the payment transaction itself and refunds as
// children, so nothing here creates capture or adjustment rows. The two
// values are kept so stored rows that carry them still load.
const (
	TransactionTypePayment    TransactionType = "payment"
	TransactionTypeRefund     TransactionType = "refund"
	TransactionTypeCapture    TransactionType = "capture"
	TransactionTypeAdjustment TransactionType = "adjustment"
)

type TransactionStatus string

const (
	TransactionPending    TransactionStatus = "pending"
	TransactionAuthorized TransactionStatus = "authorized"
	TransactionSuccessful TransactionStatus = "successful"
	TransactionFailed     TransactionStatus = "failed"
	TransactionCancelled  TransactionStatus = "cancelled"
	// TransactionRefunded is never set here: a refunded attempt stays
	// successful and carries its refunds as children. The value is accepted
	// when loading rows that use it.
	TransactionRefunded   TransactionStatus = "refunded"
)

func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case TransactionSuccessful, TransactionFailed, TransactionCancelled, TransactionRefunded:
		return true
	}
	return false
}

type DeclineReason string

const (
	DeclineFraud                DeclineReason = "fraud"
	DeclineInsufficientFunds    DeclineReason = "insufficient_funds"
	DeclineThreeDSecureFailed   DeclineReason = "three_d_secure_failed"
	DeclineSystemError          DeclineReason = "system_error"
	DeclineCardExpired          DeclineReason = "card_expired"
	DeclineLimitExceeded        DeclineReason = "limit_exceeded"
	DeclineProcessorDeclined    DeclineReason = "processor_declined"
	DeclineAuthorizationExpired DeclineReason = "authorization_expired"
)

const (
	// AuthorizationWindow is how long an authorization holds funds before capture.
	AuthorizationWindow = 7 * 24 * time.Hour
	// HighFraudRiskScore is the score from which HighFraudRiskDetected is raised.
	HighFraudRiskScore = 80
)

const (
	MetaPartialCapture   = "partial_capture"
	MetaUncapturedAmount = "uncaptured_amount"
	MetaCapturedAmount   = "captured_amount"
)

type Transaction struct {
	ID                     uuid.UUID         `json:"id"`
	TransactionNumber      string            `json:"transaction_number"`
	PaymentID              uuid.UUID         `json:"payment_id"`
	Amount                 Money             `json:"amount"`
	CapturedAmount         *Money            `json:"captured_amount,omitempty"`
	Type                   TransactionType   `json:"type"`
	Status                 TransactionStatus `json:"status"`
	PaymentMethodID        uuid.UUID         `json:"payment_method_id"`
	CustomerID             uuid.UUID         `json:"customer_id"`
	MerchantID             uuid.UUID         `json:"merchant_id"`
	OrderID                *uuid.UUID        `json:"order_id,omitempty"`
	ExternalReference      string            `json:"external_reference,omitempty"`
	AuthorizationCode      string            `json:"authorization_code,omitempty"`
	DeclineReason          DeclineReason     `json:"decline_reason,omitempty"`
	DeclineMessage         string            `json:"decline_message,omitempty"`
	FraudScore             *int              `json:"fraud_score,omitempty"`
	ParentTransactionID    *uuid.UUID        `json:"parent_transaction_id,omitempty"`
	ChildTransactions      []*Transaction    `json:"child_transactions,omitempty"`
	Fees                   *Money            `json:"fees,omitempty"`
	Description            string            `json:"description,omitempty"`
	Metadata               Metadata          `json:"metadata,omitempty"`
	AuthorizationExpiresAt *time.Time        `json:"authorization_expires_at,omitempty"`
	AuthorizedAt           *time.Time        `json:"authorized_at,omitempty"`
	CapturedAt             *time.Time        `json:"captured_at,omitempty"`
	SettledAt              *time.Time        `json:"settled_at,omitempty"`
	DeclinedAt             *time.Time        `json:"declined_at,omitempty"`
	CancelledAt            *time.Time        `json:"cancelled_at,omitempty"`
	RefundedAt             *time.Time        `json:"refunded_at,omitempty"`
	Version                int64             `json:"version"`
	Auditable
	eventRecorder
}

type NewTransactionParams struct {
	PaymentID       uuid.UUID
	Amount          Money
	Type            TransactionType
	PaymentMethodID uuid.UUID
	CustomerID      uuid.UUID
	MerchantID      uuid.UUID
	OrderID         *uuid.UUID
	Description     string
}

func NewTransaction(p NewTransactionParams) (*Transaction, error) {
	if !p.Amount.IsPositive() {
		return nil, errors.Validationf("transaction amount must be positive")
	}
	if err := p.Amount.Currency().Validate(); err != nil {
		return nil, err
	}
	if p.PaymentID == uuid.Nil || p.PaymentMethodID == uuid.Nil || p.CustomerID == uuid.Nil || p.MerchantID == uuid.Nil {
		return nil, errors.Validationf("payment, payment method, customer and merchant ids are required")
	}
	if p.Type == "" {
		p.Type = TransactionTypePayment
	}

	tx := &Transaction{
		ID:                uuid.New(),
		TransactionNumber: newNumber("TX"),
		PaymentID:         p.PaymentID,
		Amount:            p.Amount,
		Type:              p.Type,
		Status:            TransactionPending,
		PaymentMethodID:   p.PaymentMethodID,
		CustomerID:        p.CustomerID,
		MerchantID:        p.MerchantID,
		OrderID:           p.OrderID,
		Description:       p.Description,
		Metadata:          Metadata{},
		Version:           1,
		Auditable:         newAuditable(),
	}
	tx.recordCreated()
	return tx, nil
}

func (t *Transaction) recordCreated() {
	t.record(TransactionCreatedEvent{
		EventBase:           newEventBase(EventTransactionCreated, t.ID),
		TransactionNumber:   t.TransactionNumber,
		PaymentID:           t.PaymentID,
		Type:                t.Type,
		Amount:              t.Amount,
		ParentTransactionID: t.ParentTransactionID,
	})
}

func (t *Transaction) transitionError(op string) error {
	return errors.InvalidTransitionf("cannot %s transaction %s in status %s", op, t.TransactionNumber, t.Status)
}

// Authorize records the processor's hold on the funds. Only one authorization
// may exist per transaction, so it is legal from pending only.
func (t *Transaction) Authorize(code, externalReference string) error {
	if t.Status != TransactionPending {
		return t.transitionError("authorize")
	}
	if strings.TrimSpace(code) == "" {
		return errors.Validationf("authorization code is required")
	}
	now := timeNow()
	expires := now.Add(AuthorizationWindow)
	t.AuthorizationCode = code
	if externalReference != "" {
		t.ExternalReference = externalReference
	}
	t.AuthorizedAt = &now
	t.AuthorizationExpiresAt = &expires
	t.Status = TransactionAuthorized
	t.touch()
	t.record(TransactionAuthorizedEvent{
		EventBase:         newEventBase(EventTransactionAuthorized, t.ID),
		AuthorizationCode: code,
		ExpiresAt:         expires,
	})
	return nil
}

func (t *Transaction) IsAuthorizationExpired() bool {
	return t.AuthorizationExpiresAt != nil && timeNow().After(*t.AuthorizationExpiresAt)
}

// Capture converts the authorization into a funds transfer. Capturing less than
// the authorized amount is noted in metadata; no second transaction is created.
func (t *Transaction) Capture(amount Money) error {
	if t.Status != TransactionAuthorized {
		return t.transitionError("capture")
	}
	if t.IsAuthorizationExpired() {
		return errors.ErrAuthorizationExpired.WithDetails(t.TransactionNumber)
	}
	if !amount.IsPositive() {
		return errors.Validationf("capture amount must be positive")
	}
	over, err := amount.GreaterThan(t.Amount)
	if err != nil {
		return err
	}
	if over {
		return errors.NewAppErrorf(errors.LimitExceeded, "capture amount %s exceeds authorized amount %s", amount, t.Amount)
	}

	partial := amount.Amount().LessThan(t.Amount.Amount())
	if partial {
		uncaptured, _ := t.Amount.Subtract(amount)
		t.Metadata = t.Metadata.Clone()
		if t.Metadata == nil {
			t.Metadata = Metadata{}
		}
		t.Metadata[MetaPartialCapture] = BoolValue(true)
		t.Metadata[MetaCapturedAmount] = DecimalValue(amount.Amount())
		t.Metadata[MetaUncapturedAmount] = DecimalValue(uncaptured.Amount())
	}

	now := timeNow()
	captured := amount
	t.CapturedAmount = &captured
	t.CapturedAt = &now
	t.Status = TransactionSuccessful
	t.touch()
	t.record(TransactionCapturedEvent{
		EventBase: newEventBase(EventTransactionCaptured, t.ID),
		Amount:    amount,
		Partial:   partial,
	})
	return nil
}

// CaptureFull captures the whole authorized amount.
func (t *Transaction) CaptureFull() error {
	return t.Capture(t.Amount)
}

func (t *Transaction) Decline(reason DeclineReason, message string) error {
	if t.Status.IsTerminal() {
		return t.transitionError("decline")
	}
	if reason == "" {
		return errors.Validationf("decline reason is required")
	}
	now := timeNow()
	t.DeclineReason = reason
	t.DeclineMessage = message
	t.DeclinedAt = &now
	t.Status = TransactionFailed
	t.touch()
	t.record(TransactionDeclinedEvent{
		EventBase: newEventBase(EventTransactionDeclined, t.ID),
		Reason:    reason,
		Message:   message,
	})
	return nil
}

// Cancel voids a pending or authorized transaction. Completed money movements
// must be refunded instead.
func (t *Transaction) Cancel(reason string) error {
	if t.Status.IsTerminal() {
		return t.transitionError("cancel")
	}
	now := timeNow()
	t.CancelledAt = &now
	t.Status = TransactionCancelled
	t.touch()
	t.record(TransactionCancelledEvent{
		EventBase: newEventBase(EventTransactionCancelled, t.ID),
		Reason:    reason,
	})
	return nil
}

// Refund books a new child transaction of type refund. The parent keeps its
// status; its refundable amount shrinks instead.
func (t *Transaction) Refund(amount Money, reason string) (*Transaction, error) {
	if t.Status != TransactionSuccessful {
		return nil, t.transitionError("refund")
	}
	if t.Type == TransactionTypeRefund {
		return nil, errors.InvalidTransitionf("refund transaction %s cannot be refunded", t.TransactionNumber)
	}
	if !amount.IsPositive() {
		return nil, errors.Validationf("refund amount must be positive")
	}
	if strings.TrimSpace(reason) == "" {
		return nil, errors.Validationf("refund reason is required")
	}
	refundable := t.GetRefundableAmount()
	over, err := amount.GreaterThan(refundable)
	if err != nil {
		return nil, err
	}
	if over {
		return nil, errors.NewAppErrorf(errors.InsufficientBalance, "refund amount %s exceeds refundable amount %s", amount, refundable)
	}

	now := timeNow()
	parentID := t.ID
	child := &Transaction{
		ID:                  uuid.New(),
		TransactionNumber:   newNumber("TX"),
		PaymentID:           t.PaymentID,
		Amount:              amount,
		CapturedAmount:      &amount,
		Type:                TransactionTypeRefund,
		Status:              TransactionSuccessful,
		PaymentMethodID:     t.PaymentMethodID,
		CustomerID:          t.CustomerID,
		MerchantID:          t.MerchantID,
		OrderID:             t.OrderID,
		ParentTransactionID: &parentID,
		Description:         reason,
		Metadata:            Metadata{},
		CapturedAt:          &now,
		Version:             1,
		Auditable:           newAuditable(),
	}
	child.recordCreated()

	t.ChildTransactions = append(t.ChildTransactions, child)
	t.RefundedAt = &now
	t.touch()
	t.record(TransactionRefundedEvent{
		EventBase:           newEventBase(EventTransactionRefunded, t.ID),
		RefundTransactionID: child.ID,
		Amount:              amount,
		Reason:              reason,
	})
	return child, nil
}

// Settle marks processor-side clearing. Repeated calls are no-ops.
func (t *Transaction) Settle() error {
	if t.Status != TransactionSuccessful {
		return t.transitionError("settle")
	}
	if t.SettledAt != nil {
		return nil
	}
	now := timeNow()
	t.SettledAt = &now
	t.touch()
	t.record(TransactionSettledEvent{
		EventBase: newEventBase(EventTransactionSettled, t.ID),
		SettledAt: now,
	})
	return nil
}

// SetFraudScore stores the latest score. Later calls overwrite earlier ones.
// The score never changes the status by itself.
func (t *Transaction) SetFraudScore(score int) error {
	if score < 0 || score > 100 {
		return errors.Validationf("fraud score %d out of range [0,100]", score)
	}
	s := score
	t.FraudScore = &s
	t.touch()
	if score >= HighFraudRiskScore {
		t.record(HighFraudRiskDetectedEvent{
			EventBase: newEventBase(EventHighFraudRiskDetected, t.ID),
			PaymentID: t.PaymentID,
			Score:     score,
		})
	}
	return nil
}

func (t *Transaction) IsHighFraudRisk() bool {
	return t.FraudScore != nil && *t.FraudScore >= HighFraudRiskScore
}

func (t *Transaction) SetFees(fees Money) error {
	if fees.IsNegative() {
		return errors.Validationf("fees cannot be negative")
	}
	if err := fees.Currency().Validate(); err != nil {
		return err
	}
	t.Fees = &fees
	t.touch()
	return nil
}

// SettledAmount is what actually moved: the captured amount once successful.
func (t *Transaction) SettledAmount() Money {
	if t.CapturedAmount != nil {
		return *t.CapturedAmount
	}
	if t.Status == TransactionSuccessful {
		return t.Amount
	}
	return Zero(t.Amount.Currency())
}

// RefundedAmount sums the successful child refunds.
func (t *Transaction) RefundedAmount() Money {
	total := Zero(t.Amount.Currency())
	for _, c := range t.ChildTransactions {
		if c.Type == TransactionTypeRefund && c.Status == TransactionSuccessful {
			total, _ = total.Add(c.Amount)
		}
	}
	return total
}

// GetRefundableAmount is the captured amount minus successful child refunds.
// Refund rejects requests above it, so it never goes negative.
func (t *Transaction) GetRefundableAmount() Money {
	if t.Status != TransactionSuccessful || t.Type == TransactionTypeRefund {
		return Zero(t.Amount.Currency())
	}
	refundable, _ := t.SettledAmount().Subtract(t.RefundedAmount())
	if refundable.IsNegative() {
		return Zero(t.Amount.Currency())
	}
	return refundable
}

func (t *Transaction) CanBeRefunded() bool {
	return t.Status == TransactionSuccessful && t.Type != TransactionTypeRefund && t.GetRefundableAmount().IsPositive()
}

func (t *Transaction) IsOpen() bool {
	return t.Status == TransactionPending || t.Status == TransactionAuthorized
}
