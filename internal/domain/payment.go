package domain

import (
	"time"

	"github.com/google/uuid"

	"payment-core/internal/errors"
)

type PaymentStatus string

const (
	PaymentCreated           PaymentStatus = "created"
	PaymentPending           PaymentStatus = "pending"
	PaymentProcessing        PaymentStatus = "processing"
	PaymentAuthorized        PaymentStatus = "authorized"
	PaymentCaptured          PaymentStatus = "captured"
	PaymentCompleted         PaymentStatus = "completed"
	PaymentFailed            PaymentStatus = "failed"
	PaymentCancelled         PaymentStatus = "cancelled"
	PaymentExpired           PaymentStatus = "expired"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentRefunded          PaymentStatus = "refunded"
)

// DefaultPaymentExpiry is how long a payment may stay unattempted.
const DefaultPaymentExpiry = 30 * time.Minute

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentCreated:           {PaymentPending, PaymentProcessing, PaymentCancelled, PaymentExpired, PaymentFailed},
	PaymentPending:           {PaymentProcessing, PaymentAuthorized, PaymentCancelled, PaymentExpired, PaymentFailed},
	PaymentProcessing:        {PaymentPending, PaymentAuthorized, PaymentCaptured, PaymentCompleted, PaymentFailed, PaymentCancelled},
	PaymentAuthorized:        {PaymentProcessing, PaymentCaptured, PaymentCompleted, PaymentCancelled, PaymentFailed, PaymentExpired},
	PaymentCaptured:          {PaymentCompleted, PaymentPartiallyRefunded, PaymentRefunded},
	PaymentCompleted:         {PaymentPartiallyRefunded, PaymentRefunded},
	PaymentPartiallyRefunded: {PaymentPartiallyRefunded, PaymentRefunded},
	PaymentFailed:            {PaymentPending},
	PaymentCancelled:         {PaymentPending},
	PaymentExpired:           {},
	PaymentRefunded:          {},
}

// GetPossibleNextStatuses returns the statuses reachable from s.
func (s PaymentStatus) GetPossibleNextStatuses() []PaymentStatus {
	return append([]PaymentStatus(nil), paymentTransitions[s]...)
}

func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type Payment struct {
	ID                   uuid.UUID         `json:"id"`
	CustomerID           uuid.UUID         `json:"customer_id"`
	MerchantID           uuid.UUID         `json:"merchant_id"`
	OrderID              uuid.UUID         `json:"order_id"`
	Reference            string            `json:"reference"`
	Status               PaymentStatus     `json:"status"`
	Method               PaymentMethodType `json:"method"`
	Amount               Money             `json:"amount"`
	Description          string            `json:"description,omitempty"`
	Metadata             Metadata          `json:"metadata,omitempty"`
	ReturnURL            string            `json:"return_url,omitempty"`
	CancelURL            string            `json:"cancel_url,omitempty"`
	WebhookURL           string            `json:"webhook_url,omitempty"`
	AllowPartialPayments bool              `json:"allow_partial_payments"`
	MinimumPartialAmount *Money            `json:"minimum_partial_amount,omitempty"`
	FailureReason        string            `json:"failure_reason,omitempty"`
	ExpiresAt            *time.Time        `json:"expires_at,omitempty"`
	ConfirmedAt          *time.Time        `json:"confirmed_at,omitempty"`
	Transactions         []*Transaction    `json:"transactions"`
	Version              int64             `json:"version"`
	Auditable
	eventRecorder
}

type NewPaymentParams struct {
	CustomerID           uuid.UUID
	MerchantID           uuid.UUID
	OrderID              uuid.UUID
	Method               PaymentMethodType
	Amount               Money
	Description          string
	Metadata             Metadata
	ReturnURL            string
	CancelURL            string
	WebhookURL           string
	AllowPartialPayments bool
	MinimumPartialAmount *Money
	ExpiresIn            time.Duration
}

func NewPayment(p NewPaymentParams) (*Payment, error) {
	if p.CustomerID == uuid.Nil || p.MerchantID == uuid.Nil || p.OrderID == uuid.Nil {
		return nil, errors.Validationf("customer, merchant and order ids are required")
	}
	if !p.Method.Valid() {
		return nil, errors.Validationf("unknown payment method type %q", p.Method)
	}
	if !p.Amount.IsPositive() {
		return nil, errors.Validationf("payment amount must be positive")
	}
	if err := p.Amount.Currency().Validate(); err != nil {
		return nil, err
	}
	if p.MinimumPartialAmount != nil {
		if !p.AllowPartialPayments {
			return nil, errors.Validationf("minimum partial amount requires partial payments to be allowed")
		}
		if !p.MinimumPartialAmount.IsPositive() {
			return nil, errors.Validationf("minimum partial amount must be positive")
		}
		over, err := p.MinimumPartialAmount.GreaterThan(p.Amount)
		if err != nil {
			return nil, err
		}
		if over {
			return nil, errors.Validationf("minimum partial amount exceeds payment amount")
		}
	}
	if p.ExpiresIn <= 0 {
		p.ExpiresIn = DefaultPaymentExpiry
	}

	audit := newAuditable()
	expires := audit.CreatedAt.Add(p.ExpiresIn)
	pay := &Payment{
		ID:                   uuid.New(),
		CustomerID:           p.CustomerID,
		MerchantID:           p.MerchantID,
		OrderID:              p.OrderID,
		Reference:            newNumber("PAY"),
		Status:               PaymentCreated,
		Method:               p.Method,
		Amount:               p.Amount,
		Description:          p.Description,
		Metadata:             p.Metadata.Clone(),
		ReturnURL:            p.ReturnURL,
		CancelURL:            p.CancelURL,
		WebhookURL:           p.WebhookURL,
		AllowPartialPayments: p.AllowPartialPayments,
		MinimumPartialAmount: p.MinimumPartialAmount,
		ExpiresAt:            &expires,
		Transactions:         []*Transaction{},
		Version:              1,
		Auditable:            audit,
	}
	if pay.Metadata == nil {
		pay.Metadata = Metadata{}
	}
	pay.record(PaymentCreatedEvent{
		EventBase:  newEventBase(EventPaymentCreated, pay.ID),
		CustomerID: pay.CustomerID,
		MerchantID: pay.MerchantID,
		OrderID:    pay.OrderID,
		Reference:  pay.Reference,
		Amount:     pay.Amount,
	})
	return pay, nil
}

func (p *Payment) GetPossibleNextStatuses() []PaymentStatus {
	return p.Status.GetPossibleNextStatuses()
}

// UpdateStatus moves the payment along the transition table. Entering
// completed or captured stamps ConfirmedAt.
func (p *Payment) UpdateStatus(next PaymentStatus) error {
	if p.IsDeleted() {
		return errors.InvalidTransitionf("payment %s is archived", p.Reference)
	}
	if !p.Status.CanTransitionTo(next) {
		return errors.InvalidTransitionf("payment %s cannot move from %s to %s", p.Reference, p.Status, next)
	}
	from := p.Status
	p.Status = next
	p.touch()
	p.record(PaymentStatusChangedEvent{
		EventBase: newEventBase(EventPaymentStatusChanged, p.ID),
		From:      from,
		To:        next,
	})

	switch next {
	case PaymentCompleted, PaymentCaptured:
		if p.ConfirmedAt == nil {
			now := timeNow()
			p.ConfirmedAt = &now
			p.record(PaymentCompletedEvent{
				EventBase:   newEventBase(EventPaymentCompleted, p.ID),
				Reference:   p.Reference,
				Amount:      p.Amount,
				Status:      next,
				ConfirmedAt: now,
			})
		}
	case PaymentFailed:
		p.record(PaymentFailedEvent{
			EventBase: newEventBase(EventPaymentFailed, p.ID),
			Reference: p.Reference,
			Reason:    p.FailureReason,
		})
	case PaymentPending:
		p.FailureReason = ""
	}
	return nil
}

func (p *Payment) MarkAsFailed(reason string) error {
	if !p.Status.CanTransitionTo(PaymentFailed) {
		return errors.InvalidTransitionf("payment %s cannot fail from %s", p.Reference, p.Status)
	}
	p.FailureReason = reason
	return p.UpdateStatus(PaymentFailed)
}

// AddTransaction appends tx; existing transactions are never removed or
// reordered. Payment transactions may not exceed the remaining balance and,
// unless partial payments are allowed, must settle it in full.
func (p *Payment) AddTransaction(tx *Transaction) error {
	if tx.PaymentID != p.ID {
		return errors.Validationf("transaction %s belongs to payment %s", tx.TransactionNumber, tx.PaymentID)
	}
	if tx.Amount.Currency() != p.Amount.Currency() {
		return errors.NewAppErrorf(errors.CurrencyMismatch, "transaction currency %s does not match payment currency %s", tx.Amount.Currency(), p.Amount.Currency())
	}
	for _, existing := range p.Transactions {
		if existing.ID == tx.ID {
			return errors.Validationf("transaction %s already added", tx.TransactionNumber)
		}
	}

	if tx.Type == TransactionTypePayment {
		remaining := p.RemainingAmount()
		over, _ := tx.Amount.GreaterThan(remaining)
		if over {
			return errors.NewAppErrorf(errors.LimitExceeded, "transaction amount %s exceeds remaining balance %s", tx.Amount, remaining)
		}
		if !p.AllowPartialPayments {
			if eq, _ := tx.Amount.Equal(remaining); !eq {
				return errors.Validationf("partial payments are not allowed: expected %s", remaining)
			}
		} else if !p.IsPartialPaymentValid(tx.Amount) {
			if eq, _ := tx.Amount.Equal(remaining); !eq {
				return errors.Validationf("partial amount %s is below the minimum %s", tx.Amount, p.MinimumPartialAmount)
			}
		}
	}

	p.Transactions = append(p.Transactions, tx)
	p.touch()
	return nil
}

// IsPartialPaymentValid only makes sense when partial payments are enabled.
func (p *Payment) IsPartialPaymentValid(amount Money) bool {
	if !p.AllowPartialPayments || !amount.IsPositive() {
		return false
	}
	if p.MinimumPartialAmount == nil {
		return true
	}
	ok, err := amount.GreaterThanOrEqual(*p.MinimumPartialAmount)
	return err == nil && ok
}

// CommittedAmount sums payment transactions that are open or successful.
func (p *Payment) CommittedAmount() Money {
	total := Zero(p.Amount.Currency())
	for _, tx := range p.Transactions {
		if tx.Type != TransactionTypePayment {
			continue
		}
		switch {
		case tx.IsOpen():
			total, _ = total.Add(tx.Amount)
		case tx.Status == TransactionSuccessful:
			total, _ = total.Add(tx.SettledAmount())
		}
	}
	return total
}

func (p *Payment) RemainingAmount() Money {
	remaining, _ := p.Amount.Subtract(p.CommittedAmount())
	if remaining.IsNegative() {
		return Zero(p.Amount.Currency())
	}
	return remaining
}

func (p *Payment) CapturedAmount() Money {
	total := Zero(p.Amount.Currency())
	for _, tx := range p.Transactions {
		if tx.Type == TransactionTypePayment && tx.Status == TransactionSuccessful {
			total, _ = total.Add(tx.SettledAmount())
		}
	}
	return total
}

func (p *Payment) RefundedAmount() Money {
	total := Zero(p.Amount.Currency())
	for _, tx := range p.Transactions {
		if tx.Type == TransactionTypePayment {
			total, _ = total.Add(tx.RefundedAmount())
		}
	}
	return total
}

func (p *Payment) RefundableAmount() Money {
	total := Zero(p.Amount.Currency())
	for _, tx := range p.Transactions {
		if tx.Type == TransactionTypePayment {
			total, _ = total.Add(tx.GetRefundableAmount())
		}
	}
	return total
}

func (p *Payment) IsFullyCaptured() bool {
	ok, _ := p.CapturedAmount().GreaterThanOrEqual(p.Amount)
	return ok
}

func (p *Payment) IsFullyPaid() bool {
	return p.Status == PaymentCompleted || p.Status == PaymentCaptured
}

func (p *Payment) CanRetry() bool {
	return p.Status == PaymentFailed || p.Status == PaymentCancelled
}

// Retry reopens a failed or cancelled payment with a fresh expiry window.
// Archive soft-deletes a payment that ended without moving money. An archived
// payment is still readable by id but drops out of searches and never changes
// status again.
func (p *Payment) Archive() error {
	switch p.Status {
	case PaymentFailed, PaymentCancelled, PaymentExpired:
	default:
		return errors.InvalidTransitionf("payment %s cannot be archived in status %s", p.Reference, p.Status)
	}
	if p.HasOpenTransactions() {
		return errors.InvalidTransitionf("payment %s still has open transactions", p.Reference)
	}
	p.SoftDelete()
	return nil
}

func (p *Payment) Retry(expiresIn time.Duration) error {
	if !p.CanRetry() {
		return errors.InvalidTransitionf("payment %s cannot be retried from %s", p.Reference, p.Status)
	}
	if expiresIn <= 0 {
		expiresIn = DefaultPaymentExpiry
	}
	if err := p.UpdateStatus(PaymentPending); err != nil {
		return err
	}
	expires := timeNow().Add(expiresIn)
	p.ExpiresAt = &expires
	return nil
}

// IsExpired is true once an unattempted payment passes ExpiresAt. A payment
// that already holds or captured funds through an earlier attempt never
// expires: it waits for the remaining amount instead.
func (p *Payment) IsExpired() bool {
	if p.ExpiresAt == nil {
		return false
	}
	if p.Status != PaymentCreated && p.Status != PaymentPending {
		return false
	}
	if p.holdsFunds() {
		return false
	}
	return timeNow().After(*p.ExpiresAt)
}

func (p *Payment) holdsFunds() bool {
	for _, tx := range p.Transactions {
		if tx.Type != TransactionTypePayment {
			continue
		}
		if tx.Status == TransactionAuthorized || tx.Status == TransactionSuccessful {
			return true
		}
	}
	return false
}

func (p *Payment) HasOpenTransactions() bool {
	for _, tx := range p.Transactions {
		if tx.IsOpen() {
			return true
		}
	}
	return false
}

// Transaction finds a transaction, including refund children, by id.
func (p *Payment) Transaction(id uuid.UUID) *Transaction {
	for _, tx := range p.Transactions {
		if tx.ID == id {
			return tx
		}
		for _, child := range tx.ChildTransactions {
			if child.ID == id {
				return child
			}
		}
	}
	return nil
}

// LatestTransaction returns the most recent payment attempt, if any.
func (p *Payment) LatestTransaction() *Transaction {
	for i := len(p.Transactions) - 1; i >= 0; i-- {
		if p.Transactions[i].Type == TransactionTypePayment {
			return p.Transactions[i]
		}
	}
	return nil
}
