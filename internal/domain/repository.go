package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Lookups return (nil, nil) when nothing matches. Update methods compare the
// entity's Version with the stored one, fail with ErrConcurrencyConflict on a
// mismatch and bump Version on success.

type PaymentRepository interface {
	Create(ctx context.Context, p *Payment) error
	Update(ctx context.Context, p *Payment) error
	// GetByID loads the payment with its transactions and their refund children.
	GetByID(ctx context.Context, id uuid.UUID) (*Payment, error)
	GetByReference(ctx context.Context, reference string) (*Payment, error)
	Search(ctx context.Context, filter PaymentFilter) ([]*Payment, int, error)
}

type TransactionRepository interface {
	Create(ctx context.Context, t *Transaction) error
	Update(ctx context.Context, t *Transaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*Transaction, error)
	GetByPaymentID(ctx context.Context, paymentID uuid.UUID) ([]*Transaction, error)
	// GetByPaymentMethodID returns payment-type transactions created at or after since.
	GetByPaymentMethodID(ctx context.Context, methodID uuid.UUID, since time.Time) ([]*Transaction, error)
}

type PaymentMethodRepository interface {
	Create(ctx context.Context, pm *PaymentMethod) error
	Update(ctx context.Context, pm *PaymentMethod) error
	GetByID(ctx context.Context, id uuid.UUID) (*PaymentMethod, error)
	GetByCustomerID(ctx context.Context, customerID uuid.UUID) ([]*PaymentMethod, error)
}

type PaymentRefundRepository interface {
	Create(ctx context.Context, r *PaymentRefund) error
	Update(ctx context.Context, r *PaymentRefund) error
	GetByID(ctx context.Context, id uuid.UUID) (*PaymentRefund, error)
	GetByPaymentID(ctx context.Context, paymentID uuid.UUID) ([]*PaymentRefund, error)
}

type ThreeDSecureRepository interface {
	Create(ctx context.Context, a *ThreeDSecureAuthentication) error
	Update(ctx context.Context, a *ThreeDSecureAuthentication) error
	GetByID(ctx context.Context, id uuid.UUID) (*ThreeDSecureAuthentication, error)
	GetByTransactionID(ctx context.Context, transactionID uuid.UUID) (*ThreeDSecureAuthentication, error)
}

// OutboxMessage is an event serialized for the outbox table.
type OutboxMessage struct {
	ID          uuid.UUID
	EventType   EventType
	AggregateID uuid.UUID
	Payload     []byte
	OccurredAt  time.Time
	PublishedAt *time.Time
	Attempts    int
}

func NewOutboxMessage(e Event) (OutboxMessage, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return OutboxMessage{}, err
	}
	return OutboxMessage{
		ID:          e.EventID(),
		EventType:   e.EventType(),
		AggregateID: e.AggregateID(),
		Payload:     payload,
		OccurredAt:  e.OccurredAt(),
	}, nil
}

type OutboxRepository interface {
	Append(ctx context.Context, events ...Event) error
	// FetchUnpublished locks up to limit pending messages, oldest first.
	FetchUnpublished(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkPublished(ctx context.Context, ids ...uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID) error
}

type Repositories interface {
	Payments() PaymentRepository
	Transactions() TransactionRepository
	PaymentMethods() PaymentMethodRepository
	Refunds() PaymentRefundRepository
	ThreeDSecure() ThreeDSecureRepository
	Outbox() OutboxRepository
}

// UnitOfWork runs fn against repositories bound to a single database
// transaction. Returning an error from fn rolls everything back.
type UnitOfWork interface {
	Repositories
	WithTransaction(ctx context.Context, fn func(Repositories) error) error
}

type PaymentFilter struct {
	CustomerID *uuid.UUID
	MerchantID *uuid.UUID
	OrderID    *uuid.UUID
	Status     *PaymentStatus
	From       *time.Time
	To         *time.Time
	Page       int
	PageSize   int
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Normalize clamps paging to sane bounds. Pages are 1-based.
func (f PaymentFilter) Normalize() PaymentFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	return f
}

func (f PaymentFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}
