// Package memory is an in-process implementation of the repositories. It
// stores copies of the aggregates so callers holding a loaded entity cannot
// change stored state without going through Update, and it enforces the same
// version checks as the Postgres store.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"payment-core/internal/domain"
)

type state struct {
	payments     map[uuid.UUID]*domain.Payment
	transactions map[uuid.UUID]*domain.Transaction
	txOrder      []uuid.UUID
	methods      map[uuid.UUID]*domain.PaymentMethod
	methodOrder  []uuid.UUID
	refunds      map[uuid.UUID]*domain.PaymentRefund
	refundOrder  []uuid.UUID
	threeDS      map[uuid.UUID]*domain.ThreeDSecureAuthentication
	outbox       []domain.OutboxMessage
}

func newState() *state {
	return &state{
		payments:     map[uuid.UUID]*domain.Payment{},
		transactions: map[uuid.UUID]*domain.Transaction{},
		methods:      map[uuid.UUID]*domain.PaymentMethod{},
		refunds:      map[uuid.UUID]*domain.PaymentRefund{},
		threeDS:      map[uuid.UUID]*domain.ThreeDSecureAuthentication{},
	}
}

// clone copies the maps. Stored entities are never mutated in place, so
// sharing them between the copies is safe.
func (s *state) clone() *state {
	cp := &state{
		payments:     make(map[uuid.UUID]*domain.Payment, len(s.payments)),
		transactions: make(map[uuid.UUID]*domain.Transaction, len(s.transactions)),
		txOrder:      append([]uuid.UUID(nil), s.txOrder...),
		methods:      make(map[uuid.UUID]*domain.PaymentMethod, len(s.methods)),
		methodOrder:  append([]uuid.UUID(nil), s.methodOrder...),
		refunds:      make(map[uuid.UUID]*domain.PaymentRefund, len(s.refunds)),
		refundOrder:  append([]uuid.UUID(nil), s.refundOrder...),
		threeDS:      make(map[uuid.UUID]*domain.ThreeDSecureAuthentication, len(s.threeDS)),
		outbox:       append([]domain.OutboxMessage(nil), s.outbox...),
	}
	for k, v := range s.payments {
		cp.payments[k] = v
	}
	for k, v := range s.transactions {
		cp.transactions[k] = v
	}
	for k, v := range s.methods {
		cp.methods[k] = v
	}
	for k, v := range s.refunds {
		cp.refunds[k] = v
	}
	for k, v := range s.threeDS {
		cp.threeDS[k] = v
	}
	return cp
}

type Store struct {
	mu   *sync.Mutex
	st   *state
	inTx bool
}

var _ domain.UnitOfWork = (*Store)(nil)

func NewStore() *Store {
	return &Store{mu: &sync.Mutex{}, st: newState()}
}

// do runs fn against the state, taking the lock unless a transaction holds it.
func (s *Store) do(fn func(st *state) error) error {
	if s.inTx {
		return fn(s.st)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.st)
}

// WithTransaction serializes transactions and applies fn's writes only when it
// returns nil.
func (s *Store) WithTransaction(ctx context.Context, fn func(domain.Repositories) error) error {
	if s.inTx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &Store{mu: s.mu, st: s.st.clone(), inTx: true}
	if err := fn(tx); err != nil {
		return err
	}
	s.st = tx.st
	return nil
}

func (s *Store) Payments() domain.PaymentRepository             { return &paymentRepository{s} }
func (s *Store) Transactions() domain.TransactionRepository     { return &transactionRepository{s} }
func (s *Store) PaymentMethods() domain.PaymentMethodRepository { return &paymentMethodRepository{s} }
func (s *Store) Refunds() domain.PaymentRefundRepository        { return &refundRepository{s} }
func (s *Store) ThreeDSecure() domain.ThreeDSecureRepository    { return &threeDSecureRepository{s} }
func (s *Store) Outbox() domain.OutboxRepository                { return &outboxRepository{s} }

// OutboxMessages returns everything appended so far, for tests.
func (s *Store) OutboxMessages() []domain.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.OutboxMessage(nil), s.st.outbox...)
}
