package repository

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"payment-core/internal/domain"
	"payment-core/internal/errors"
)

// Store provides a unified interface for all repository operations with transaction support
type Store struct {
	executor SQLExecutor
	logger   *zap.Logger
}

var _ domain.UnitOfWork = (*Store)(nil)

// NewStore creates a new Store instance
func NewStore(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{
		executor: db,
		logger:   logger,
	}
}

func (s *Store) Payments() domain.PaymentRepository {
	return NewPaymentRepository(s.executor, s.logger)
}

func (s *Store) Transactions() domain.TransactionRepository {
	return NewTransactionRepository(s.executor, s.logger)
}

func (s *Store) PaymentMethods() domain.PaymentMethodRepository {
	return NewPaymentMethodRepository(s.executor, s.logger)
}

func (s *Store) Refunds() domain.PaymentRefundRepository {
	return NewPaymentRefundRepository(s.executor, s.logger)
}

func (s *Store) ThreeDSecure() domain.ThreeDSecureRepository {
	return NewThreeDSecureRepository(s.executor, s.logger)
}

func (s *Store) Outbox() domain.OutboxRepository {
	return NewOutboxRepository(s.executor, s.logger)
}

// WithTransaction executes fn within a database transaction
func (s *Store) WithTransaction(ctx context.Context, fn func(domain.Repositories) error) error {
	// Only sql.DB can begin transactions
	db, ok := s.executor.(*sql.DB)
	if !ok {
		return errors.ErrCannotBeginTransaction
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return internalError("failed to begin transaction", err)
	}

	txStore := &Store{
		executor: tx,
		logger:   s.logger,
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("Rollback failed", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return internalError("failed to commit transaction", err)
	}
	return nil
}
