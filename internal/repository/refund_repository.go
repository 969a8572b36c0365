package repository

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"payment-core/internal/domain"
)

const refundColumns = `
	id, payment_id, transaction_id, refund_transaction_id, refund_number, amount, currency,
	refunded_amount, reason, status, initiated_by, external_refund_id, processor_refund_id, comments,
	failure_reason, processed_at, completed_at, failed_at, cancelled_at, version,
	created_at, updated_at, deleted_at`

type paymentRefundRepository struct {
	db     SQLExecutor
	logger *zap.Logger
}

func NewPaymentRefundRepository(db SQLExecutor, logger *zap.Logger) domain.PaymentRefundRepository {
	return &paymentRefundRepository{
		db:     db,
		logger: logger,
	}
}

func (r *paymentRefundRepository) Create(ctx context.Context, rf *domain.PaymentRefund) error {
	query := `INSERT INTO payment_refunds (` + refundColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23)`

	_, err := r.db.ExecContext(ctx, query,
		rf.ID,
		rf.PaymentID,
		nullUUID(rf.TransactionID),
		nullUUID(rf.RefundTransactionID),
		rf.RefundNumber,
		rf.Amount.Amount().String(),
		string(rf.Amount.Currency()),
		rf.RefundedAmount.Amount().String(),
		rf.Reason,
		rf.Status,
		rf.InitiatedBy,
		rf.ExternalRefundID,
		rf.ProcessorRefundID,
		rf.Comments,
		rf.FailureReason,
		nullTime(rf.ProcessedAt),
		nullTime(rf.CompletedAt),
		nullTime(rf.FailedAt),
		nullTime(rf.CancelledAt),
		rf.Version,
		rf.CreatedAt,
		rf.UpdatedAt,
		nullTime(rf.DeletedAt),
	)
	if err != nil {
		r.logger.Error("Failed to create refund",
			zap.String("refund_id", rf.ID.String()),
			zap.String("payment_id", rf.PaymentID.String()),
			zap.Error(err))
		return internalError("failed to create refund", err)
	}
	return nil
}

func (r *paymentRefundRepository) Update(ctx context.Context, rf *domain.PaymentRefund) error {
	query := `
		UPDATE payment_refunds SET
			refund_transaction_id = $1, status = $2, processor_refund_id = $3, comments = $4,
			failure_reason = $5, processed_at = $6, completed_at = $7, failed_at = $8,
			cancelled_at = $9, updated_at = $10, deleted_at = $11, refunded_amount = $12,
			version = version + 1
		WHERE id = $13 AND version = $14`

	res, err := r.db.ExecContext(ctx, query,
		nullUUID(rf.RefundTransactionID),
		rf.Status,
		rf.ProcessorRefundID,
		rf.Comments,
		rf.FailureReason,
		nullTime(rf.ProcessedAt),
		nullTime(rf.CompletedAt),
		nullTime(rf.FailedAt),
		nullTime(rf.CancelledAt),
		rf.UpdatedAt,
		nullTime(rf.DeletedAt),
		rf.RefundedAmount.Amount().String(),
		rf.ID,
		rf.Version,
	)
	if err != nil {
		r.logger.Error("Failed to update refund", zap.String("refund_id", rf.ID.String()), zap.Error(err))
		return internalError("failed to update refund", err)
	}
	if err := checkVersion(res); err != nil {
		r.logger.Warn("Stale refund write", zap.String("refund_id", rf.ID.String()))
		return err
	}

	rf.Version++
	return nil
}

func (r *paymentRefundRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.PaymentRefund, error) {
	query := `SELECT ` + refundColumns + ` FROM payment_refunds WHERE id = $1`

	rf, err := scanRefund(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		r.logger.Error("Failed to get refund", zap.String("refund_id", id.String()), zap.Error(err))
		return nil, internalError("failed to get refund", err)
	}
	return rf, nil
}

func (r *paymentRefundRepository) GetByPaymentID(ctx context.Context, paymentID uuid.UUID) ([]*domain.PaymentRefund, error) {
	query := `SELECT ` + refundColumns + ` FROM payment_refunds WHERE payment_id = $1 ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query, paymentID)
	if err != nil {
		r.logger.Error("Failed to list refunds", zap.String("payment_id", paymentID.String()), zap.Error(err))
		return nil, internalError("failed to list refunds", err)
	}
	defer rows.Close()

	var refunds []*domain.PaymentRefund
	for rows.Next() {
		rf, err := scanRefund(rows)
		if err != nil {
			return nil, internalError("failed to scan refund", err)
		}
		refunds = append(refunds, rf)
	}
	if err := rows.Err(); err != nil {
		return nil, internalError("failed to iterate refunds", err)
	}
	return refunds, nil
}

func scanRefund(row rowScanner) (*domain.PaymentRefund, error) {
	var (
		rf                                   domain.PaymentRefund
		amount, currency, refunded           string
		txID, refundTxID                     sql.NullString
		processed, completed, failed, cancel sql.NullTime
		del                                  sql.NullTime
	)

	err := row.Scan(
		&rf.ID,
		&rf.PaymentID,
		&txID,
		&refundTxID,
		&rf.RefundNumber,
		&amount,
		&currency,
		&refunded,
		&rf.Reason,
		&rf.Status,
		&rf.InitiatedBy,
		&rf.ExternalRefundID,
		&rf.ProcessorRefundID,
		&rf.Comments,
		&rf.FailureReason,
		&processed,
		&completed,
		&failed,
		&cancel,
		&rf.Version,
		&rf.CreatedAt,
		&rf.UpdatedAt,
		&del,
	)
	if err != nil {
		return nil, err
	}

	if rf.Amount, err = parseMoney(amount, currency); err != nil {
		return nil, err
	}
	if rf.RefundedAmount, err = parseMoney(refunded, currency); err != nil {
		return nil, err
	}
	if rf.TransactionID, err = uuidPtr(txID); err != nil {
		return nil, err
	}
	if rf.RefundTransactionID, err = uuidPtr(refundTxID); err != nil {
		return nil, err
	}
	rf.ProcessedAt = timePtr(processed)
	rf.CompletedAt = timePtr(completed)
	rf.FailedAt = timePtr(failed)
	rf.CancelledAt = timePtr(cancel)
	rf.DeletedAt = timePtr(del)
	rf.CreatedAt = rf.CreatedAt.UTC()
	rf.UpdatedAt = rf.UpdatedAt.UTC()
	return &rf, nil
}
