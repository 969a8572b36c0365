package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"payment-core/internal/domain"
	"payment-core/internal/errors"
)

const transactionColumns = `
	id, transaction_number, payment_id, amount, currency, captured_amount, type, status,
	payment_method_id, customer_id, merchant_id, order_id, external_reference,
	authorization_code, decline_reason, decline_message, fraud_score, parent_transaction_id,
	fees, fees_currency, description, metadata, authorization_expires_at, authorized_at,
	captured_at, settled_at, declined_at, cancelled_at, refunded_at, version,
	created_at, updated_at, deleted_at`

type transactionRepository struct {
	db     SQLExecutor
	logger *zap.Logger
}

func NewTransactionRepository(db SQLExecutor, logger *zap.Logger) domain.TransactionRepository {
	return &transactionRepository{
		db:     db,
		logger: logger,
	}
}

func (r *transactionRepository) Create(ctx context.Context, t *domain.Transaction) error {
	query := `INSERT INTO transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33)`

	var captured interface{}
	if t.CapturedAmount != nil {
		captured = t.CapturedAmount.Amount().String()
	}
	fees, feesCurrency := moneyArgs(t.Fees)

	_, err := r.db.ExecContext(ctx, query,
		t.ID,
		t.TransactionNumber,
		t.PaymentID,
		t.Amount.Amount().String(),
		string(t.Amount.Currency()),
		captured,
		t.Type,
		t.Status,
		t.PaymentMethodID,
		t.CustomerID,
		t.MerchantID,
		nullUUID(t.OrderID),
		t.ExternalReference,
		t.AuthorizationCode,
		t.DeclineReason,
		t.DeclineMessage,
		fraudScoreArg(t.FraudScore),
		nullUUID(t.ParentTransactionID),
		fees,
		feesCurrency,
		t.Description,
		jsonColumn{t.Metadata},
		nullTime(t.AuthorizationExpiresAt),
		nullTime(t.AuthorizedAt),
		nullTime(t.CapturedAt),
		nullTime(t.SettledAt),
		nullTime(t.DeclinedAt),
		nullTime(t.CancelledAt),
		nullTime(t.RefundedAt),
		t.Version,
		t.CreatedAt,
		t.UpdatedAt,
		nullTime(t.DeletedAt),
	)
	if err != nil {
		if isUniqueViolation(err, "") {
			r.logger.Warn("Duplicate transaction", zap.String("transaction_number", t.TransactionNumber))
			return errors.NewAppErrorf(errors.ConcurrencyConflict, "transaction %s already exists", t.TransactionNumber)
		}
		r.logger.Error("Failed to create transaction",
			zap.String("transaction_id", t.ID.String()),
			zap.String("payment_id", t.PaymentID.String()),
			zap.Error(err))
		return internalError("failed to create transaction", err)
	}

	r.logger.Debug("Transaction created", zap.String("transaction_id", t.ID.String()))
	return nil
}

func (r *transactionRepository) Update(ctx context.Context, t *domain.Transaction) error {
	query := `
		UPDATE transactions SET
			captured_amount = $1, status = $2, external_reference = $3, authorization_code = $4,
			decline_reason = $5, decline_message = $6, fraud_score = $7, fees = $8, fees_currency = $9,
			description = $10, metadata = $11, authorization_expires_at = $12, authorized_at = $13,
			captured_at = $14, settled_at = $15, declined_at = $16, cancelled_at = $17,
			refunded_at = $18, updated_at = $19, deleted_at = $20, version = version + 1
		WHERE id = $21 AND version = $22`

	var captured interface{}
	if t.CapturedAmount != nil {
		captured = t.CapturedAmount.Amount().String()
	}
	fees, feesCurrency := moneyArgs(t.Fees)

	res, err := r.db.ExecContext(ctx, query,
		captured,
		t.Status,
		t.ExternalReference,
		t.AuthorizationCode,
		t.DeclineReason,
		t.DeclineMessage,
		fraudScoreArg(t.FraudScore),
		fees,
		feesCurrency,
		t.Description,
		jsonColumn{t.Metadata},
		nullTime(t.AuthorizationExpiresAt),
		nullTime(t.AuthorizedAt),
		nullTime(t.CapturedAt),
		nullTime(t.SettledAt),
		nullTime(t.DeclinedAt),
		nullTime(t.CancelledAt),
		nullTime(t.RefundedAt),
		t.UpdatedAt,
		nullTime(t.DeletedAt),
		t.ID,
		t.Version,
	)
	if err != nil {
		r.logger.Error("Failed to update transaction",
			zap.String("transaction_id", t.ID.String()),
			zap.String("status", string(t.Status)),
			zap.Error(err))
		return internalError("failed to update transaction", err)
	}
	if err := checkVersion(res); err != nil {
		r.logger.Warn("Stale transaction write",
			zap.String("transaction_id", t.ID.String()),
			zap.Int64("version", t.Version))
		return err
	}

	t.Version++
	return nil
}

func (r *transactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`

	t, err := scanTransaction(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		r.logger.Error("Failed to get transaction", zap.String("transaction_id", id.String()), zap.Error(err))
		return nil, internalError("failed to get transaction", err)
	}

	children, err := r.query(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE parent_transaction_id = $1 ORDER BY created_at, id`, id)
	if err != nil {
		return nil, err
	}
	t.ChildTransactions = children
	return t, nil
}

// GetByPaymentID returns the payment's top-level transactions in creation
// order, each with its refund children attached.
func (r *transactionRepository) GetByPaymentID(ctx context.Context, paymentID uuid.UUID) ([]*domain.Transaction, error) {
	all, err := r.query(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE payment_id = $1 ORDER BY created_at, id`, paymentID)
	if err != nil {
		return nil, err
	}
	return assembleTransactions(all), nil
}

func (r *transactionRepository) GetByPaymentMethodID(ctx context.Context, methodID uuid.UUID, since time.Time) ([]*domain.Transaction, error) {
	return r.query(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE payment_method_id = $1 AND type = $2 AND created_at >= $3
		ORDER BY created_at, id`, methodID, domain.TransactionTypePayment, since)
}

func (r *transactionRepository) query(ctx context.Context, query string, args ...interface{}) ([]*domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to query transactions", zap.Error(err))
		return nil, internalError("failed to query transactions", err)
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, internalError("failed to scan transaction", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, internalError("failed to iterate transactions", err)
	}
	return out, nil
}

// assembleTransactions attaches refund children to their parents and returns
// the top-level transactions, keeping the input order.
func assembleTransactions(all []*domain.Transaction) []*domain.Transaction {
	byID := make(map[uuid.UUID]*domain.Transaction, len(all))
	for _, t := range all {
		byID[t.ID] = t
	}
	top := make([]*domain.Transaction, 0, len(all))
	for _, t := range all {
		if t.ParentTransactionID != nil {
			if parent, ok := byID[*t.ParentTransactionID]; ok {
				parent.ChildTransactions = append(parent.ChildTransactions, t)
				continue
			}
		}
		top = append(top, t)
	}
	return top
}

func fraudScoreArg(score *int) interface{} {
	if score == nil {
		return nil
	}
	return *score
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var (
		t                                      domain.Transaction
		amount, currency                       string
		captured                               sql.NullString
		orderID, parentID                      sql.NullString
		fraudScore                             sql.NullInt64
		fees                                   nullMoney
		metadata                               domain.Metadata
		authExpires, authorized, capturedAt    sql.NullTime
		settled, declined, cancelled, refunded sql.NullTime
		deleted                                sql.NullTime
	)

	err := row.Scan(
		&t.ID,
		&t.TransactionNumber,
		&t.PaymentID,
		&amount,
		&currency,
		&captured,
		&t.Type,
		&t.Status,
		&t.PaymentMethodID,
		&t.CustomerID,
		&t.MerchantID,
		&orderID,
		&t.ExternalReference,
		&t.AuthorizationCode,
		&t.DeclineReason,
		&t.DeclineMessage,
		&fraudScore,
		&parentID,
		&fees.amount,
		&fees.currency,
		&t.Description,
		jsonColumn{&metadata},
		&authExpires,
		&authorized,
		&capturedAt,
		&settled,
		&declined,
		&cancelled,
		&refunded,
		&t.Version,
		&t.CreatedAt,
		&t.UpdatedAt,
		&deleted,
	)
	if err != nil {
		return nil, err
	}

	if t.Amount, err = parseMoney(amount, currency); err != nil {
		return nil, err
	}
	if captured.Valid {
		c, err := parseMoney(captured.String, currency)
		if err != nil {
			return nil, err
		}
		t.CapturedAmount = &c
	}
	if t.OrderID, err = uuidPtr(orderID); err != nil {
		return nil, err
	}
	if t.ParentTransactionID, err = uuidPtr(parentID); err != nil {
		return nil, err
	}
	if fraudScore.Valid {
		s := int(fraudScore.Int64)
		t.FraudScore = &s
	}
	if t.Fees, err = fees.money(); err != nil {
		return nil, err
	}
	if metadata == nil {
		metadata = domain.Metadata{}
	}
	t.Metadata = metadata
	t.AuthorizationExpiresAt = timePtr(authExpires)
	t.AuthorizedAt = timePtr(authorized)
	t.CapturedAt = timePtr(capturedAt)
	t.SettledAt = timePtr(settled)
	t.DeclinedAt = timePtr(declined)
	t.CancelledAt = timePtr(cancelled)
	t.RefundedAt = timePtr(refunded)
	t.DeletedAt = timePtr(deleted)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}
