package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"payment-core/internal/domain"
	"payment-core/internal/errors"
)

const paymentColumns = `
	id, customer_id, merchant_id, order_id, reference, status, method, amount, currency,
	description, metadata, return_url, cancel_url, webhook_url, allow_partial_payments,
	minimum_partial_amount, failure_reason, expires_at, confirmed_at, version,
	created_at, updated_at, deleted_at`

type paymentRepository struct {
	db           SQLExecutor
	logger       *zap.Logger
	transactions *transactionRepository
}

func NewPaymentRepository(db SQLExecutor, logger *zap.Logger) domain.PaymentRepository {
	return &paymentRepository{
		db:           db,
		logger:       logger,
		transactions: &transactionRepository{db: db, logger: logger},
	}
}

// Create stores the payment row only. Transactions are written through the
// transaction repository.
func (r *paymentRepository) Create(ctx context.Context, p *domain.Payment) error {
	query := `INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22, $23)`

	var minimum interface{}
	if p.MinimumPartialAmount != nil {
		minimum = p.MinimumPartialAmount.Amount().String()
	}

	_, err := r.db.ExecContext(ctx, query,
		p.ID,
		p.CustomerID,
		p.MerchantID,
		p.OrderID,
		p.Reference,
		p.Status,
		p.Method,
		p.Amount.Amount().String(),
		string(p.Amount.Currency()),
		p.Description,
		jsonColumn{p.Metadata},
		p.ReturnURL,
		p.CancelURL,
		p.WebhookURL,
		p.AllowPartialPayments,
		minimum,
		p.FailureReason,
		nullTime(p.ExpiresAt),
		nullTime(p.ConfirmedAt),
		p.Version,
		p.CreatedAt,
		p.UpdatedAt,
		nullTime(p.DeletedAt),
	)
	if err != nil {
		if isUniqueViolation(err, "") {
			r.logger.Warn("Duplicate payment", zap.String("reference", p.Reference))
			return errors.ErrDuplicatePayment.WithDetails(p.Reference)
		}
		r.logger.Error("Failed to create payment",
			zap.String("payment_id", p.ID.String()),
			zap.String("order_id", p.OrderID.String()),
			zap.Error(err))
		return internalError("failed to create payment", err)
	}

	r.logger.Debug("Payment created", zap.String("payment_id", p.ID.String()), zap.String("reference", p.Reference))
	return nil
}

func (r *paymentRepository) Update(ctx context.Context, p *domain.Payment) error {
	query := `
		UPDATE payments SET
			status = $1, description = $2, metadata = $3, failure_reason = $4, expires_at = $5,
			confirmed_at = $6, updated_at = $7, deleted_at = $8, version = version + 1
		WHERE id = $9 AND version = $10`

	res, err := r.db.ExecContext(ctx, query,
		p.Status,
		p.Description,
		jsonColumn{p.Metadata},
		p.FailureReason,
		nullTime(p.ExpiresAt),
		nullTime(p.ConfirmedAt),
		p.UpdatedAt,
		nullTime(p.DeletedAt),
		p.ID,
		p.Version,
	)
	if err != nil {
		r.logger.Error("Failed to update payment",
			zap.String("payment_id", p.ID.String()),
			zap.String("status", string(p.Status)),
			zap.Error(err))
		return internalError("failed to update payment", err)
	}
	if err := checkVersion(res); err != nil {
		r.logger.Warn("Stale payment write", zap.String("payment_id", p.ID.String()), zap.Int64("version", p.Version))
		return err
	}

	p.Version++
	return nil
}

func (r *paymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	return r.get(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
}

func (r *paymentRepository) GetByReference(ctx context.Context, reference string) (*domain.Payment, error) {
	return r.get(ctx, `SELECT `+paymentColumns+` FROM payments WHERE reference = $1`, reference)
}

func (r *paymentRepository) get(ctx context.Context, query string, arg interface{}) (*domain.Payment, error) {
	p, err := scanPayment(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		r.logger.Error("Failed to get payment", zap.Any("arg", arg), zap.Error(err))
		return nil, internalError("failed to get payment", err)
	}

	txs, err := r.transactions.GetByPaymentID(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	p.Transactions = txs
	return p, nil
}

// Search returns one page of payments without their transactions, newest
// first, and the total number of matches.
func (r *paymentRepository) Search(ctx context.Context, filter domain.PaymentFilter) ([]*domain.Payment, int, error) {
	filter = filter.Normalize()

	where := []string{"deleted_at IS NULL"}
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.CustomerID != nil {
		add("customer_id = $%d", *filter.CustomerID)
	}
	if filter.MerchantID != nil {
		add("merchant_id = $%d", *filter.MerchantID)
	}
	if filter.OrderID != nil {
		add("order_id = $%d", *filter.OrderID)
	}
	if filter.Status != nil {
		add("status = $%d", *filter.Status)
	}
	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("created_at < $%d", *filter.To)
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM payments WHERE `+clause, args...).Scan(&total); err != nil {
		r.logger.Error("Failed to count payments", zap.Error(err))
		return nil, 0, internalError("failed to count payments", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM payments WHERE %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		paymentColumns, clause, len(args)+1, len(args)+2)
	rows, err := r.db.QueryContext(ctx, query, append(args, filter.PageSize, filter.Offset())...)
	if err != nil {
		r.logger.Error("Failed to search payments", zap.Error(err))
		return nil, 0, internalError("failed to search payments", err)
	}
	defer rows.Close()

	payments := make([]*domain.Payment, 0, filter.PageSize)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, 0, internalError("failed to scan payment", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, internalError("failed to iterate payments", err)
	}
	return payments, total, nil
}

func scanPayment(row rowScanner) (*domain.Payment, error) {
	var (
		p                       domain.Payment
		amount, currency        string
		minimum                 sql.NullString
		metadata                domain.Metadata
		expires, confirmed, del sql.NullTime
	)

	err := row.Scan(
		&p.ID,
		&p.CustomerID,
		&p.MerchantID,
		&p.OrderID,
		&p.Reference,
		&p.Status,
		&p.Method,
		&amount,
		&currency,
		&p.Description,
		jsonColumn{&metadata},
		&p.ReturnURL,
		&p.CancelURL,
		&p.WebhookURL,
		&p.AllowPartialPayments,
		&minimum,
		&p.FailureReason,
		&expires,
		&confirmed,
		&p.Version,
		&p.CreatedAt,
		&p.UpdatedAt,
		&del,
	)
	if err != nil {
		return nil, err
	}

	if p.Amount, err = parseMoney(amount, currency); err != nil {
		return nil, err
	}
	if minimum.Valid {
		m, err := parseMoney(minimum.String, currency)
		if err != nil {
			return nil, err
		}
		p.MinimumPartialAmount = &m
	}
	if metadata == nil {
		metadata = domain.Metadata{}
	}
	p.Metadata = metadata
	p.ExpiresAt = timePtr(expires)
	p.ConfirmedAt = timePtr(confirmed)
	p.DeletedAt = timePtr(del)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	p.Transactions = []*domain.Transaction{}
	return &p, nil
}
