package repository

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"payment-core/internal/domain"
	"payment-core/internal/errors"
)

const paymentMethodColumns = `
	id, customer_id, type, display_name, card, daily_limit, daily_limit_currency,
	transaction_limit, transaction_limit_currency, expiry_date, is_active, is_default, token,
	last_used_at, metadata, version, created_at, updated_at, deleted_at`

// uniqueDefaultIndex backs the one-default-per-customer rule.
const uniqueDefaultIndex = "idx_payment_methods_one_default"

type paymentMethodRepository struct {
	db     SQLExecutor
	logger *zap.Logger
}

func NewPaymentMethodRepository(db SQLExecutor, logger *zap.Logger) domain.PaymentMethodRepository {
	return &paymentMethodRepository{
		db:     db,
		logger: logger,
	}
}

func (r *paymentMethodRepository) Create(ctx context.Context, pm *domain.PaymentMethod) error {
	query := `INSERT INTO payment_methods (` + paymentMethodColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	daily, dailyCurrency := moneyArgs(pm.DailyLimit)
	perTx, perTxCurrency := moneyArgs(pm.TransactionLimit)

	_, err := r.db.ExecContext(ctx, query,
		pm.ID,
		pm.CustomerID,
		pm.Type,
		pm.DisplayName,
		jsonColumn{pm.Card},
		daily,
		dailyCurrency,
		perTx,
		perTxCurrency,
		nullTime(pm.ExpiryDate),
		pm.IsActive,
		pm.IsDefault,
		pm.Token,
		nullTime(pm.LastUsedAt),
		jsonColumn{pm.Metadata},
		pm.Version,
		pm.CreatedAt,
		pm.UpdatedAt,
		nullTime(pm.DeletedAt),
	)
	if err != nil {
		return r.writeError("create", pm, err)
	}

	r.logger.Debug("Payment method created",
		zap.String("payment_method_id", pm.ID.String()),
		zap.String("customer_id", pm.CustomerID.String()))
	return nil
}

func (r *paymentMethodRepository) Update(ctx context.Context, pm *domain.PaymentMethod) error {
	query := `
		UPDATE payment_methods SET
			display_name = $1, daily_limit = $2, daily_limit_currency = $3, transaction_limit = $4,
			transaction_limit_currency = $5, expiry_date = $6, is_active = $7, is_default = $8,
			last_used_at = $9, metadata = $10, updated_at = $11, deleted_at = $12, version = version + 1
		WHERE id = $13 AND version = $14`

	daily, dailyCurrency := moneyArgs(pm.DailyLimit)
	perTx, perTxCurrency := moneyArgs(pm.TransactionLimit)

	res, err := r.db.ExecContext(ctx, query,
		pm.DisplayName,
		daily,
		dailyCurrency,
		perTx,
		perTxCurrency,
		nullTime(pm.ExpiryDate),
		pm.IsActive,
		pm.IsDefault,
		nullTime(pm.LastUsedAt),
		jsonColumn{pm.Metadata},
		pm.UpdatedAt,
		nullTime(pm.DeletedAt),
		pm.ID,
		pm.Version,
	)
	if err != nil {
		return r.writeError("update", pm, err)
	}
	if err := checkVersion(res); err != nil {
		r.logger.Warn("Stale payment method write", zap.String("payment_method_id", pm.ID.String()))
		return err
	}

	pm.Version++
	return nil
}

func (r *paymentMethodRepository) writeError(op string, pm *domain.PaymentMethod, err error) error {
	if isUniqueViolation(err, uniqueDefaultIndex) {
		r.logger.Warn("Concurrent default payment method change", zap.String("customer_id", pm.CustomerID.String()))
		return errors.ErrConcurrencyConflict.WithDetails("customer already has a default payment method")
	}
	r.logger.Error("Failed to "+op+" payment method",
		zap.String("payment_method_id", pm.ID.String()),
		zap.Error(err))
	return internalError("failed to "+op+" payment method", err)
}

func (r *paymentMethodRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.PaymentMethod, error) {
	query := `SELECT ` + paymentMethodColumns + ` FROM payment_methods WHERE id = $1`

	pm, err := scanPaymentMethod(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		r.logger.Error("Failed to get payment method", zap.String("payment_method_id", id.String()), zap.Error(err))
		return nil, internalError("failed to get payment method", err)
	}
	return pm, nil
}

func (r *paymentMethodRepository) GetByCustomerID(ctx context.Context, customerID uuid.UUID) ([]*domain.PaymentMethod, error) {
	query := `SELECT ` + paymentMethodColumns + ` FROM payment_methods
		WHERE customer_id = $1 AND deleted_at IS NULL ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query, customerID)
	if err != nil {
		r.logger.Error("Failed to list payment methods", zap.String("customer_id", customerID.String()), zap.Error(err))
		return nil, internalError("failed to list payment methods", err)
	}
	defer rows.Close()

	var methods []*domain.PaymentMethod
	for rows.Next() {
		pm, err := scanPaymentMethod(rows)
		if err != nil {
			return nil, internalError("failed to scan payment method", err)
		}
		methods = append(methods, pm)
	}
	if err := rows.Err(); err != nil {
		return nil, internalError("failed to iterate payment methods", err)
	}
	return methods, nil
}

func scanPaymentMethod(row rowScanner) (*domain.PaymentMethod, error) {
	var (
		pm                    domain.PaymentMethod
		card                  *domain.CardDetails
		daily, perTx          nullMoney
		metadata              domain.Metadata
		expiry, lastUsed, del sql.NullTime
	)

	err := row.Scan(
		&pm.ID,
		&pm.CustomerID,
		&pm.Type,
		&pm.DisplayName,
		jsonColumn{&card},
		&daily.amount,
		&daily.currency,
		&perTx.amount,
		&perTx.currency,
		&expiry,
		&pm.IsActive,
		&pm.IsDefault,
		&pm.Token,
		&lastUsed,
		jsonColumn{&metadata},
		&pm.Version,
		&pm.CreatedAt,
		&pm.UpdatedAt,
		&del,
	)
	if err != nil {
		return nil, err
	}

	pm.Card = card
	if pm.DailyLimit, err = daily.money(); err != nil {
		return nil, err
	}
	if pm.TransactionLimit, err = perTx.money(); err != nil {
		return nil, err
	}
	if metadata == nil {
		metadata = domain.Metadata{}
	}
	pm.Metadata = metadata
	pm.ExpiryDate = timePtr(expiry)
	pm.LastUsedAt = timePtr(lastUsed)
	pm.DeletedAt = timePtr(del)
	pm.CreatedAt = pm.CreatedAt.UTC()
	pm.UpdatedAt = pm.UpdatedAt.UTC()
	return &pm, nil
}
