package repository

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"payment-core/internal/domain"
)

const threeDSecureColumns = `
	id, transaction_id, card_id, status, authentication_url, authentication_token, cavv, eci,
	xid, failure_reason, expires_at, completed_at, version, created_at, updated_at, deleted_at`

type threeDSecureRepository struct {
	db     SQLExecutor
	logger *zap.Logger
}

func NewThreeDSecureRepository(db SQLExecutor, logger *zap.Logger) domain.ThreeDSecureRepository {
	return &threeDSecureRepository{
		db:     db,
		logger: logger,
	}
}

func (r *threeDSecureRepository) Create(ctx context.Context, a *domain.ThreeDSecureAuthentication) error {
	query := `INSERT INTO three_d_secure_authentications (` + threeDSecureColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err := r.db.ExecContext(ctx, query,
		a.ID,
		a.TransactionID,
		a.CardID,
		a.Status,
		a.AuthenticationURL,
		a.AuthenticationToken,
		a.CAVV,
		a.ECI,
		a.XID,
		a.FailureReason,
		a.ExpiresAt,
		nullTime(a.CompletedAt),
		a.Version,
		a.CreatedAt,
		a.UpdatedAt,
		nullTime(a.DeletedAt),
	)
	if err != nil {
		r.logger.Error("Failed to create 3DS authentication",
			zap.String("authentication_id", a.ID.String()),
			zap.String("transaction_id", a.TransactionID.String()),
			zap.Error(err))
		return internalError("failed to create 3DS authentication", err)
	}
	return nil
}

func (r *threeDSecureRepository) Update(ctx context.Context, a *domain.ThreeDSecureAuthentication) error {
	query := `
		UPDATE three_d_secure_authentications SET
			status = $1, cavv = $2, eci = $3, xid = $4, failure_reason = $5, completed_at = $6,
			updated_at = $7, deleted_at = $8, version = version + 1
		WHERE id = $9 AND version = $10`

	res, err := r.db.ExecContext(ctx, query,
		a.Status,
		a.CAVV,
		a.ECI,
		a.XID,
		a.FailureReason,
		nullTime(a.CompletedAt),
		a.UpdatedAt,
		nullTime(a.DeletedAt),
		a.ID,
		a.Version,
	)
	if err != nil {
		r.logger.Error("Failed to update 3DS authentication", zap.String("authentication_id", a.ID.String()), zap.Error(err))
		return internalError("failed to update 3DS authentication", err)
	}
	if err := checkVersion(res); err != nil {
		return err
	}

	a.Version++
	return nil
}

func (r *threeDSecureRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.ThreeDSecureAuthentication, error) {
	return r.get(ctx, `SELECT `+threeDSecureColumns+` FROM three_d_secure_authentications WHERE id = $1`, id)
}

// GetByTransactionID returns the most recent authentication for the transaction.
func (r *threeDSecureRepository) GetByTransactionID(ctx context.Context, transactionID uuid.UUID) (*domain.ThreeDSecureAuthentication, error) {
	return r.get(ctx, `SELECT `+threeDSecureColumns+` FROM three_d_secure_authentications
		WHERE transaction_id = $1 ORDER BY created_at DESC LIMIT 1`, transactionID)
}

func (r *threeDSecureRepository) get(ctx context.Context, query string, id uuid.UUID) (*domain.ThreeDSecureAuthentication, error) {
	var (
		a         domain.ThreeDSecureAuthentication
		completed sql.NullTime
		del       sql.NullTime
	)

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&a.ID,
		&a.TransactionID,
		&a.CardID,
		&a.Status,
		&a.AuthenticationURL,
		&a.AuthenticationToken,
		&a.CAVV,
		&a.ECI,
		&a.XID,
		&a.FailureReason,
		&a.ExpiresAt,
		&completed,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
		&del,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		r.logger.Error("Failed to get 3DS authentication", zap.String("id", id.String()), zap.Error(err))
		return nil, internalError("failed to get 3DS authentication", err)
	}

	a.CompletedAt = timePtr(completed)
	a.DeletedAt = timePtr(del)
	a.ExpiresAt = a.ExpiresAt.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}
