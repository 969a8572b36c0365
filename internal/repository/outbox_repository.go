package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"payment-core/internal/domain"
)

type outboxRepository struct {
	db     SQLExecutor
	logger *zap.Logger
}

func NewOutboxRepository(db SQLExecutor, logger *zap.Logger) domain.OutboxRepository {
	return &outboxRepository{
		db:     db,
		logger: logger,
	}
}

// Append is called inside the same transaction that saves the aggregates the
// events came from.
func (r *outboxRepository) Append(ctx context.Context, events ...domain.Event) error {
	for _, e := range events {
		msg, err := domain.NewOutboxMessage(e)
		if err != nil {
			return internalError("failed to encode event", err)
		}
		_, err = r.db.ExecContext(ctx, `
			INSERT INTO outbox (id, event_type, aggregate_id, payload, occurred_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING`,
			msg.ID, msg.EventType, msg.AggregateID, string(msg.Payload), msg.OccurredAt)
		if err != nil {
			r.logger.Error("Failed to append outbox message",
				zap.String("event_type", string(msg.EventType)),
				zap.String("aggregate_id", msg.AggregateID.String()),
				zap.Error(err))
			return internalError("failed to append outbox message", err)
		}
	}
	return nil
}

// FetchUnpublished must run inside WithTransaction so the row locks hold until
// the batch is marked.
func (r *outboxRepository) FetchUnpublished(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, event_type, aggregate_id, payload, occurred_at, attempts
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY occurred_at, id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		r.logger.Error("Failed to fetch outbox", zap.Error(err))
		return nil, internalError("failed to fetch outbox", err)
	}
	defer rows.Close()

	var out []domain.OutboxMessage
	for rows.Next() {
		var (
			msg     domain.OutboxMessage
			payload string
		)
		if err := rows.Scan(&msg.ID, &msg.EventType, &msg.AggregateID, &payload, &msg.OccurredAt, &msg.Attempts); err != nil {
			return nil, internalError("failed to scan outbox message", err)
		}
		msg.Payload = []byte(payload)
		msg.OccurredAt = msg.OccurredAt.UTC()
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, internalError("failed to iterate outbox", err)
	}
	return out, nil
}

func (r *outboxRepository) MarkPublished(ctx context.Context, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE outbox SET published_at = $1, attempts = attempts + 1 WHERE id = ANY($2::uuid[])`,
		time.Now().UTC(), pq.Array(keys))
	if err != nil {
		r.logger.Error("Failed to mark outbox published", zap.Int("count", len(ids)), zap.Error(err))
		return internalError("failed to mark outbox published", err)
	}
	return nil
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE id = $1`, id)
	if err != nil {
		return internalError("failed to mark outbox attempt", err)
	}
	return nil
}
