package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"payment-core/internal/domain"
	"payment-core/internal/telemetry"
)

// Relay drains the outbox in batches. Each batch is fetched, published and
// marked inside one unit of work; a failed publish only bumps the attempt
// counters, so the batch is retried on the next tick.
type Relay struct {
	store     domain.UnitOfWork
	publisher Publisher
	batchSize int
	interval  time.Duration
	metrics   *telemetry.Metrics
	logger    *zap.Logger
}

func NewRelay(store domain.UnitOfWork, publisher Publisher, batchSize int, interval time.Duration, metrics *telemetry.Metrics, logger *zap.Logger) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		batchSize: batchSize,
		interval:  interval,
		metrics:   metrics,
		logger:    logger,
	}
}

// RunOnce relays a single batch and returns how many events were published.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	var (
		published  int
		publishErr error
	)
	err := r.store.WithTransaction(ctx, func(repos domain.Repositories) error {
		msgs, err := repos.Outbox().FetchUnpublished(ctx, r.batchSize)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}

		if publishErr = r.publisher.Publish(ctx, msgs...); publishErr != nil {
			for _, msg := range msgs {
				if err := repos.Outbox().MarkFailed(ctx, msg.ID); err != nil {
					return err
				}
			}
			return nil
		}

		ids := make([]uuid.UUID, len(msgs))
		for i, msg := range msgs {
			ids[i] = msg.ID
		}
		if err := repos.Outbox().MarkPublished(ctx, ids...); err != nil {
			return err
		}
		published = len(msgs)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if publishErr != nil {
		if r.metrics != nil {
			r.metrics.OutboxFailures.Inc()
		}
		return 0, publishErr
	}
	if r.metrics != nil && published > 0 {
		r.metrics.OutboxPublished.Add(float64(published))
	}
	return published, nil
}

// Run relays until ctx is cancelled. Full batches are followed immediately by
// the next one; otherwise the relay waits for the interval.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("Outbox relay started",
		zap.Int("batch_size", r.batchSize),
		zap.Duration("interval", r.interval))
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Outbox relay stopped")
			return nil
		case <-timer.C:
		}

		n, err := r.RunOnce(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			r.logger.Warn("Outbox relay batch failed", zap.Error(err))
			timer.Reset(r.interval)
		case n == r.batchSize:
			timer.Reset(0)
		default:
			timer.Reset(r.interval)
		}
	}
}
