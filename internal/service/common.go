package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"payment-core/internal/domain"
	"payment-core/internal/errors"
	"payment-core/internal/telemetry"
)

// core is embedded by every service: the unit of work plus the ambient
// logging, tracing and metrics.
type core struct {
	store   domain.UnitOfWork
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	logger  *zap.Logger
}

func newCore(store domain.UnitOfWork, metrics *telemetry.Metrics, logger *zap.Logger) core {
	if logger == nil {
		logger = zap.NewNop()
	}
	return core{
		store:   store,
		metrics: metrics,
		tracer:  telemetry.Tracer("service"),
		logger:  logger,
	}
}

type command struct {
	name    string
	started time.Time
	span    trace.Span
	metrics *telemetry.Metrics
}

func (c *core) begin(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, *command) {
	ctx, span := c.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, &command{name: name, started: time.Now(), span: span, metrics: c.metrics}
}

// end closes the span and counts the command. A non-nil err wins over outcome.
func (c *command) end(outcome string, err error) {
	if err != nil {
		appErr := errors.As(err)
		outcome = string(appErr.Code)
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, appErr.Message)
	}
	c.span.SetAttributes(attribute.String("outcome", outcome))
	c.span.End()
	c.metrics.ObserveCommand(c.name, outcome, c.started)
}

type eventSource interface {
	PullEvents() []domain.Event
}

// appendEvents drains the sources into the outbox. Callers pass only non-nil
// sources.
func appendEvents(ctx context.Context, repos domain.Repositories, sources ...eventSource) error {
	var events []domain.Event
	for _, src := range sources {
		events = append(events, src.PullEvents()...)
	}
	if len(events) == 0 {
		return nil
	}
	return repos.Outbox().Append(ctx, events...)
}

func externalFailure(what string, err error) *errors.AppError {
	return errors.NewAppErrorf(errors.ExternalFailure, "%s failed", what).WithDetails(err.Error())
}

func loadPayment(ctx context.Context, repos domain.Repositories, id uuid.UUID) (*domain.Payment, error) {
	p, err := repos.Payments().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errors.ErrPaymentNotFound.WithDetails(id.String())
	}
	return p, nil
}

// loadTransaction returns the payment together with the transaction instance
// that lives inside it, so both are mutated on the same object graph.
func loadTransaction(ctx context.Context, repos domain.Repositories, id uuid.UUID) (*domain.Payment, *domain.Transaction, error) {
	tx, err := repos.Transactions().GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if tx == nil {
		return nil, nil, errors.ErrTransactionNotFound.WithDetails(id.String())
	}
	p, err := loadPayment(ctx, repos, tx.PaymentID)
	if err != nil {
		return nil, nil, err
	}
	inPayment := p.Transaction(id)
	if inPayment == nil {
		return nil, nil, errors.NewAppErrorf(errors.InternalError, "transaction %s missing from payment %s", id, p.ID)
	}
	return p, inPayment, nil
}

func loadPaymentMethod(ctx context.Context, repos domain.Repositories, id uuid.UUID) (*domain.PaymentMethod, error) {
	pm, err := repos.PaymentMethods().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if pm == nil || pm.IsDeleted() {
		return nil, errors.ErrPaymentMethodNotFound.WithDetails(id.String())
	}
	return pm, nil
}

// moveTo applies next when the table allows it and reports whether it did.
func moveTo(p *domain.Payment, next domain.PaymentStatus) bool {
	if p.Status == next || !p.Status.CanTransitionTo(next) {
		return false
	}
	return p.UpdateStatus(next) == nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
