package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"payment-core/internal/domain"
	"payment-core/internal/errors"
	"payment-core/internal/telemetry"
)

// RefundService runs refunds that need a second person's approval. The
// request reserves the amount; approval moves the money.
type RefundService struct {
	core
	processors ProcessorFactory
	notifier   Notifier
}

func NewRefundService(
	store domain.UnitOfWork,
	processors ProcessorFactory,
	notifier Notifier,
	metrics *telemetry.Metrics,
	logger *zap.Logger,
) *RefundService {
	return &RefundService{
		core:       newCore(store, metrics, logger),
		processors: processors,
		notifier:   notifier,
	}
}

type RequestRefundRequest struct {
	PaymentID uuid.UUID
	// TransactionID pins the refund to one attempt; otherwise it is spread
	// over the payment's captured attempts on approval.
	TransactionID    *uuid.UUID
	Amount           domain.Money
	Reason           string
	InitiatedBy      string
	ExternalRefundID string
}

func (s *RefundService) RequestRefund(ctx context.Context, req *RequestRefundRequest) (r *domain.PaymentRefund, err error) {
	ctx, cmd := s.begin(ctx, "request_refund", attribute.String("payment_id", req.PaymentID.String()))
	defer func() { cmd.end("requested", err) }()

	s.logger.Info("Refund requested",
		zap.String("payment_id", req.PaymentID.String()),
		zap.Stringer("amount", req.Amount),
		zap.String("initiated_by", req.InitiatedBy))

	p, err := loadPayment(ctx, s.store, req.PaymentID)
	if err != nil {
		return nil, err
	}

	available := p.RefundableAmount()
	if req.TransactionID != nil {
		tx := p.Transaction(*req.TransactionID)
		if tx == nil {
			return nil, errors.ErrTransactionNotFound.WithDetails(req.TransactionID.String())
		}
		if !tx.CanBeRefunded() {
			return nil, errors.InvalidTransitionf("transaction %s cannot be refunded", tx.TransactionNumber)
		}
		available = tx.GetRefundableAmount()
	} else if !available.IsPositive() {
		return nil, errors.InvalidTransitionf("payment %s has nothing left to refund", p.Reference)
	}

	existing, err := s.store.Refunds().GetByPaymentID(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	reserved := domain.Zero(p.Amount.Currency())
	for _, other := range existing {
		if !other.Status.IsOpen() {
			continue
		}
		if req.TransactionID != nil && other.TransactionID != nil && *other.TransactionID != *req.TransactionID {
			continue
		}
		if reserved, err = reserved.Add(other.Outstanding()); err != nil {
			return nil, err
		}
	}
	available, err = available.Subtract(reserved)
	if err != nil {
		return nil, err
	}
	over, err := req.Amount.GreaterThan(available)
	if err != nil {
		return nil, err
	}
	if over {
		return nil, errors.NewAppErrorf(errors.InsufficientBalance,
			"refund amount %s exceeds what is still refundable (%s after %s in open requests)", req.Amount, available, reserved)
	}

	r, err = domain.NewPaymentRefund(domain.NewPaymentRefundParams{
		PaymentID:        p.ID,
		TransactionID:    req.TransactionID,
		Amount:           req.Amount,
		Reason:           req.Reason,
		InitiatedBy:      req.InitiatedBy,
		ExternalRefundID: req.ExternalRefundID,
	})
	if err != nil {
		return nil, err
	}

	err = s.store.WithTransaction(ctx, func(repos domain.Repositories) error {
		if err := repos.Refunds().Create(ctx, r); err != nil {
			return err
		}
		return appendEvents(ctx, repos, r)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Refund recorded",
		zap.String("refund_id", r.ID.String()),
		zap.String("refund_number", r.RefundNumber))
	return r, nil
}

// ApproveRefund executes a pending refund. A processor failure marks the
// refund failed; that is an outcome, so the refund is returned without error.
// When the failure comes after some shares were already refunded, the refund
// stays processing with that progress recorded and can be approved again to
// move the rest.
func (s *RefundService) ApproveRefund(ctx context.Context, refundID uuid.UUID, approvedBy string) (r *domain.PaymentRefund, err error) {
	ctx, cmd := s.begin(ctx, "approve_refund", attribute.String("refund_id", refundID.String()))
	defer func() {
		outcome := ""
		if r != nil {
			outcome = string(r.Status)
		}
		cmd.end(outcome, err)
	}()

	r, err = s.loadRefund(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if err := r.MarkAsProcessing(); err != nil {
		return nil, err
	}
	if approvedBy != "" {
		r.AddComment("approved by " + approvedBy)
	}

	p, err := loadPayment(ctx, s.store, r.PaymentID)
	if err != nil {
		return nil, err
	}

	var (
		touched  []*domain.Transaction
		children []*domain.Transaction
	)
	failure := ""
	processor, perr := s.processors.ProcessorFor(p.Method)
	if perr != nil {
		failure = "no processor available"
	} else {
		for _, tx := range refundTargets(p, r.TransactionID) {
			remaining := r.Outstanding()
			if !remaining.IsPositive() {
				break
			}
			share := tx.GetRefundableAmount()
			if less, _ := remaining.LessThan(share); less {
				share = remaining
			}
			child, err := refundTransaction(ctx, processor, p, tx, &share, r.Reason, approvalRefundKey(r, tx), s.logger)
			if err != nil {
				failure = errors.As(err).Message
				if d := errors.As(err).Details; d != "" {
					failure += ": " + d
				}
				break
			}
			touched = append(touched, tx)
			children = append(children, child)
			if err := r.RecordRefunded(share, child.ExternalReference, child.ID); err != nil {
				return nil, err
			}
		}
		if failure == "" && r.Outstanding().IsPositive() {
			failure = "refundable amount is no longer sufficient"
		}
	}

	switch {
	case failure == "":
		if err := r.MarkAsCompleted(); err != nil {
			return nil, err
		}
	case r.RefundedAmount.IsPositive():
		s.logger.Warn("Refund stalled after partial progress",
			zap.String("refund_id", r.ID.String()),
			zap.Stringer("refunded", r.RefundedAmount),
			zap.Stringer("outstanding", r.Outstanding()),
			zap.String("reason", failure))
		if err := r.MarkAsStalled(failure); err != nil {
			return nil, err
		}
	default:
		s.logger.Warn("Refund failed",
			zap.String("refund_id", r.ID.String()),
			zap.String("reason", failure))
		if err := r.MarkAsFailed(failure); err != nil {
			return nil, err
		}
	}

	err = s.store.WithTransaction(ctx, func(repos domain.Repositories) error {
		if err := repos.Refunds().Update(ctx, r); err != nil {
			return err
		}
		sources := []eventSource{r}
		if len(children) > 0 {
			if err := repos.Payments().Update(ctx, p); err != nil {
				return err
			}
			sources = append(sources, p)
		}
		for _, tx := range touched {
			if err := repos.Transactions().Update(ctx, tx); err != nil {
				return err
			}
			sources = append(sources, tx)
		}
		for _, child := range children {
			if err := repos.Transactions().Create(ctx, child); err != nil {
				return err
			}
			sources = append(sources, child)
		}
		return appendEvents(ctx, repos, sources...)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Refund processed",
		zap.String("refund_id", r.ID.String()),
		zap.String("payment_id", p.ID.String()),
		zap.String("status", string(r.Status)))
	if len(children) > 0 && s.notifier != nil {
		if err := s.notifier.PaymentUpdated(ctx, p); err != nil {
			s.logger.Warn("Failed to enqueue payment notification", zap.String("payment_id", p.ID.String()), zap.Error(err))
		}
	}
	return r, nil
}

// approvalRefundKey names one share of an approval. It only changes once the
// share's progress is persisted, so a retried approval reuses the key.
func approvalRefundKey(r *domain.PaymentRefund, tx *domain.Transaction) string {
	return fmt.Sprintf("refund:%s:%s:%s", r.ID, tx.ID, r.RefundedAmount.Amount().String())
}

// refundTargets lists the attempts a refund may draw from, newest first.
func refundTargets(p *domain.Payment, pinned *uuid.UUID) []*domain.Transaction {
	var out []*domain.Transaction
	for _, tx := range p.Transactions {
		if pinned != nil && tx.ID != *pinned {
			continue
		}
		if tx.CanBeRefunded() {
			out = append(out, tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (s *RefundService) CancelRefund(ctx context.Context, refundID uuid.UUID, reason string) (r *domain.PaymentRefund, err error) {
	ctx, cmd := s.begin(ctx, "cancel_refund", attribute.String("refund_id", refundID.String()))
	defer func() { cmd.end("cancelled", err) }()

	r, err = s.loadRefund(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if err := r.Cancel(reason); err != nil {
		return nil, err
	}
	err = s.store.WithTransaction(ctx, func(repos domain.Repositories) error {
		if err := repos.Refunds().Update(ctx, r); err != nil {
			return err
		}
		return appendEvents(ctx, repos, r)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Refund cancelled", zap.String("refund_id", r.ID.String()))
	return r, nil
}

func (s *RefundService) GetRefund(ctx context.Context, id uuid.UUID) (*domain.PaymentRefund, error) {
	return s.loadRefund(ctx, id)
}

func (s *RefundService) ListRefunds(ctx context.Context, paymentID uuid.UUID) ([]*domain.PaymentRefund, error) {
	if _, err := loadPayment(ctx, s.store, paymentID); err != nil {
		return nil, err
	}
	refunds, err := s.store.Refunds().GetByPaymentID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if refunds == nil {
		refunds = []*domain.PaymentRefund{}
	}
	return refunds, nil
}

func (s *RefundService) loadRefund(ctx context.Context, id uuid.UUID) (*domain.PaymentRefund, error) {
	r, err := s.store.Refunds().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, errors.ErrRefundNotFound.WithDetails(id.String())
	}
	return r, nil
}
