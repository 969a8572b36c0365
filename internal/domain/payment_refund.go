package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"payment-core/internal/errors"
)

type RefundStatus string

const (
	RefundPending    RefundStatus = "pending"
	RefundProcessing RefundStatus = "processing"
	RefundCompleted  RefundStatus = "completed"
	RefundFailed     RefundStatus = "failed"
	RefundCancelled  RefundStatus = "cancelled"
)

func (s RefundStatus) IsOpen() bool {
	return s == RefundPending || s == RefundProcessing
}

// PaymentRefund tracks the approval of a refund request. The money movement
// itself is booked as refund transactions when the request is approved.
// RefundedAmount is what approval has already moved; a request only
// completes once it reaches Amount.
type PaymentRefund struct {
	ID                  uuid.UUID    `json:"id"`
	PaymentID           uuid.UUID    `json:"payment_id"`
	TransactionID       *uuid.UUID   `json:"transaction_id,omitempty"`
	RefundTransactionID *uuid.UUID   `json:"refund_transaction_id,omitempty"`
	RefundNumber        string       `json:"refund_number"`
	Amount              Money        `json:"amount"`
	RefundedAmount      Money        `json:"refunded_amount"`
	Reason              string       `json:"reason"`
	Status              RefundStatus `json:"status"`
	InitiatedBy         string       `json:"initiated_by"`
	ExternalRefundID    string       `json:"external_refund_id,omitempty"`
	ProcessorRefundID   string       `json:"processor_refund_id,omitempty"`
	Comments            string       `json:"comments,omitempty"`
	FailureReason       string       `json:"failure_reason,omitempty"`
	ProcessedAt         *time.Time   `json:"processed_at,omitempty"`
	CompletedAt         *time.Time   `json:"completed_at,omitempty"`
	FailedAt            *time.Time   `json:"failed_at,omitempty"`
	CancelledAt         *time.Time   `json:"cancelled_at,omitempty"`
	Version             int64        `json:"version"`
	Auditable
	eventRecorder
}

type NewPaymentRefundParams struct {
	PaymentID        uuid.UUID
	TransactionID    *uuid.UUID
	Amount           Money
	Reason           string
	InitiatedBy      string
	ExternalRefundID string
}

func NewPaymentRefund(p NewPaymentRefundParams) (*PaymentRefund, error) {
	if p.PaymentID == uuid.Nil {
		return nil, errors.Validationf("payment id is required")
	}
	if !p.Amount.IsPositive() {
		return nil, errors.Validationf("refund amount must be positive")
	}
	if err := p.Amount.Currency().Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Reason) == "" {
		return nil, errors.Validationf("refund reason is required")
	}
	if strings.TrimSpace(p.InitiatedBy) == "" {
		return nil, errors.Validationf("refund initiator is required")
	}

	r := &PaymentRefund{
		ID:               uuid.New(),
		PaymentID:        p.PaymentID,
		TransactionID:    p.TransactionID,
		RefundNumber:     newNumber("RF"),
		Amount:           p.Amount,
		RefundedAmount:   Zero(p.Amount.Currency()),
		Reason:           strings.TrimSpace(p.Reason),
		Status:           RefundPending,
		InitiatedBy:      strings.TrimSpace(p.InitiatedBy),
		ExternalRefundID: p.ExternalRefundID,
		Version:          1,
		Auditable:        newAuditable(),
	}
	r.record(RefundRequestedEvent{
		EventBase:    newEventBase(EventRefundRequested, r.ID),
		PaymentID:    r.PaymentID,
		RefundNumber: r.RefundNumber,
		Amount:       r.Amount,
	})
	return r, nil
}

func (r *PaymentRefund) transitionError(op string) error {
	return errors.InvalidTransitionf("cannot %s refund %s in status %s", op, r.RefundNumber, r.Status)
}

// MarkAsProcessing starts approval. A processing refund that already moved
// part of its amount may be approved again to finish the rest.
func (r *PaymentRefund) MarkAsProcessing() error {
	resuming := r.Status == RefundProcessing && r.RefundedAmount.IsPositive()
	if r.Status != RefundPending && !resuming {
		return r.transitionError("process")
	}
	now := timeNow()
	r.Status = RefundProcessing
	r.ProcessedAt = &now
	r.FailureReason = ""
	r.touch()
	return nil
}

// Outstanding is the part of the request approval has not moved yet.
func (r *PaymentRefund) Outstanding() Money {
	out, err := r.Amount.Subtract(r.RefundedAmount)
	if err != nil {
		return r.Amount
	}
	return out
}

// RecordRefunded books one processor refund made while approving. The first
// refund transaction is kept as the request's RefundTransactionID.
func (r *PaymentRefund) RecordRefunded(amount Money, processorRefundID string, refundTransactionID uuid.UUID) error {
	if r.Status != RefundProcessing {
		return r.transitionError("record a refund on")
	}
	over, err := amount.GreaterThan(r.Outstanding())
	if err != nil {
		return err
	}
	if !amount.IsPositive() || over {
		return errors.Validationf("refund share %s must be positive and at most %s", amount, r.Outstanding())
	}
	total, err := r.RefundedAmount.Add(amount)
	if err != nil {
		return err
	}
	r.RefundedAmount = total
	if processorRefundID != "" {
		if r.ProcessorRefundID == "" {
			r.ProcessorRefundID = processorRefundID
		} else {
			r.ProcessorRefundID += "," + processorRefundID
		}
	}
	if r.RefundTransactionID == nil {
		id := refundTransactionID
		r.RefundTransactionID = &id
	}
	r.touch()
	return nil
}

func (r *PaymentRefund) MarkAsCompleted() error {
	if r.Status != RefundProcessing {
		return r.transitionError("complete")
	}
	if !r.Outstanding().IsZero() {
		return errors.InvalidTransitionf("cannot complete refund %s with %s outstanding", r.RefundNumber, r.Outstanding())
	}
	now := timeNow()
	r.Status = RefundCompleted
	r.CompletedAt = &now
	r.FailureReason = ""
	r.touch()
	r.record(RefundCompletedEvent{
		EventBase: newEventBase(EventRefundCompleted, r.ID),
		PaymentID: r.PaymentID,
		Amount:    r.Amount,
	})
	return nil
}

// MarkAsStalled records a processor failure after part of the request was
// already refunded. The refund stays processing so approval can resume.
func (r *PaymentRefund) MarkAsStalled(reason string) error {
	if r.Status != RefundProcessing || !r.RefundedAmount.IsPositive() {
		return r.transitionError("stall")
	}
	r.FailureReason = reason
	r.AddComment(fmt.Sprintf("refunded %s of %s: %s", r.RefundedAmount, r.Amount, reason))
	return nil
}

// MarkAsFailed keeps earlier comments; each failure reason is appended.
// Once money has moved the refund can no longer fail, see MarkAsStalled.
func (r *PaymentRefund) MarkAsFailed(reason string) error {
	if r.Status == RefundCompleted || r.Status == RefundCancelled || r.RefundedAmount.IsPositive() {
		return r.transitionError("fail")
	}
	now := timeNow()
	r.Status = RefundFailed
	r.FailedAt = &now
	r.FailureReason = reason
	r.AddComment("failed: " + reason)
	r.record(RefundFailedEvent{
		EventBase: newEventBase(EventRefundFailed, r.ID),
		PaymentID: r.PaymentID,
		Reason:    reason,
	})
	return nil
}

func (r *PaymentRefund) Cancel(reason string) error {
	if r.Status != RefundPending {
		return r.transitionError("cancel")
	}
	now := timeNow()
	r.Status = RefundCancelled
	r.CancelledAt = &now
	if reason != "" {
		r.AddComment("cancelled: " + reason)
	} else {
		r.touch()
	}
	r.record(RefundCancelledEvent{
		EventBase: newEventBase(EventRefundCancelled, r.ID),
		PaymentID: r.PaymentID,
		Reason:    reason,
	})
	return nil
}

func (r *PaymentRefund) AddComment(comment string) {
	comment = strings.TrimSpace(comment)
	if comment == "" {
		return
	}
	if r.Comments == "" {
		r.Comments = comment
	} else {
		r.Comments += "\n" + comment
	}
	r.touch()
}
