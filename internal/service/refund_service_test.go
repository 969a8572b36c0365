package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"payment-core/internal/domain"
	"payment-core/internal/errors"
	"payment-core/internal/repository/memory"
	"payment-core/internal/telemetry"
)

type RefundServiceSuite struct {
	suite.Suite
	ctx       context.Context
	store     *memory.Store
	processor *fakeProcessor
	notifier  *recordingNotifier
	payments  *PaymentService
	refunds   *RefundService
	customer  uuid.UUID
	method    *domain.PaymentMethod
}

func TestRefundServiceSuite(t *testing.T) {
	suite.Run(t, new(RefundServiceSuite))
}

func (s *RefundServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = memory.NewStore()
	s.processor = approvingProcessor()
	s.notifier = &recordingNotifier{}
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())

	s.payments = NewPaymentService(s.store, Collaborators{
		Processors:   fakeFactory{s.processor},
		Fraud:        &fakeFraud{},
		ThreeDSecure: &fakeThreeDSecure{},
		Orders:       &fakeOrders{},
	}, DefaultPaymentConfig(), metrics, zap.NewNop())
	s.refunds = NewRefundService(s.store, fakeFactory{s.processor}, s.notifier, metrics, zap.NewNop())

	s.customer = uuid.New()
	pm, err := domain.NewPaymentMethod(domain.NewPaymentMethodParams{
		CustomerID: s.customer, Type: domain.PaymentMethodWallet, DisplayName: "Wallet", Token: "tok_wallet",
	})
	s.Require().NoError(err)
	s.Require().NoError(s.store.PaymentMethods().Create(s.ctx, pm))
	s.method = pm
}

// paidPayment creates a payment and captures it in one attempt per amount.
func (s *RefundServiceSuite) paidPayment(total string, attempts ...string) *domain.Payment {
	p, err := s.payments.CreatePayment(s.ctx, &CreatePaymentRequest{
		CustomerID:           s.customer,
		MerchantID:           uuid.New(),
		OrderID:              uuid.New(),
		Method:               domain.PaymentMethodWallet,
		Amount:               domain.MustMoney(total, "EUR"),
		AllowPartialPayments: len(attempts) > 1,
	})
	s.Require().NoError(err)
	if len(attempts) == 0 {
		attempts = []string{total}
	}
	for _, amount := range attempts {
		m := domain.MustMoney(amount, "EUR")
		res, err := s.payments.ProcessPayment(s.ctx, &ProcessPaymentRequest{PaymentID: p.ID, PaymentMethodID: s.method.ID, Amount: &m})
		s.Require().NoError(err)
		s.Require().Equal(OutcomeCaptured, res.Outcome)
	}
	got, err := s.payments.GetPayment(s.ctx, p.ID)
	s.Require().NoError(err)
	return got
}

func (s *RefundServiceSuite) request(p *domain.Payment, amount string, txID *uuid.UUID) (*domain.PaymentRefund, error) {
	return s.refunds.RequestRefund(s.ctx, &RequestRefundRequest{
		PaymentID:     p.ID,
		TransactionID: txID,
		Amount:        domain.MustMoney(amount, "EUR"),
		Reason:        "damaged goods",
		InitiatedBy:   "agent-7",
	})
}

func (s *RefundServiceSuite) TestRequestRefund_ReservesOpenRequests() {
	p := s.paidPayment("100")

	first, err := s.request(p, "70", nil)
	s.Require().NoError(err)
	s.Equal(domain.RefundPending, first.Status)
	s.Empty(s.processor.refunded, "requests do not move money")

	_, err = s.request(p, "40", nil)
	s.True(errors.HasCode(err, errors.InsufficientBalance))

	_, err = s.refunds.CancelRefund(s.ctx, first.ID, "duplicate ticket")
	s.Require().NoError(err)

	_, err = s.request(p, "40", nil)
	s.NoError(err)

	list, err := s.refunds.ListRefunds(s.ctx, p.ID)
	s.Require().NoError(err)
	s.Len(list, 2)
}

func (s *RefundServiceSuite) TestRequestRefund_Validation() {
	p := s.paidPayment("100")

	_, err := s.refunds.RequestRefund(s.ctx, &RequestRefundRequest{
		PaymentID: p.ID, Amount: domain.MustMoney("10", "EUR"), Reason: "x",
	})
	s.True(errors.HasCode(err, errors.ValidationError), "initiator is required")

	unknown := uuid.New()
	_, err = s.request(p, "10", &unknown)
	s.True(errors.HasCode(err, errors.TransactionNotFound))

	_, err = s.refunds.RequestRefund(s.ctx, &RequestRefundRequest{
		PaymentID: uuid.New(), Amount: domain.MustMoney("10", "EUR"), Reason: "x", InitiatedBy: "y",
	})
	s.True(errors.HasCode(err, errors.PaymentNotFound))

	unpaid, err := s.payments.CreatePayment(s.ctx, &CreatePaymentRequest{
		CustomerID: s.customer, MerchantID: uuid.New(), OrderID: uuid.New(),
		Method: domain.PaymentMethodWallet, Amount: domain.MustMoney("10", "EUR"),
	})
	s.Require().NoError(err)
	_, err = s.request(unpaid, "10", nil)
	s.True(errors.HasCode(err, errors.InvalidStateTransition))
}

func (s *RefundServiceSuite) TestApproveRefund() {
	p := s.paidPayment("100")
	txID := p.Transactions[0].ID

	r, err := s.request(p, "30", &txID)
	s.Require().NoError(err)

	approved, err := s.refunds.ApproveRefund(s.ctx, r.ID, "supervisor")
	s.Require().NoError(err)
	s.Equal(domain.RefundCompleted, approved.Status)
	s.NotEmpty(approved.ProcessorRefundID)
	s.Require().NotNil(approved.RefundTransactionID)
	s.Contains(approved.Comments, "approved by supervisor")

	child, err := s.payments.GetTransaction(s.ctx, *approved.RefundTransactionID)
	s.Require().NoError(err)
	s.Equal(domain.TransactionTypeRefund, child.Type)
	s.Equal(txID, *child.ParentTransactionID)

	stored, err := s.payments.GetPayment(s.ctx, p.ID)
	s.Require().NoError(err)
	s.Equal(domain.PaymentPartiallyRefunded, stored.Status)
	s.Equal("70.00 EUR", stored.RefundableAmount().String())
	s.Equal([]domain.PaymentStatus{domain.PaymentPartiallyRefunded}, s.notifier.statuses)

	_, err = s.refunds.ApproveRefund(s.ctx, r.ID, "supervisor")
	s.True(errors.HasCode(err, errors.InvalidStateTransition))

	_, err = s.refunds.CancelRefund(s.ctx, r.ID, "too late")
	s.True(errors.HasCode(err, errors.InvalidStateTransition))
}

func (s *RefundServiceSuite) TestApproveRefund_SpreadsNewestFirst() {
	p := s.paidPayment("100", "60", "40")

	r, err := s.request(p, "50", nil)
	s.Require().NoError(err)
	approved, err := s.refunds.ApproveRefund(s.ctx, r.ID, "")
	s.Require().NoError(err)
	s.Equal(domain.RefundCompleted, approved.Status)

	s.Require().Len(s.processor.refunded, 2)
	s.Equal("40.00 EUR", s.processor.refunded[0].String())
	s.Equal("10.00 EUR", s.processor.refunded[1].String())

	stored, err := s.payments.GetPayment(s.ctx, p.ID)
	s.Require().NoError(err)
	s.Equal(domain.PaymentPartiallyRefunded, stored.Status)
	s.Equal("50.00 EUR", stored.RefundedAmount().String())
}

func (s *RefundServiceSuite) TestApproveRefund_FullAmountRefundsPayment() {
	p := s.paidPayment("100")

	r, err := s.request(p, "100", nil)
	s.Require().NoError(err)
	_, err = s.refunds.ApproveRefund(s.ctx, r.ID, "")
	s.Require().NoError(err)

	stored, err := s.payments.GetPayment(s.ctx, p.ID)
	s.Require().NoError(err)
	s.Equal(domain.PaymentRefunded, stored.Status)
}

func (s *RefundServiceSuite) TestApproveRefund_ProcessorFailureIsRecorded() {
	p := s.paidPayment("100")
	r, err := s.request(p, "30", nil)
	s.Require().NoError(err)

	s.processor.refundErr = errUnavailable
	failed, err := s.refunds.ApproveRefund(s.ctx, r.ID, "")
	s.Require().NoError(err)
	s.Equal(domain.RefundFailed, failed.Status)
	s.Contains(failed.FailureReason, "connection refused")

	stored, err := s.refunds.GetRefund(s.ctx, r.ID)
	s.Require().NoError(err)
	s.Equal(domain.RefundFailed, stored.Status)

	pay, err := s.payments.GetPayment(s.ctx, p.ID)
	s.Require().NoError(err)
	s.Equal(domain.PaymentCompleted, pay.Status)
	s.Equal("100.00 EUR", pay.RefundableAmount().String())
	s.Empty(s.notifier.statuses)

	_, err = s.request(p, "100", nil)
	s.NoError(err, "failed requests release their reservation")
}

func (s *RefundServiceSuite) TestApproveRefund_PartialFailureKeepsProgress() {
	p := s.paidPayment("100", "60", "40")
	r, err := s.request(p, "100", nil)
	s.Require().NoError(err)

	calls := 0
	s.processor.onRefund = func(string) error {
		calls++
		if calls == 2 {
			return errUnavailable
		}
		return nil
	}
	stalled, err := s.refunds.ApproveRefund(s.ctx, r.ID, "finance")
	s.Require().NoError(err)
	s.Equal(domain.RefundProcessing, stalled.Status)
	s.Contains(stalled.FailureReason, "connection refused")
	s.Len(s.processor.refunded, 1)

	stored, err := s.refunds.GetRefund(s.ctx, r.ID)
	s.Require().NoError(err)
	s.Equal(domain.RefundProcessing, stored.Status)
	s.True(stored.RefundedAmount.IsPositive())
	s.NotEmpty(stored.ProcessorRefundID)
	s.Require().NotNil(stored.RefundTransactionID)

	pay, err := s.payments.GetPayment(s.ctx, p.ID)
	s.Require().NoError(err)
	s.Equal(domain.PaymentPartiallyRefunded, pay.Status)
	s.Equal(stored.Outstanding().String(), pay.RefundableAmount().String())

	_, err = s.request(p, "1", nil)
	s.True(errors.HasCode(err, errors.InsufficientBalance), "the outstanding part stays reserved")

	s.processor.onRefund = nil
	done, err := s.refunds.ApproveRefund(s.ctx, r.ID, "finance")
	s.Require().NoError(err)
	s.Equal(domain.RefundCompleted, done.Status)
	s.Equal("100.00 EUR", done.RefundedAmount.String())
	s.Equal(*stored.RefundTransactionID, *done.RefundTransactionID)
	s.Contains(done.ProcessorRefundID, ",")
	s.Len(s.processor.refunded, 2)

	pay, err = s.payments.GetPayment(s.ctx, p.ID)
	s.Require().NoError(err)
	s.Equal(domain.PaymentRefunded, pay.Status)
}

func (s *RefundServiceSuite) TestGetRefund_NotFound() {
	_, err := s.refunds.GetRefund(s.ctx, uuid.New())
	s.True(errors.HasCode(err, errors.RefundNotFound))

	_, err = s.refunds.ListRefunds(s.ctx, uuid.New())
	s.True(errors.HasCode(err, errors.PaymentNotFound))
}
