package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-core/internal/errors"
)

func TestNewTransaction_Validation(t *testing.T) {
	base := NewTransactionParams{
		PaymentID:       uuid.New(),
		Amount:          eur("10"),
		PaymentMethodID: uuid.New(),
		CustomerID:      uuid.New(),
		MerchantID:      uuid.New(),
	}

	tests := []struct {
		name   string
		mutate func(p *NewTransactionParams)
	}{
		{"zero amount", func(p *NewTransactionParams) { p.Amount = eur("0") }},
		{"negative amount", func(p *NewTransactionParams) { p.Amount = eur("-1") }},
		{"missing payment", func(p *NewTransactionParams) { p.PaymentID = uuid.Nil }},
		{"missing method", func(p *NewTransactionParams) { p.PaymentMethodID = uuid.Nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			tt.mutate(&p)
			_, err := NewTransaction(p)
			assert.True(t, errors.HasCode(err, errors.ValidationError))
		})
	}

	tx, err := NewTransaction(base)
	require.NoError(t, err)
	assert.Equal(t, TransactionPending, tx.Status)
	assert.Equal(t, TransactionTypePayment, tx.Type)
	assert.Equal(t, []EventType{EventTransactionCreated}, eventTypes(tx.PullEvents()))
}

func TestTransaction_AuthorizeThenCapture(t *testing.T) {
	advance := freezeClock(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	tx := newTestTransaction(t, uuid.New(), eur("100"))
	tx.PullEvents()

	require.NoError(t, tx.Authorize("AUTH1", "psp-1"))
	assert.Equal(t, TransactionAuthorized, tx.Status)
	require.NotNil(t, tx.AuthorizationExpiresAt)
	assert.Equal(t, tx.AuthorizedAt.Add(AuthorizationWindow), *tx.AuthorizationExpiresAt)

	err := tx.Authorize("AUTH2", "")
	assert.True(t, errors.HasCode(err, errors.InvalidStateTransition), "only one authorization per transaction")

	advance(time.Hour)
	require.NoError(t, tx.CaptureFull())
	assert.Equal(t, TransactionSuccessful, tx.Status)
	assert.True(t, tx.CanBeRefunded())
	assert.Equal(t, []EventType{EventTransactionAuthorized, EventTransactionCaptured}, eventTypes(tx.PullEvents()))
}

func TestTransaction_CaptureRequiresAuthorization(t *testing.T) {
	tx := newTestTransaction(t, uuid.New(), eur("100"))
	err := tx.CaptureFull()
	assert.True(t, errors.HasCode(err, errors.InvalidStateTransition))
	assert.Equal(t, TransactionPending, tx.Status)
}

func TestTransaction_CaptureAfterAuthorizationExpired(t *testing.T) {
	advance := freezeClock(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	tx := newTestTransaction(t, uuid.New(), eur("100"))
	require.NoError(t, tx.Authorize("AUTH1", ""))

	advance(AuthorizationWindow + time.Second)
	assert.True(t, tx.IsAuthorizationExpired())
	err := tx.CaptureFull()
	assert.True(t, errors.HasCode(err, errors.AuthorizationExpired))
	assert.Equal(t, TransactionAuthorized, tx.Status)
}

func TestTransaction_PartialCapture(t *testing.T) {
	tx := newTestTransaction(t, uuid.New(), eur("100"))
	require.NoError(t, tx.Authorize("AUTH1", ""))

	err := tx.Capture(eur("100.01"))
	assert.True(t, errors.HasCode(err, errors.LimitExceeded))

	require.NoError(t, tx.Capture(eur("70")))
	assert.Equal(t, TransactionSuccessful, tx.Status)
	partial, ok := tx.Metadata.Bool(MetaPartialCapture)
	assert.True(t, ok)
	assert.True(t, partial)
	uncaptured, ok := tx.Metadata.Decimal(MetaUncapturedAmount)
	require.True(t, ok)
	assert.Equal(t, "30", uncaptured.String())

	eq, _ := tx.GetRefundableAmount().Equal(eur("70"))
	assert.True(t, eq, "refundable is based on the captured amount")
}

func TestTransaction_CancelAndDeclineFromTerminalStates(t *testing.T) {
	successful := capturedTransaction(t, eur("100"))

	err := successful.Cancel("changed mind")
	assert.True(t, errors.HasCode(err, errors.InvalidStateTransition))
	err = successful.Decline(DeclineFraud, "late")
	assert.True(t, errors.HasCode(err, errors.InvalidStateTransition))
	assert.Equal(t, TransactionSuccessful, successful.Status)
	assert.Nil(t, successful.CancelledAt)
	assert.Empty(t, successful.PullEvents())

	refunded := capturedTransaction(t, eur("10"))
	refunded.Status = TransactionRefunded
	assert.Error(t, refunded.Cancel("x"))
	assert.Empty(t, refunded.PullEvents())
}

func TestTransaction_Decline(t *testing.T) {
	tx := newTestTransaction(t, uuid.New(), eur("10"))
	tx.PullEvents()
	require.NoError(t, tx.Decline(DeclineInsufficientFunds, "not enough money"))
	assert.Equal(t, TransactionFailed, tx.Status)
	assert.Equal(t, DeclineInsufficientFunds, tx.DeclineReason)
	assert.NotNil(t, tx.DeclinedAt)
	assert.Equal(t, []EventType{EventTransactionDeclined}, eventTypes(tx.PullEvents()))
	assert.False(t, tx.CanBeRefunded())
}

func TestTransaction_Cancel(t *testing.T) {
	tx := newTestTransaction(t, uuid.New(), eur("10"))
	require.NoError(t, tx.Authorize("AUTH1", ""))
	require.NoError(t, tx.Cancel("customer abandoned"))
	assert.Equal(t, TransactionCancelled, tx.Status)
	assert.False(t, tx.IsOpen())
}

func TestTransaction_RefundScenario(t *testing.T) {
	tx := capturedTransaction(t, eur("100"))

	child, err := tx.Refund(eur("40"), "customer request")
	require.NoError(t, err)
	assert.Equal(t, TransactionTypeRefund, child.Type)
	assert.Equal(t, TransactionSuccessful, child.Status)
	require.NotNil(t, child.ParentTransactionID)
	assert.Equal(t, tx.ID, *child.ParentTransactionID)
	assert.Equal(t, TransactionSuccessful, tx.Status, "parent keeps its status")

	eq, _ := tx.GetRefundableAmount().Equal(eur("60"))
	assert.True(t, eq)

	_, err = tx.Refund(eur("70"), "second try")
	assert.True(t, errors.HasCode(err, errors.InsufficientBalance))
	assert.Len(t, tx.ChildTransactions, 1)

	types := eventTypes(tx.PullEvents())
	assert.Equal(t, []EventType{EventTransactionRefunded}, types)
	assert.Equal(t, []EventType{EventTransactionCreated}, eventTypes(child.PullEvents()))
}

func TestTransaction_RefundableAmountProperty(t *testing.T) {
	tx := capturedTransaction(t, eur("100"))
	refunds := []string{"10", "25.50", "0.50", "64"}
	for _, r := range refunds {
		_, err := tx.Refund(eur(r), "partial")
		require.NoError(t, err)

		sum := Zero("EUR")
		for _, c := range tx.ChildTransactions {
			sum, _ = sum.Add(c.Amount)
		}
		expected, _ := tx.Amount.Subtract(sum)
		eq, _ := tx.GetRefundableAmount().Equal(expected)
		assert.True(t, eq)
		assert.False(t, tx.GetRefundableAmount().IsNegative())
	}
	assert.False(t, tx.CanBeRefunded())

	_, err := tx.Refund(eur("0.01"), "nothing left")
	assert.Error(t, err)
	assert.Len(t, tx.ChildTransactions, len(refunds))
}

func TestTransaction_RefundValidation(t *testing.T) {
	pending := newTestTransaction(t, uuid.New(), eur("10"))
	_, err := pending.Refund(eur("1"), "x")
	assert.True(t, errors.HasCode(err, errors.InvalidStateTransition))

	tx := capturedTransaction(t, eur("10"))
	_, err = tx.Refund(eur("0"), "x")
	assert.True(t, errors.HasCode(err, errors.ValidationError))
	_, err = tx.Refund(eur("1"), " ")
	assert.True(t, errors.HasCode(err, errors.ValidationError))
	_, err = tx.Refund(MustMoney("1", "USD"), "x")
	assert.True(t, errors.HasCode(err, errors.CurrencyMismatch))

	child, err := tx.Refund(eur("1"), "x")
	require.NoError(t, err)
	_, err = child.Refund(eur("1"), "refund of refund")
	assert.True(t, errors.HasCode(err, errors.InvalidStateTransition))
}

func TestTransaction_SettleIsIdempotent(t *testing.T) {
	pending := newTestTransaction(t, uuid.New(), eur("10"))
	assert.Error(t, pending.Settle())

	tx := capturedTransaction(t, eur("10"))
	require.NoError(t, tx.Settle())
	first := *tx.SettledAt
	require.NoError(t, tx.Settle())
	assert.Equal(t, first, *tx.SettledAt)
	assert.Equal(t, []EventType{EventTransactionSettled}, eventTypes(tx.PullEvents()))
}

func TestTransaction_FraudScore(t *testing.T) {
	tx := newTestTransaction(t, uuid.New(), eur("10"))
	tx.PullEvents()

	assert.True(t, errors.HasCode(tx.SetFraudScore(-1), errors.ValidationError))
	assert.True(t, errors.HasCode(tx.SetFraudScore(101), errors.ValidationError))
	assert.Nil(t, tx.FraudScore)

	require.NoError(t, tx.SetFraudScore(85))
	assert.Equal(t, 85, *tx.FraudScore)
	assert.True(t, tx.IsHighFraudRisk())
	assert.Equal(t, TransactionPending, tx.Status, "score alone never changes status")
	events := tx.PullEvents()
	require.Len(t, events, 1)
	high, ok := events[0].(HighFraudRiskDetectedEvent)
	require.True(t, ok)
	assert.Equal(t, 85, high.Score)

	require.NoError(t, tx.SetFraudScore(20))
	assert.Equal(t, 20, *tx.FraudScore)
	assert.False(t, tx.IsHighFraudRisk())
	assert.Empty(t, tx.PullEvents())
}

func TestTransaction_SetFees(t *testing.T) {
	tx := newTestTransaction(t, uuid.New(), eur("10"))
	assert.Error(t, tx.SetFees(eur("-0.1")))
	require.NoError(t, tx.SetFees(eur("0.30")))
	assert.Equal(t, "0.30 EUR", tx.Fees.String())
}
