package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func eur(amount string) Money { return MustMoney(amount, "EUR") }

// freezeClock pins timeNow and returns a function that moves it forward.
func freezeClock(t *testing.T, at time.Time) func(time.Duration) {
	t.Helper()
	prev := timeNow
	now := at
	timeNow = func() time.Time { return now }
	t.Cleanup(func() { timeNow = prev })
	return func(d time.Duration) { now = now.Add(d) }
}

func newTestPayment(t *testing.T, amount Money) *Payment {
	t.Helper()
	p, err := NewPayment(NewPaymentParams{
		CustomerID: uuid.New(),
		MerchantID: uuid.New(),
		OrderID:    uuid.New(),
		Method:     PaymentMethodCreditCard,
		Amount:     amount,
	})
	require.NoError(t, err)
	return p
}

func newTestTransaction(t *testing.T, paymentID uuid.UUID, amount Money) *Transaction {
	t.Helper()
	tx, err := NewTransaction(NewTransactionParams{
		PaymentID:       paymentID,
		Amount:          amount,
		PaymentMethodID: uuid.New(),
		CustomerID:      uuid.New(),
		MerchantID:      uuid.New(),
	})
	require.NoError(t, err)
	return tx
}

func capturedTransaction(t *testing.T, amount Money) *Transaction {
	t.Helper()
	tx := newTestTransaction(t, uuid.New(), amount)
	require.NoError(t, tx.Authorize("AUTH1", "ext-1"))
	require.NoError(t, tx.CaptureFull())
	tx.PullEvents()
	return tx
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.EventType())
	}
	return out
}
