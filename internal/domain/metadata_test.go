package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadata_TaggedJSON(t *testing.T) {
	at := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)
	m := Metadata{
		"channel":  StringValue("web"),
		"attempts": IntValue(3),
		"rate":     DecimalValue(decimal.RequireFromString("0.029")),
		"partial":  BoolValue(true),
		"seen_at":  TimeValue(at),
	}

	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"attempts":{"type":"int","value":"3"}`)

	var back Metadata
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, StringValue("web"), back["channel"])
	assert.Equal(t, IntValue(3), back["attempts"])
	assert.Equal(t, BoolValue(true), back["partial"])
	assert.True(t, time.Time(back["seen_at"].(TimeValue)).Equal(at))
	rate, ok := back.Decimal("rate")
	require.True(t, ok)
	assert.True(t, rate.Equal(decimal.RequireFromString("0.029")))

	err = json.Unmarshal([]byte(`{"x":{"type":"blob","value":"1"}}`), &back)
	assert.Error(t, err)
}

func TestNewOutboxMessage(t *testing.T) {
	tx := newTestTransaction(t, uuid.New(), eur("10"))
	events := tx.PullEvents()
	require.Len(t, events, 1)

	msg, err := NewOutboxMessage(events[0])
	require.NoError(t, err)
	assert.Equal(t, events[0].EventID(), msg.ID)
	assert.Equal(t, EventTransactionCreated, msg.EventType)
	assert.Equal(t, tx.ID, msg.AggregateID)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "transaction.created", payload["event_type"])
	assert.Equal(t, tx.TransactionNumber, payload["transaction_number"])
}

func TestPaymentFilter_Normalize(t *testing.T) {
	f := PaymentFilter{Page: 0, PageSize: 1000}.Normalize()
	assert.Equal(t, 1, f.Page)
	assert.Equal(t, MaxPageSize, f.PageSize)
	assert.Equal(t, 0, f.Offset())

	f = PaymentFilter{Page: 3}.Normalize()
	assert.Equal(t, DefaultPageSize, f.PageSize)
	assert.Equal(t, 40, f.Offset())
}
