package domain

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-core/internal/errors"
)

func TestMoney_CurrencyMismatch(t *testing.T) {
	a := eur("10")
	b := MustMoney("10", "USD")

	_, err := a.Add(b)
	assert.True(t, errors.HasCode(err, errors.CurrencyMismatch))

	_, err = a.Subtract(b)
	assert.True(t, errors.HasCode(err, errors.CurrencyMismatch))

	_, err = a.GreaterThan(b)
	assert.True(t, errors.HasCode(err, errors.CurrencyMismatch))
}

func TestMoney_ZeroIsIdentity(t *testing.T) {
	for _, amount := range []string{"0", "0.01", "99.99", "12345.67"} {
		m := eur(amount)
		sum, err := m.Add(Zero(m.Currency()))
		require.NoError(t, err)
		eq, err := sum.Equal(m)
		require.NoError(t, err)
		assert.True(t, eq, amount)
	}
}

func TestMoney_Arithmetic(t *testing.T) {
	diff, err := eur("100").Subtract(eur("40.50"))
	require.NoError(t, err)
	assert.True(t, diff.Amount().Equal(decimal.RequireFromString("59.5")))
	assert.Equal(t, "59.50 EUR", diff.String())

	neg, err := eur("10").Subtract(eur("15"))
	require.NoError(t, err)
	assert.True(t, neg.IsNegative())
}

func TestNewMoney_RejectsBadCurrency(t *testing.T) {
	for _, c := range []Currency{"", "eur", "EURO", "E1R"} {
		_, err := NewMoney(decimal.NewFromInt(1), c)
		assert.True(t, errors.HasCode(err, errors.ValidationError), string(c))
	}
}

func TestMoney_JSON(t *testing.T) {
	data, err := json.Marshal(eur("12.5"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"12.50","currency":"EUR"}`, string(data))

	var m Money
	require.NoError(t, json.Unmarshal([]byte(`{"amount":"3.10","currency":"GBP"}`), &m))
	assert.Equal(t, Currency("GBP"), m.Currency())
	assert.Error(t, json.Unmarshal([]byte(`{"amount":"abc","currency":"GBP"}`), &m))
}

func TestNewMoney_RejectsExcessScale(t *testing.T) {
	tests := []struct {
		amount   string
		currency Currency
		ok       bool
	}{
		{"10.5", "EUR", true},
		{"10.5000", "EUR", true},
		{"10.005", "EUR", false},
		{"1000", "JPY", true},
		{"1000.5", "JPY", false},
		{"1.125", "KWD", true},
		{"1.1255", "KWD", false},
	}
	for _, tt := range tests {
		t.Run(tt.amount+" "+string(tt.currency), func(t *testing.T) {
			_, err := NewMoney(decimal.RequireFromString(tt.amount), tt.currency)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.HasCode(err, errors.ValidationError))
			}
		})
	}

	var m Money
	err := json.Unmarshal([]byte(`{"amount":"0.001","currency":"EUR"}`), &m)
	assert.True(t, errors.HasCode(err, errors.ValidationError))
}

func TestMoney_JSONRoundTripKeepsAmount(t *testing.T) {
	for _, m := range []Money{eur("0.01"), eur("19.99"), MustMoney("1500", "JPY"), MustMoney("2.125", "KWD")} {
		data, err := json.Marshal(m)
		require.NoError(t, err)

		var back Money
		require.NoError(t, json.Unmarshal(data, &back))
		eq, err := back.Equal(m)
		require.NoError(t, err)
		assert.True(t, eq, string(data))
	}

	data, err := json.Marshal(MustMoney("1500", "JPY"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"1500","currency":"JPY"}`, string(data))
}
