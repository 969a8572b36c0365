package domain

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
	iso "golang.org/x/text/currency"

	"payment-core/internal/errors"
)

type Currency string

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

func (c Currency) Validate() error {
	if !currencyPattern.MatchString(string(c)) {
		return errors.Validationf("invalid currency code %q", string(c))
	}
	return nil
}

// MinorUnits is the number of decimals the currency is settled in: 2 for EUR,
// 0 for JPY, 3 for KWD. Codes unknown to ISO 4217 default to 2.
func (c Currency) MinorUnits() int32 {
	unit, err := iso.ParseISO(string(c))
	if err != nil {
		return 2
	}
	scale, _ := iso.Standard.Rounding(unit)
	return int32(scale)
}

// Money is an immutable amount in a single currency. The zero value has no
// currency and only compares equal to itself.
type Money struct {
	amount   decimal.Decimal
	currency Currency
}

// NewMoney rejects amounts finer than the currency's minor unit, so every
// Money survives storage and JSON without rounding.
func NewMoney(amount decimal.Decimal, cur Currency) (Money, error) {
	if err := cur.Validate(); err != nil {
		return Money{}, err
	}
	if units := cur.MinorUnits(); !amount.Equal(amount.Truncate(units)) {
		return Money{}, errors.Validationf("amount %s has more than %d decimals for %s", amount, units, cur)
	}
	return Money{amount: amount, currency: cur}, nil
}

// MustMoney parses amount and panics on bad input. Intended for tests and constants.
func MustMoney(amount string, currency Currency) Money {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		panic(err)
	}
	m, err := NewMoney(d, currency)
	if err != nil {
		panic(err)
	}
	return m
}

func Zero(currency Currency) Money {
	return Money{amount: decimal.Zero, currency: currency}
}

func (m Money) Amount() decimal.Decimal { return m.amount }
func (m Money) Currency() Currency      { return m.currency }
func (m Money) IsZero() bool            { return m.amount.IsZero() }
func (m Money) IsPositive() bool        { return m.amount.IsPositive() }
func (m Money) IsNegative() bool        { return m.amount.IsNegative() }

func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.amount.StringFixed(m.currency.MinorUnits()), m.currency)
}

func (m Money) sameCurrency(other Money) error {
	if m.currency != other.currency {
		return errors.NewAppErrorf(errors.CurrencyMismatch, "currency mismatch: %s vs %s", m.currency, other.currency)
	}
	return nil
}

func (m Money) Add(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	return Money{amount: m.amount.Add(other.amount), currency: m.currency}, nil
}

func (m Money) Subtract(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	return Money{amount: m.amount.Sub(other.amount), currency: m.currency}, nil
}

// Cmp returns -1, 0 or 1 like decimal.Cmp.
func (m Money) Cmp(other Money) (int, error) {
	if err := m.sameCurrency(other); err != nil {
		return 0, err
	}
	return m.amount.Cmp(other.amount), nil
}

func (m Money) Equal(other Money) (bool, error) {
	c, err := m.Cmp(other)
	return err == nil && c == 0, err
}

func (m Money) GreaterThan(other Money) (bool, error) {
	c, err := m.Cmp(other)
	return err == nil && c > 0, err
}

func (m Money) GreaterThanOrEqual(other Money) (bool, error) {
	c, err := m.Cmp(other)
	return err == nil && c >= 0, err
}

func (m Money) LessThan(other Money) (bool, error) {
	c, err := m.Cmp(other)
	return err == nil && c < 0, err
}

func (m Money) LessThanOrEqual(other Money) (bool, error) {
	c, err := m.Cmp(other)
	return err == nil && c <= 0, err
}

type moneyJSON struct {
	Amount   string   `json:"amount"`
	Currency Currency `json:"currency"`
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(moneyJSON{Amount: m.amount.StringFixed(m.currency.MinorUnits()), Currency: m.currency})
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var raw moneyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	amount, err := decimal.NewFromString(raw.Amount)
	if err != nil {
		return errors.Validationf("invalid amount %q", raw.Amount)
	}
	parsed, err := NewMoney(amount, raw.Currency)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// sumMoney adds values of the given currency, starting from zero.
func sumMoney(currency Currency, values ...Money) (Money, error) {
	total := Zero(currency)
	for _, v := range values {
		var err error
		if total, err = total.Add(v); err != nil {
			return Money{}, err
		}
	}
	return total, nil
}
