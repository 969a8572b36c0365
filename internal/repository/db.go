package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"payment-core/internal/domain"
	"payment-core/internal/errors"
)

// SQLExecutor represents both sql.DB and sql.Tx
type SQLExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// DB represents a database that can begin transactions
type DB interface {
	SQLExecutor
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

var (
	_ DB          = (*sql.DB)(nil)
	_ SQLExecutor = (*sql.Tx)(nil)
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func isUniqueViolation(err error, constraint string) bool {
	pqErr, ok := err.(*pq.Error)
	if !ok || pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

func internalError(message string, err error) error {
	return errors.NewAppError(errors.InternalError, message).WithDetails(err.Error())
}

// checkVersion turns a zero-row optimistic update into a conflict.
func checkVersion(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return internalError("failed to read affected rows", err)
	}
	if n == 0 {
		return errors.ErrConcurrencyConflict
	}
	return nil
}

// nullMoney stores an optional Money as amount and currency columns.
type nullMoney struct {
	amount   sql.NullString
	currency sql.NullString
}

func moneyArgs(m *domain.Money) (interface{}, interface{}) {
	if m == nil {
		return nil, nil
	}
	return m.Amount().String(), string(m.Currency())
}

func (n nullMoney) money() (*domain.Money, error) {
	if !n.amount.Valid || !n.currency.Valid {
		return nil, nil
	}
	m, err := parseMoney(n.amount.String, n.currency.String)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func parseMoney(amount, currency string) (domain.Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return domain.Money{}, internalError("failed to parse amount", err)
	}
	return domain.NewMoney(d, domain.Currency(currency))
}

// jsonColumn adapts a value to a JSONB column.
type jsonColumn struct {
	v interface{}
}

func (j jsonColumn) Value() (driver.Value, error) {
	b, err := json.Marshal(j.v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (j jsonColumn) Scan(src interface{}) error {
	var data []byte
	switch s := src.(type) {
	case nil:
		return nil
	case []byte:
		data = s
	case string:
		data = []byte(s)
	default:
		return fmt.Errorf("unsupported json column type %T", src)
	}
	return json.Unmarshal(data, j.v)
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullUUID(id *uuid.UUID) interface{} {
	if id == nil {
		return nil
	}
	return *id
}

func uuidPtr(s sql.NullString) (*uuid.UUID, error) {
	if !s.Valid {
		return nil, nil
	}
	id, err := uuid.Parse(s.String)
	if err != nil {
		return nil, internalError("failed to parse uuid", err)
	}
	return &id, nil
}
