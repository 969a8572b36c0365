package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"payment-core/internal/errors"
)

type PaymentMethodType string

const (
	PaymentMethodCreditCard   PaymentMethodType = "credit_card"
	PaymentMethodDebitCard    PaymentMethodType = "debit_card"
	PaymentMethodWallet       PaymentMethodType = "wallet"
	PaymentMethodBankTransfer PaymentMethodType = "bank_transfer"
	PaymentMethodCash         PaymentMethodType = "cash"
)

func (t PaymentMethodType) Valid() bool {
	switch t {
	case PaymentMethodCreditCard, PaymentMethodDebitCard, PaymentMethodWallet, PaymentMethodBankTransfer, PaymentMethodCash:
		return true
	}
	return false
}

// RequiresCardDetails reports whether the type is validated online against a card network.
func (t PaymentMethodType) RequiresCardDetails() bool {
	return t == PaymentMethodCreditCard || t == PaymentMethodDebitCard
}

// CardDetails never holds the full card number, only what is safe to display.
type CardDetails struct {
	Brand                string `json:"brand"`
	Last4                string `json:"last4"`
	ExpiryMonth          int    `json:"expiry_month"`
	ExpiryYear           int    `json:"expiry_year"`
	HolderName           string `json:"holder_name"`
	Fingerprint          string `json:"fingerprint,omitempty"`
	ThreeDSecureEnrolled bool   `json:"three_d_secure_enrolled"`
}

func (c *CardDetails) validate() error {
	if len(c.Last4) != 4 {
		return errors.Validationf("card last4 must have 4 digits")
	}
	if c.ExpiryMonth < 1 || c.ExpiryMonth > 12 {
		return errors.Validationf("card expiry month %d out of range", c.ExpiryMonth)
	}
	if c.ExpiryYear < 2000 {
		return errors.Validationf("card expiry year %d out of range", c.ExpiryYear)
	}
	if strings.TrimSpace(c.HolderName) == "" {
		return errors.Validationf("card holder name is required")
	}
	return nil
}

// ExpiresAt is the first instant after the card's expiry month.
func (c *CardDetails) ExpiresAt() time.Time {
	return time.Date(c.ExpiryYear, time.Month(c.ExpiryMonth)+1, 1, 0, 0, 0, 0, time.UTC)
}

type PaymentMethod struct {
	ID               uuid.UUID         `json:"id"`
	Type             PaymentMethodType `json:"type"`
	DisplayName      string            `json:"display_name"`
	CustomerID       uuid.UUID         `json:"customer_id"`
	Card             *CardDetails      `json:"card,omitempty"`
	DailyLimit       *Money            `json:"daily_limit,omitempty"`
	TransactionLimit *Money            `json:"transaction_limit,omitempty"`
	ExpiryDate       *time.Time        `json:"expiry_date,omitempty"`
	IsActive         bool              `json:"is_active"`
	IsDefault        bool              `json:"is_default"`
	Token            string            `json:"-"`
	LastUsedAt       *time.Time        `json:"last_used_at,omitempty"`
	Metadata         Metadata          `json:"metadata,omitempty"`
	Version          int64             `json:"version"`
	Auditable
	eventRecorder
}

type NewPaymentMethodParams struct {
	CustomerID  uuid.UUID
	Type        PaymentMethodType
	DisplayName string
	Token       string
	Card        *CardDetails
	ExpiryDate  *time.Time
	Metadata    Metadata
}

func NewPaymentMethod(p NewPaymentMethodParams) (*PaymentMethod, error) {
	if p.CustomerID == uuid.Nil {
		return nil, errors.Validationf("customer id is required")
	}
	if !p.Type.Valid() {
		return nil, errors.Validationf("unknown payment method type %q", p.Type)
	}
	if strings.TrimSpace(p.DisplayName) == "" {
		return nil, errors.Validationf("display name is required")
	}
	if strings.TrimSpace(p.Token) == "" {
		return nil, errors.Validationf("payment method token is required")
	}
	if p.Type.RequiresCardDetails() {
		if p.Card == nil {
			return nil, errors.Validationf("%s requires card details", p.Type)
		}
		if err := p.Card.validate(); err != nil {
			return nil, err
		}
	} else if p.Card != nil {
		return nil, errors.Validationf("%s cannot carry card details", p.Type)
	}

	expiry := p.ExpiryDate
	if expiry == nil && p.Card != nil {
		e := p.Card.ExpiresAt()
		expiry = &e
	}
	if expiry != nil && !timeNow().Before(*expiry) {
		return nil, errors.Validationf("payment method is already expired")
	}

	pm := &PaymentMethod{
		ID:          uuid.New(),
		Type:        p.Type,
		DisplayName: strings.TrimSpace(p.DisplayName),
		CustomerID:  p.CustomerID,
		Card:        p.Card,
		ExpiryDate:  expiry,
		IsActive:    true,
		Token:       p.Token,
		Metadata:    p.Metadata.Clone(),
		Version:     1,
		Auditable:   newAuditable(),
	}
	if pm.Metadata == nil {
		pm.Metadata = Metadata{}
	}
	pm.record(PaymentMethodCreatedEvent{
		EventBase:  newEventBase(EventPaymentMethodCreated, pm.ID),
		CustomerID: pm.CustomerID,
		Type:       pm.Type,
	})
	return pm, nil
}

func (pm *PaymentMethod) IsExpired() bool {
	return pm.ExpiryDate != nil && !timeNow().Before(*pm.ExpiryDate)
}

func (pm *PaymentMethod) CanBeUsed() bool {
	return pm.IsActive && !pm.IsExpired()
}

func (pm *PaymentMethod) Activate() error {
	if pm.IsExpired() {
		return errors.InvalidTransitionf("cannot activate expired payment method %s", pm.ID)
	}
	if pm.IsActive {
		return nil
	}
	pm.IsActive = true
	pm.touch()
	return nil
}

// Deactivate also clears the default flag; an inactive method cannot stay default.
func (pm *PaymentMethod) Deactivate() {
	if !pm.IsActive && !pm.IsDefault {
		return
	}
	pm.IsActive = false
	pm.IsDefault = false
	pm.touch()
	pm.record(PaymentMethodDeactivatedEvent{
		EventBase:  newEventBase(EventPaymentMethodDeactivated, pm.ID),
		CustomerID: pm.CustomerID,
	})
}

// SetAsDefault flags this method only. Clearing the customer's previous default
// is done by AssignDefaultPaymentMethod.
func (pm *PaymentMethod) SetAsDefault() error {
	if !pm.IsActive {
		return errors.InvalidTransitionf("inactive payment method %s cannot be default", pm.ID)
	}
	if pm.IsExpired() {
		return errors.InvalidTransitionf("expired payment method %s cannot be default", pm.ID)
	}
	pm.IsDefault = true
	pm.touch()
	return nil
}

func (pm *PaymentMethod) UnsetDefault() {
	if !pm.IsDefault {
		return
	}
	pm.IsDefault = false
	pm.touch()
}

func (pm *PaymentMethod) UpdateLimits(dailyLimit, transactionLimit *Money) error {
	for _, l := range []*Money{dailyLimit, transactionLimit} {
		if l == nil {
			continue
		}
		if l.IsNegative() {
			return errors.Validationf("limits cannot be negative")
		}
		if err := l.Currency().Validate(); err != nil {
			return err
		}
	}
	if dailyLimit != nil && transactionLimit != nil {
		less, err := dailyLimit.LessThan(*transactionLimit)
		if err != nil {
			return err
		}
		if less {
			return errors.Validationf("daily limit %s is lower than transaction limit %s", dailyLimit, transactionLimit)
		}
	}
	pm.DailyLimit = dailyLimit
	pm.TransactionLimit = transactionLimit
	pm.touch()
	return nil
}

// IsWithinLimits checks the per-transaction limit only. The daily limit needs
// transaction history and is enforced by the payment service.
func (pm *PaymentMethod) IsWithinLimits(amount Money) (bool, error) {
	if pm.TransactionLimit == nil {
		return true, nil
	}
	return amount.LessThanOrEqual(*pm.TransactionLimit)
}

func (pm *PaymentMethod) MarkUsed() {
	now := timeNow()
	pm.LastUsedAt = &now
	pm.UpdatedAt = now
}

// RequiresThreeDSecure reports whether a card payment of amount must go
// through step-up authentication. A nil threshold only honours enrolment.
func (pm *PaymentMethod) RequiresThreeDSecure(amount Money, threshold *Money) bool {
	if !pm.Type.RequiresCardDetails() || pm.Card == nil {
		return false
	}
	if pm.Card.ThreeDSecureEnrolled {
		return true
	}
	if threshold == nil {
		return false
	}
	over, err := amount.GreaterThanOrEqual(*threshold)
	return err == nil && over
}
