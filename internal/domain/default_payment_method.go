package domain

import (
	"github.com/google/uuid"

	"payment-core/internal/errors"
)

// AssignDefaultPaymentMethod makes targetID the single default among one
// customer's methods. It returns every method whose flag changed so the caller
// can persist them in one unit of work. Nothing is mutated when it fails.
func AssignDefaultPaymentMethod(methods []*PaymentMethod, targetID uuid.UUID) ([]*PaymentMethod, error) {
	var target *PaymentMethod
	for _, m := range methods {
		if m.ID == targetID {
			target = m
			break
		}
	}
	if target == nil {
		return nil, errors.ErrPaymentMethodNotFound
	}
	for _, m := range methods {
		if m.CustomerID != target.CustomerID {
			return nil, errors.Validationf("payment method %s belongs to another customer", m.ID)
		}
	}
	if !target.CanBeUsed() {
		return nil, errors.InvalidTransitionf("payment method %s cannot be default: inactive or expired", target.ID)
	}
	if target.IsDefault {
		return nil, nil
	}

	var changed []*PaymentMethod
	var previous *uuid.UUID
	for _, m := range methods {
		if m.IsDefault && m.ID != targetID {
			id := m.ID
			previous = &id
			m.UnsetDefault()
			changed = append(changed, m)
		}
	}
	if err := target.SetAsDefault(); err != nil {
		return nil, err
	}
	target.record(DefaultPaymentMethodChangedEvent{
		EventBase:         newEventBase(EventDefaultPaymentMethodChanged, target.ID),
		CustomerID:        target.CustomerID,
		PreviousDefaultID: previous,
	})
	return append(changed, target), nil
}
