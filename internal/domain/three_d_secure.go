package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"payment-core/internal/errors"
)

type ThreeDSecureStatus string

const (
	ThreeDSecurePending     ThreeDSecureStatus = "pending"
	ThreeDSecureSuccessful  ThreeDSecureStatus = "successful"
	ThreeDSecureFailed      ThreeDSecureStatus = "failed"
	ThreeDSecureAbandoned   ThreeDSecureStatus = "abandoned"
	ThreeDSecureNotRequired ThreeDSecureStatus = "not_required"
)

// ThreeDSecureWindow is the fixed lifetime of a challenge.
const ThreeDSecureWindow = 15 * time.Minute

type ThreeDSecureAuthentication struct {
	ID                  uuid.UUID          `json:"id"`
	TransactionID       uuid.UUID          `json:"transaction_id"`
	CardID              uuid.UUID          `json:"card_id"`
	Status              ThreeDSecureStatus `json:"status"`
	AuthenticationURL   string             `json:"authentication_url,omitempty"`
	AuthenticationToken string             `json:"-"`
	CAVV                string             `json:"cavv,omitempty"`
	ECI                 string             `json:"eci,omitempty"`
	XID                 string             `json:"xid,omitempty"`
	FailureReason       string             `json:"failure_reason,omitempty"`
	ExpiresAt           time.Time          `json:"expires_at"`
	CompletedAt         *time.Time         `json:"completed_at,omitempty"`
	Version             int64              `json:"version"`
	Auditable
	eventRecorder
}

func NewThreeDSecureAuthentication(transactionID, cardID uuid.UUID, authURL, token string) (*ThreeDSecureAuthentication, error) {
	if transactionID == uuid.Nil || cardID == uuid.Nil {
		return nil, errors.Validationf("transaction and card ids are required")
	}
	audit := newAuditable()
	return &ThreeDSecureAuthentication{
		ID:                  uuid.New(),
		TransactionID:       transactionID,
		CardID:              cardID,
		Status:              ThreeDSecurePending,
		AuthenticationURL:   authURL,
		AuthenticationToken: token,
		ExpiresAt:           audit.CreatedAt.Add(ThreeDSecureWindow),
		Version:             1,
		Auditable:           audit,
	}, nil
}

func (a *ThreeDSecureAuthentication) IsExpired() bool {
	return timeNow().After(a.ExpiresAt)
}

// IsPending is false once the window has passed, even if Status still says pending.
func (a *ThreeDSecureAuthentication) IsPending() bool {
	return a.Status == ThreeDSecurePending && !a.IsExpired()
}

func (a *ThreeDSecureAuthentication) finish(status ThreeDSecureStatus) error {
	if a.Status != ThreeDSecurePending {
		return errors.InvalidTransitionf("3DS authentication %s already %s", a.ID, a.Status)
	}
	now := timeNow()
	a.Status = status
	a.CompletedAt = &now
	a.touch()
	a.record(ThreeDSecureCompletedEvent{
		EventBase:     newEventBase(EventThreeDSecureCompleted, a.ID),
		TransactionID: a.TransactionID,
		Status:        status,
	})
	return nil
}

func (a *ThreeDSecureAuthentication) MarkAsSuccessful(cavv, eci, xid string) error {
	if a.Status == ThreeDSecurePending && a.IsExpired() {
		return errors.InvalidTransitionf("3DS authentication %s expired at %s", a.ID, a.ExpiresAt.Format(time.RFC3339))
	}
	if strings.TrimSpace(cavv) == "" || strings.TrimSpace(eci) == "" {
		return errors.Validationf("cavv and eci are required")
	}
	if err := a.finish(ThreeDSecureSuccessful); err != nil {
		return err
	}
	a.CAVV = cavv
	a.ECI = eci
	a.XID = xid
	return nil
}

func (a *ThreeDSecureAuthentication) MarkAsFailed(reason string) error {
	if err := a.finish(ThreeDSecureFailed); err != nil {
		return err
	}
	a.FailureReason = reason
	return nil
}

func (a *ThreeDSecureAuthentication) MarkAsAbandoned() error {
	return a.finish(ThreeDSecureAbandoned)
}

func (a *ThreeDSecureAuthentication) MarkAsNotRequired() error {
	return a.finish(ThreeDSecureNotRequired)
}

// ResolveExpiry turns an expired pending authentication into abandoned and
// reports whether it did so.
func (a *ThreeDSecureAuthentication) ResolveExpiry() bool {
	if a.Status != ThreeDSecurePending || !a.IsExpired() {
		return false
	}
	_ = a.finish(ThreeDSecureAbandoned)
	a.FailureReason = "authentication window expired"
	return true
}
