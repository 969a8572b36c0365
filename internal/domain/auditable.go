package domain

import "time"

// Auditable carries the persisted audit columns shared by every entity.
type Auditable struct {
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

type AuditableEntity interface {
	Audit() *Auditable
}

func newAuditable() Auditable {
	now := timeNow()
	return Auditable{CreatedAt: now, UpdatedAt: now}
}

func (a *Auditable) Audit() *Auditable { return a }

func (a *Auditable) touch() {
	a.UpdatedAt = timeNow()
}

func (a *Auditable) SoftDelete() {
	if a.DeletedAt != nil {
		return
	}
	now := timeNow()
	a.DeletedAt = &now
	a.UpdatedAt = now
}

func (a *Auditable) IsDeleted() bool {
	return a.DeletedAt != nil
}
