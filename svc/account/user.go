package account

import (
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/quotagate/svc/entitlement"
)

// Status is the subscription status written by billing webhooks.
type Status string

const (
	StatusNone         Status = "none"
	StatusActive       Status = "active"
	StatusExpired      Status = "expired"
	StatusCancelled    Status = "cancelled"
	StatusBillingIssue Status = "billing_issue"
)

// User belongs to exactly one tenant. Plan and subscription fields are
// owned by the billing ingestor.
type User struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	Email       string
	DisplayName string
	Plan        entitlement.Plan
	Status      Status
	StartedAt   *time.Time
	ExpiresAt   *time.Time
	// BillingEventAt is the provider time of the last applied billing event.
	BillingEventAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// EffectivePlan is the plan enforced at now. A paid plan past its expiry
// counts as free; cancellation and billing issues keep access until then.
func (u *User) EffectivePlan(now time.Time) entitlement.Plan {
	if u == nil {
		return entitlement.PlanFree
	}
	if u.Plan == entitlement.PlanFree || u.Plan == "" {
		return entitlement.PlanFree
	}
	if u.Status == StatusExpired {
		return entitlement.PlanFree
	}
	if u.ExpiresAt != nil && !now.Before(*u.ExpiresAt) {
		return entitlement.PlanFree
	}
	return u.Plan
}

// Clone returns a deep copy.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.StartedAt = cloneTime(u.StartedAt)
	c.ExpiresAt = cloneTime(u.ExpiresAt)
	c.BillingEventAt = cloneTime(u.BillingEventAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
