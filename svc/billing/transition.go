package billing

import (
	"github.com/dmitrymomot/quotagate/svc/account"
	"github.com/dmitrymomot/quotagate/svc/entitlement"
)

// apply mutates u for e and reports whether anything was applied. Events
// older than the last applied one are ignored so late deliveries cannot
// roll state back.
func apply(u *account.User, e Event, plan entitlement.Plan) bool {
	if u.BillingEventAt != nil && e.OccurredAt.Before(*u.BillingEventAt) {
		return false
	}

	switch e.Type {
	case TypeInitialPurchase, TypeRenewal, TypeProductChange, TypeUncancellation, TypeNonRenewingPurchase:
		if u.Status != account.StatusActive || u.StartedAt == nil {
			started := e.OccurredAt
			if e.PurchasedAt != nil {
				started = *e.PurchasedAt
			}
			u.StartedAt = &started
		}
		u.Plan = plan
		u.Status = account.StatusActive
		switch {
		case e.ExpiresAt != nil:
			u.ExpiresAt = e.ExpiresAt
		case e.Type == TypeNonRenewingPurchase:
			// Lifetime purchases carry no expiry.
			u.ExpiresAt = nil
		}
	case TypeCancellation:
		u.Status = account.StatusCancelled
		if e.ExpiresAt != nil {
			u.ExpiresAt = e.ExpiresAt
		}
	case TypeExpiration:
		u.Plan = entitlement.PlanFree
		u.Status = account.StatusExpired
		if e.ExpiresAt != nil {
			u.ExpiresAt = e.ExpiresAt
		} else {
			at := e.OccurredAt
			u.ExpiresAt = &at
		}
	case TypeBillingIssue:
		u.Status = account.StatusBillingIssue
	default:
		return false
	}

	at := e.OccurredAt
	u.BillingEventAt = &at
	return true
}
