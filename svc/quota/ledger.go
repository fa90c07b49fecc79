package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/quotagate/svc/entitlement"
)

// Subject identifies whose usage is being checked or recorded.
type Subject struct {
	TenantID uuid.UUID
	UserID   uuid.UUID
	Plan     entitlement.Plan
	// Location is the tenant's zone; nil means UTC.
	Location *time.Location
}

func (s Subject) validate() error {
	if s.TenantID == uuid.Nil || s.UserID == uuid.Nil {
		return ErrInvalidSubject
	}
	return nil
}

// Decision is the result of Check.
type Decision struct {
	Feature entitlement.Feature
	Plan    entitlement.Plan
	Allowed bool
	Used    int64
	Limit   entitlement.Limit
	Period  Period
}

// Exceeded builds the hard-rejection error for a denied decision.
func (d Decision) Exceeded() *ExceededError {
	return &ExceededError{Feature: d.Feature, Used: d.Used, Limit: d.Limit, ResetDate: d.Period.ResetDate()}
}

// Usage is the quota inspection view for one user.
type Usage struct {
	Period Period
	Used   map[entitlement.Feature]int64
	Limits map[entitlement.Feature]entitlement.Limit
}

// Ledger checks allowances against stored usage and records successful calls.
type Ledger struct {
	store Store
	table *entitlement.Table
	now   func() time.Time
}

type LedgerOption func(*Ledger)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

func NewLedger(store Store, table *entitlement.Table, opts ...LedgerOption) *Ledger {
	l := &Ledger{store: store, table: table, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Table exposes the entitlement table the ledger enforces.
func (l *Ledger) Table() *entitlement.Table { return l.table }

// Check reads current usage and compares it to the plan limit. Unlimited
// plans are allowed without touching the store.
func (l *Ledger) Check(ctx context.Context, subj Subject, feature entitlement.Feature) (Decision, error) {
	limit := l.table.LimitFor(subj.Plan, feature)
	d := Decision{
		Feature: feature,
		Plan:    subj.Plan,
		Limit:   limit,
		Period:  PeriodAt(l.now(), subj.Location),
	}
	if limit.IsUnlimited() {
		d.Allowed = true
		return d, nil
	}
	if err := subj.validate(); err != nil {
		return d, err
	}

	used, err := l.used(ctx, subj, feature, d.Period)
	if err != nil {
		return d, err
	}
	d.Used = used
	d.Allowed = limit.Allows(used)
	return d, nil
}

// Record debits one use after the guarded call succeeded. Counter-metered
// features are incremented atomically; row-metered features store result.
// Unlimited plans are never recorded.
func (l *Ledger) Record(ctx context.Context, subj Subject, feature entitlement.Feature, result json.RawMessage) error {
	if l.table.LimitFor(subj.Plan, feature).IsUnlimited() {
		return nil
	}
	if err := subj.validate(); err != nil {
		return err
	}

	now := l.now()
	switch l.table.Policy(feature).Meter {
	case entitlement.MeterRows:
		return l.store.InsertRow(ctx, subj.TenantID, subj.UserID, result, now)
	default:
		_, err := l.store.Increment(ctx, subj.TenantID, subj.UserID, feature, PeriodAt(now, subj.Location).Key)
		return err
	}
}

// Usage returns this month's usage of every feature.
func (l *Ledger) Usage(ctx context.Context, subj Subject) (Usage, error) {
	if err := subj.validate(); err != nil {
		return Usage{}, err
	}
	period := PeriodAt(l.now(), subj.Location)

	counters, err := l.store.Counts(ctx, subj.TenantID, subj.UserID, period.Key)
	if err != nil {
		return Usage{}, err
	}

	u := Usage{
		Period: period,
		Used:   make(map[entitlement.Feature]int64, len(entitlement.Features)),
		Limits: l.table.Limits(subj.Plan),
	}
	for _, f := range entitlement.Features {
		if l.table.Policy(f).Meter == entitlement.MeterRows {
			n, err := l.store.CountRows(ctx, subj.TenantID, subj.UserID, period.Start, period.End)
			if err != nil {
				return Usage{}, err
			}
			u.Used[f] = n
			continue
		}
		u.Used[f] = counters[f]
	}
	return u, nil
}

func (l *Ledger) used(ctx context.Context, subj Subject, feature entitlement.Feature, period Period) (int64, error) {
	switch meter := l.table.Policy(feature).Meter; meter {
	case entitlement.MeterRows:
		return l.store.CountRows(ctx, subj.TenantID, subj.UserID, period.Start, period.End)
	case entitlement.MeterCounter:
		return l.store.Count(ctx, subj.TenantID, subj.UserID, feature, period.Key)
	default:
		return 0, fmt.Errorf("feature %q: unknown meter %q", feature, meter)
	}
}
