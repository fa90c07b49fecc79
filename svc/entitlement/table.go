package entitlement

import (
	"errors"
	"fmt"
	"maps"
)

// Table maps plan × feature to a monthly limit. It is immutable once
// built and safe to share.
type Table struct {
	limits   map[Plan]map[Feature]Limit
	policies map[Feature]Policy
}

// DefaultTable returns the built-in limits.
func DefaultTable() *Table {
	return &Table{
		limits: map[Plan]map[Feature]Limit{
			PlanFree: {
				FeaturePhoto: 5, FeatureText: 0, FeatureOCR: 0, FeatureReport: 0, FeatureCoach: 0,
			},
			PlanPremium: {
				FeaturePhoto: 100, FeatureText: 50, FeatureOCR: 50, FeatureReport: 10, FeatureCoach: 5,
			},
			PlanUnlimited: {
				FeaturePhoto: Unlimited, FeatureText: Unlimited, FeatureOCR: Unlimited,
				FeatureReport: Unlimited, FeatureCoach: Unlimited,
			},
		},
		policies: DefaultPolicies(),
	}
}

// DefaultPolicies hard-caps photo, ad-gates the rest and meters coach
// analysis by stored rows.
func DefaultPolicies() map[Feature]Policy {
	return map[Feature]Policy{
		FeaturePhoto:  {Gate: GateHard, Meter: MeterCounter},
		FeatureText:   {Gate: GateAd, Meter: MeterCounter},
		FeatureOCR:    {Gate: GateAd, Meter: MeterCounter},
		FeatureReport: {Gate: GateAd, Meter: MeterCounter},
		FeatureCoach:  {Gate: GateAd, Meter: MeterRows, CacheResults: true},
	}
}

// NewTable validates and copies the given cells. Features missing from
// policies get their default policy.
func NewTable(limits map[Plan]map[Feature]Limit, policies map[Feature]Policy) (*Table, error) {
	t := &Table{
		limits:   make(map[Plan]map[Feature]Limit, len(limits)),
		policies: DefaultPolicies(),
	}
	for plan, row := range limits {
		t.limits[plan] = maps.Clone(row)
	}
	maps.Copy(t.policies, policies)
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// LimitFor returns the monthly limit. Unknown pairs yield zero, so they
// are never silently unlimited.
func (t *Table) LimitFor(plan Plan, feature Feature) Limit {
	return t.limits[plan][feature]
}

// Policy returns the enforcement policy of a feature.
func (t *Table) Policy(feature Feature) Policy {
	return t.policies[feature]
}

// Limits returns a copy of the row for plan.
func (t *Table) Limits(plan Plan) map[Feature]Limit {
	return maps.Clone(t.limits[plan])
}

// Validate reports every structural problem at once.
func (t *Table) Validate() error {
	var errs []error
	for plan := range t.limits {
		if _, err := ParsePlan(string(plan)); err != nil {
			errs = append(errs, err)
		}
	}
	for feature := range t.policies {
		if !known(feature) {
			errs = append(errs, fmt.Errorf("policy: %w: %q", ErrUnknownFeature, feature))
		}
	}
	for _, plan := range Plans {
		row, ok := t.limits[plan]
		if !ok {
			errs = append(errs, fmt.Errorf("plan %q: missing", plan))
			continue
		}
		for f := range row {
			if !known(f) {
				errs = append(errs, fmt.Errorf("plan %q: %w: %q", plan, ErrUnknownFeature, f))
			}
		}
		for _, f := range Features {
			limit, ok := row[f]
			switch {
			case !ok:
				errs = append(errs, fmt.Errorf("plan %q: feature %q: missing", plan, f))
			case limit < Unlimited:
				errs = append(errs, fmt.Errorf("plan %q: feature %q: %w", plan, f, ErrInvalidLimit))
			case plan == PlanUnlimited && !limit.IsUnlimited():
				errs = append(errs, fmt.Errorf("plan %q: feature %q: must be unlimited", plan, f))
			}
		}
	}
	for _, f := range Features {
		p := t.policies[f]
		if p.Gate != GateAd && p.Gate != GateHard {
			errs = append(errs, fmt.Errorf("feature %q: unknown gate mode %q", f, p.Gate))
		}
		switch {
		case p.Meter != MeterCounter && p.Meter != MeterRows:
			errs = append(errs, fmt.Errorf("feature %q: unknown meter %q", f, p.Meter))
		case p.Meter == MeterRows && f != FeatureCoach:
			errs = append(errs, fmt.Errorf("feature %q: only %q keeps result rows", f, FeatureCoach))
		}
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidTable}, errs...)...)
	}
	return nil
}

func known(f Feature) bool {
	parsed, err := ParseFeature(string(f))
	return err == nil && parsed == f
}
