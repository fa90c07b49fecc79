package entitlement

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Plan is the subscription tier stored on a user.
type Plan string

const (
	PlanFree      Plan = "free"
	PlanPremium   Plan = "premium"
	PlanUnlimited Plan = "unlimited"
)

// Plans lists every known plan.
var Plans = []Plan{PlanFree, PlanPremium, PlanUnlimited}

func ParsePlan(s string) (Plan, error) {
	p := Plan(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PlanFree, PlanPremium, PlanUnlimited:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPlan, s)
}

// Feature is a gated capability.
type Feature string

const (
	FeaturePhoto  Feature = "photo"
	FeatureText   Feature = "text"
	FeatureOCR    Feature = "ocr"
	FeatureReport Feature = "report"
	FeatureCoach  Feature = "coach_analysis"
)

// Features lists every known feature in display order.
var Features = []Feature{FeaturePhoto, FeatureText, FeatureOCR, FeatureReport, FeatureCoach}

// ParseFeature accepts the short name ("text") or the wire name ("text_analysis").
func ParseFeature(s string) (Feature, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, f := range Features {
		if name == string(f) || name == f.WireName() {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFeature, s)
}

// WireName is the name clients see, e.g. "text_analysis".
func (f Feature) WireName() string {
	if f == FeatureCoach {
		return string(f)
	}
	return string(f) + "_analysis"
}

// QuotaKey is the usage key of the quota inspection response, e.g. "text_analyses".
func (f Feature) QuotaKey() string {
	if f == FeatureCoach {
		return "coach_analyses"
	}
	return string(f) + "_analyses"
}

// Limit is a monthly allowance. Unlimited is the only negative value.
type Limit int64

const Unlimited Limit = -1

func (l Limit) IsUnlimited() bool { return l < 0 }

// Allows reports whether one more use fits on top of used.
func (l Limit) Allows(used int64) bool {
	return l.IsUnlimited() || used < int64(l)
}

// Remaining is zero once used reaches the limit, and -1 for unlimited.
func (l Limit) Remaining(used int64) int64 {
	if l.IsUnlimited() {
		return -1
	}
	return max(int64(l)-used, 0)
}

func (l Limit) String() string {
	if l.IsUnlimited() {
		return "unlimited"
	}
	return strconv.FormatInt(int64(l), 10)
}

// MarshalJSON renders unlimited as the string "unlimited".
func (l Limit) MarshalJSON() ([]byte, error) {
	if l.IsUnlimited() {
		return []byte(`"unlimited"`), nil
	}
	return []byte(strconv.FormatInt(int64(l), 10)), nil
}

func (l *Limit) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return l.parse(s)
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidLimit, data)
	}
	return l.set(n)
}

// UnmarshalYAML accepts an integer or "unlimited".
func (l *Limit) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("%w: line %d: expected a scalar", ErrInvalidLimit, node.Line)
	}
	return l.parse(node.Value)
}

func (l *Limit) parse(s string) error {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "unlimited") {
		*l = Unlimited
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidLimit, s)
	}
	return l.set(n)
}

func (l *Limit) set(n int64) error {
	if n < 0 {
		return fmt.Errorf("%w: negative limit %d", ErrInvalidLimit, n)
	}
	*l = Limit(n)
	return nil
}

// GateMode decides what happens when a finite allowance is exhausted.
type GateMode string

const (
	// GateAd asks the client to show a rewarded ad and retry.
	GateAd GateMode = "ad"
	// GateHard rejects with quota_exceeded.
	GateHard GateMode = "hard"
)

// Meter decides how usage is counted.
type Meter string

const (
	MeterCounter Meter = "counter"
	// MeterRows counts stored results inside the month window.
	MeterRows Meter = "rows"
)

// Policy is the per-feature enforcement configuration.
type Policy struct {
	Gate         GateMode `yaml:"gate" json:"gate"`
	Meter        Meter    `yaml:"meter" json:"meter"`
	CacheResults bool     `yaml:"cache_results" json:"cache_results"`
}
