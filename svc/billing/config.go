package billing

import (
	"errors"
	"fmt"

	"github.com/dmitrymomot/quotagate/svc/entitlement"
)

type Config struct {
	WebhookSecret string `env:"BILLING_WEBHOOK_SECRET,required"`
	// ProductPlans maps provider product ids to plans, e.g. "pro_monthly:premium,vip:unlimited".
	// Unmapped products grant premium.
	ProductPlans map[string]string `env:"BILLING_PRODUCT_PLANS"`
	WebhookRPS   float64           `env:"BILLING_WEBHOOK_RPS" envDefault:"20"`
	WebhookBurst int               `env:"BILLING_WEBHOOK_BURST" envDefault:"40"`
}

func (c Config) Validate() error {
	var errs []error
	for product, plan := range c.ProductPlans {
		p, err := entitlement.ParsePlan(plan)
		if err != nil {
			errs = append(errs, fmt.Errorf("product %q: %w", product, err))
			continue
		}
		if p == entitlement.PlanFree {
			errs = append(errs, fmt.Errorf("product %q maps to the free plan", product))
		}
	}
	if c.WebhookRPS <= 0 || c.WebhookBurst <= 0 {
		errs = append(errs, errors.New("webhook rate limit must be positive"))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}

// PlanFor returns the plan a product grants.
func (c Config) PlanFor(product string) entitlement.Plan {
	if raw, ok := c.ProductPlans[product]; ok {
		if p, err := entitlement.ParsePlan(raw); err == nil {
			return p
		}
	}
	return entitlement.PlanPremium
}

// PaddleConfig enables the Paddle webhook endpoint when WebhookSecret is set.
type PaddleConfig struct {
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET"`
}

func (c PaddleConfig) Enabled() bool { return c.WebhookSecret != "" }
