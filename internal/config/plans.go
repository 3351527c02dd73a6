package config

import (
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
)

// Plan is one subscription tier. Amounts are in minor currency units.
type Plan struct {
	ID                      string   `toml:"id" json:"id"`
	Name                    string   `toml:"name" json:"name"`
	Description             string   `toml:"description" json:"description"`
	Amount                  int64    `toml:"amount" json:"amount"`
	NotificationsAddonPrice int64    `toml:"notifications_addon_price" json:"notifications_addon_price"`
	Features                []string `toml:"features" json:"features"`
}

// PriceFor returns the checkout amount for the plan with or without the
// notifications add-on.
func (p Plan) PriceFor(notifications bool) int64 {
	if notifications {
		return p.Amount + p.NotificationsAddonPrice
	}
	return p.Amount
}

// PlanCatalog maps plan id to plan.
type PlanCatalog map[string]Plan

// Lookup returns the plan for id.
func (c PlanCatalog) Lookup(id string) (Plan, bool) {
	p, ok := c[id]
	return p, ok
}

// Sorted returns plans ordered by price.
func (c PlanCatalog) Sorted() []Plan {
	plans := make([]Plan, 0, len(c))
	for _, p := range c {
		plans = append(plans, p)
	}
	sort.Slice(plans, func(i, j int) bool {
		if plans[i].Amount == plans[j].Amount {
			return plans[i].ID < plans[j].ID
		}
		return plans[i].Amount < plans[j].Amount
	})
	return plans
}

type plansFile struct {
	Plans []Plan `toml:"plans"`
}

// DefaultPlans is used when no PLANS_FILE is configured.
func DefaultPlans() PlanCatalog {
	return PlanCatalog{
		"basic": {
			ID:                      "basic",
			Name:                    "Basic",
			Description:             "One venue, up to 4 courts",
			Amount:                  4990000,
			NotificationsAddonPrice: 1500000,
			Features:                []string{"Online bookings", "Client list", "Email support"},
		},
		"pro": {
			ID:                      "pro",
			Name:                    "Pro",
			Description:             "Multiple venues and unlimited courts",
			Amount:                  8990000,
			NotificationsAddonPrice: 1500000,
			Features:                []string{"Everything in Basic", "Unlimited courts", "Reports", "Priority support"},
		},
	}
}

// LoadPlans reads a plan catalogue from a TOML file:
//
//	[[plans]]
//	id = "basic"
//	amount = 4990000
func LoadPlans(filename string) (PlanCatalog, error) {
	if filename == "" {
		return DefaultPlans(), nil
	}

	var f plansFile
	if _, err := toml.DecodeFile(filename, &f); err != nil {
		return nil, fmt.Errorf("failed to load plans file: %w", err)
	}
	if len(f.Plans) == 0 {
		return nil, fmt.Errorf("plans file %s defines no plans", filename)
	}

	catalog := make(PlanCatalog, len(f.Plans))
	for _, p := range f.Plans {
		if p.ID == "" {
			return nil, fmt.Errorf("plans file %s: plan without id", filename)
		}
		if p.Amount <= 0 {
			return nil, fmt.Errorf("plans file %s: plan %q must have a positive amount", filename, p.ID)
		}
		if _, dup := catalog[p.ID]; dup {
			return nil, fmt.Errorf("plans file %s: duplicate plan %q", filename, p.ID)
		}
		catalog[p.ID] = p
	}
	return catalog, nil
}
