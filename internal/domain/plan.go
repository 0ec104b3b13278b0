/**
 * @description
 * This file defines the billing plan catalogue. Prices and durations are fixed
 * and looked up server-side; clients only ever send the plan code.
 */
package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Plan is the billing plan code a tenant subscribes to.
type Plan string

const (
	PlanMonthly    Plan = "MONTHLY"
	PlanSemiannual Plan = "SEMIANNUAL"
	PlanYearly     Plan = "YEARLY"
)

// Feature names carried in a tenant's feature-flag set.
const (
	FeatureElectronicInvoicing = "electronic_invoicing"
	FeatureCreditNotes         = "credit_notes"
	FeatureWithholdings        = "withholdings"
	FeatureInventory           = "inventory"
	FeatureReports             = "reports"
)

// PlanDetails describes the price and validity window bought by a plan.
type PlanDetails struct {
	Code     Plan            `json:"code"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"-"`
	Months   int             `json:"months"`
	Features map[string]bool `json:"features"`
}

// PriceString renders the price with two decimals, as sent to the gateway.
func (p PlanDetails) PriceString() string {
	return p.Price.StringFixed(2)
}

var plans = []PlanDetails{
	{
		Code:   PlanMonthly,
		Name:   "Monthly",
		Price:  decimal.RequireFromString("15.00"),
		Months: 1,
		Features: map[string]bool{
			FeatureElectronicInvoicing: true,
			FeatureCreditNotes:         true,
			FeatureWithholdings:        false,
			FeatureInventory:           false,
			FeatureReports:             false,
		},
	},
	{
		Code:   PlanSemiannual,
		Name:   "Semiannual",
		Price:  decimal.RequireFromString("75.00"),
		Months: 6,
		Features: map[string]bool{
			FeatureElectronicInvoicing: true,
			FeatureCreditNotes:         true,
			FeatureWithholdings:        true,
			FeatureInventory:           false,
			FeatureReports:             true,
		},
	},
	{
		Code:   PlanYearly,
		Name:   "Yearly",
		Price:  decimal.RequireFromString("120.00"),
		Months: 12,
		Features: map[string]bool{
			FeatureElectronicInvoicing: true,
			FeatureCreditNotes:         true,
			FeatureWithholdings:        true,
			FeatureInventory:           true,
			FeatureReports:             true,
		},
	},
}

// Plans returns the catalogue in display order.
func Plans() []PlanDetails {
	out := make([]PlanDetails, 0, len(plans))
	for _, p := range plans {
		out = append(out, p.clone())
	}
	return out
}

// LookupPlan resolves a plan code, case-insensitively.
func LookupPlan(code string) (PlanDetails, bool) {
	normalized := Plan(strings.ToUpper(strings.TrimSpace(code)))
	for _, p := range plans {
		if p.Code == normalized {
			return p.clone(), true
		}
	}
	return PlanDetails{}, false
}

func (p PlanDetails) clone() PlanDetails {
	features := make(map[string]bool, len(p.Features))
	for k, v := range p.Features {
		features[k] = v
	}
	p.Features = features
	return p
}
