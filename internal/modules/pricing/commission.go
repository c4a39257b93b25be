package pricing

import (
	"sort"

	"github.com/shopspring/decimal"

	"rideflow/internal/types"
)

// Specificity ranks how closely a commission rule targets (city, vehicle).
// city+vehicle = 3, vehicle only = 2, city only = 1, global = 0. ok is false
// when the rule names a different city or vehicle type, or is inactive.
func Specificity(rule CommissionSetting, city, vehicle string) (rank int, ok bool) {
	if !rule.Active || !rule.Type.Valid() {
		return 0, false
	}
	if rule.City != "" {
		if rule.City != city {
			return 0, false
		}
		rank++
	}
	if rule.VehicleType != "" {
		if rule.VehicleType != vehicle {
			return 0, false
		}
		rank += 2
	}
	return rank, true
}

// ResolveCommission picks the most specific applicable rule. Ties keep the
// order the rules were supplied in.
func ResolveCommission(rules []CommissionSetting, city, vehicle string) (CommissionSetting, bool) {
	type ranked struct {
		rule CommissionSetting
		rank int
	}
	candidates := make([]ranked, 0, len(rules))
	for _, r := range rules {
		if rank, ok := Specificity(r, city, vehicle); ok {
			candidates = append(candidates, ranked{rule: r, rank: rank})
		}
	}
	if len(candidates) == 0 {
		return CommissionSetting{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].rank > candidates[j].rank })
	return candidates[0].rule, true
}

// EffectiveValue applies the volume discount once the driver has completed
// enough rides.
func (c CommissionSetting) EffectiveValue(driverRides int) types.Money {
	if c.MinRidesForDiscount > 0 && driverRides >= c.MinRidesForDiscount {
		return c.DiscountedValue
	}
	return c.Value
}

// Commission computes the platform cut of fare, rounded to cents.
func (c CommissionSetting) Commission(fare types.Money, driverRides int) types.Money {
	v := c.EffectiveValue(driverRides)
	if c.Type == CommissionPercentage {
		return types.RoundMoney(fare.Mul(v).Div(decimal.NewFromInt(100)))
	}
	return types.RoundMoney(v)
}
