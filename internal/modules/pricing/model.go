// README: Fare, surge and commission configuration plus the fare breakdown.
package pricing

import (
	"time"

	"rideflow/internal/types"
)

// FareSetting is the tariff for one (city, vehicle type) pair.
type FareSetting struct {
	City            string
	VehicleType     string
	BaseFare        types.Money
	PerKmRate       types.Money
	PerMinuteRate   types.Money
	MinimumFare     types.Money
	BookingFee      types.Money
	CancellationFee types.Money
	Active          bool
}

// SurgePricing applies Multiplier to base fares in City during [StartsAt, EndsAt).
type SurgePricing struct {
	ID         types.ID
	City       string
	Multiplier float64
	StartsAt   time.Time
	EndsAt     time.Time
}

func (s SurgePricing) ActiveAt(t time.Time) bool {
	return !t.Before(s.StartsAt) && t.Before(s.EndsAt)
}

type CommissionType string

const (
	CommissionPercentage CommissionType = "percentage"
	CommissionFixed      CommissionType = "fixed"
)

func (t CommissionType) Valid() bool {
	return t == CommissionPercentage || t == CommissionFixed
}

// CommissionSetting is a platform commission rule. Empty City or VehicleType
// means the rule applies to any value of that field.
type CommissionSetting struct {
	ID                  types.ID
	City                string
	VehicleType         string
	Type                CommissionType
	Value               types.Money
	MinRidesForDiscount int
	DiscountedValue     types.Money
	Active              bool
}

// Anomaly is a non-fatal condition raised while pricing a ride.
type Anomaly string

const AnomalyCommissionExceedsFare Anomaly = "commission_exceeds_fare"

// Input describes one ride to price. DistanceKm and DurationMin are optional
// telemetry; when zero/nil they are derived from Pickup and Drop.
type Input struct {
	Pickup        types.Point
	Drop          types.Point
	City          string
	VehicleType   string
	At            time.Time
	DriverRides   int
	PaymentMethod string
	DistanceKm    float64
	DurationMin   *float64
}

// Breakdown is the priced result of a ride.
type Breakdown struct {
	Fare            types.Money `json:"fare"`
	DistanceKm      float64     `json:"distance_km"`
	DurationMin     float64     `json:"duration_min"`
	Commission      types.Money `json:"commission"`
	DriverShare     types.Money `json:"driver_share"`
	SurgeMultiplier float64     `json:"surge_multiplier"`
	ZoneMultiplier  float64     `json:"zone_multiplier"`
	CommissionRule  types.ID    `json:"commission_rule,omitempty"`
	Anomalies       []Anomaly   `json:"anomalies,omitempty"`
}

func (b Breakdown) HasAnomaly(a Anomaly) bool {
	for _, x := range b.Anomalies {
		if x == a {
			return true
		}
	}
	return false
}
