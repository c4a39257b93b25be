// README: Pricing service computes fare estimates and settlement fares.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"rideflow/internal/modules/geo"
	"rideflow/internal/types"
)

// AverageSpeedKmh is the fixed speed used to derive a duration when no
// telemetry is available.
const AverageSpeedKmh = 40.0

var (
	ErrNoFareConfigured = errors.New("no fare configured for city and vehicle type")
	ErrBadRequest       = errors.New("bad pricing request")
)

// ConfigStore exposes the read-only admin tables used for pricing.
type ConfigStore interface {
	FareSetting(ctx context.Context, city, vehicleType string) (FareSetting, error)
	SurgeMultiplier(ctx context.Context, city string, at time.Time) (float64, error)
	CommissionSettings(ctx context.Context) ([]CommissionSetting, error)
	ServiceZones(ctx context.Context) ([]geo.Zone, error)
}

// Config is everything Compute needs, already resolved from the store.
type Config struct {
	Fare        FareSetting
	Surge       float64
	Zones       []geo.Zone
	Commissions []CommissionSetting
}

type Service struct {
	store ConfigStore
	now   func() time.Time
}

func NewService(store ConfigStore) *Service {
	return &Service{store: store, now: time.Now}
}

// Estimate prices a ride and is used both before the ride (estimated route)
// and at settlement (actual telemetry).
func (s *Service) Estimate(ctx context.Context, in Input) (Breakdown, error) {
	if in.City == "" || in.VehicleType == "" {
		return Breakdown{}, ErrBadRequest
	}
	if in.At.IsZero() {
		in.At = s.now()
	}
	cfg, err := s.resolve(ctx, in.City, in.VehicleType, in.At)
	if err != nil {
		return Breakdown{}, err
	}
	return Compute(cfg, in)
}

// CancellationFee prices the fee-only path for a cancelled ride. A zero fee
// yields a zero breakdown.
func (s *Service) CancellationFee(ctx context.Context, city, vehicleType string, driverRides int) (Breakdown, error) {
	fare, err := s.store.FareSetting(ctx, city, vehicleType)
	if err != nil {
		return Breakdown{}, err
	}
	rules, err := s.store.CommissionSettings(ctx)
	if err != nil {
		return Breakdown{}, fmt.Errorf("load commission settings: %w", err)
	}
	b := Breakdown{Fare: types.RoundMoney(fare.CancellationFee), SurgeMultiplier: 1, ZoneMultiplier: 1}
	splitCommission(&b, rules, city, vehicleType, driverRides)
	return b, nil
}

func (s *Service) resolve(ctx context.Context, city, vehicle string, at time.Time) (Config, error) {
	fare, err := s.store.FareSetting(ctx, city, vehicle)
	if err != nil {
		return Config{}, err
	}
	surge, err := s.store.SurgeMultiplier(ctx, city, at)
	if err != nil {
		return Config{}, fmt.Errorf("load surge: %w", err)
	}
	zones, err := s.store.ServiceZones(ctx)
	if err != nil {
		return Config{}, fmt.Errorf("load zones: %w", err)
	}
	rules, err := s.store.CommissionSettings(ctx)
	if err != nil {
		return Config{}, fmt.Errorf("load commission settings: %w", err)
	}
	return Config{Fare: fare, Surge: surge, Zones: zones, Commissions: rules}, nil
}

// Compute is the pure fare pipeline: base, surge, zone, booking fee and
// minimum, then the commission split.
func Compute(cfg Config, in Input) (Breakdown, error) {
	if !cfg.Fare.Active {
		return Breakdown{}, ErrNoFareConfigured
	}
	distance := in.DistanceKm
	if distance <= 0 {
		distance = geo.DistanceKm(in.Pickup, in.Drop)
	}
	var duration float64
	if in.DurationMin != nil && *in.DurationMin >= 0 {
		duration = *in.DurationMin
	} else {
		duration = math.Round(distance / AverageSpeedKmh * 60)
	}
	surge := cfg.Surge
	if surge < 1 {
		surge = 1
	}
	zone := geo.ZoneMultiplier(cfg.Zones, in.Pickup)

	f := cfg.Fare
	base := f.BaseFare.
		Add(decimal.NewFromFloat(distance).Mul(f.PerKmRate)).
		Add(decimal.NewFromFloat(duration).Mul(f.PerMinuteRate))
	zoned := base.Mul(decimal.NewFromFloat(surge)).Mul(decimal.NewFromFloat(zone))
	fare := decimal.Max(zoned.Add(f.BookingFee), f.MinimumFare)

	b := Breakdown{
		Fare:            types.RoundMoney(fare),
		DistanceKm:      distance,
		DurationMin:     duration,
		SurgeMultiplier: surge,
		ZoneMultiplier:  zone,
	}
	splitCommission(&b, cfg.Commissions, in.City, in.VehicleType, in.DriverRides)
	return b, nil
}

func splitCommission(b *Breakdown, rules []CommissionSetting, city, vehicle string, driverRides int) {
	b.Commission = decimal.Zero
	if rule, ok := ResolveCommission(rules, city, vehicle); ok {
		b.Commission = rule.Commission(b.Fare, driverRides)
		b.CommissionRule = rule.ID
	}
	share := b.Fare.Sub(b.Commission)
	if share.IsNegative() {
		share = decimal.Zero
		b.Anomalies = append(b.Anomalies, AnomalyCommissionExceedsFare)
	}
	b.DriverShare = share
}
