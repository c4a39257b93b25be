// README: Pricing configuration store backed by PostgreSQL.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"rideflow/internal/modules/geo"
	"rideflow/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) FareSetting(ctx context.Context, city, vehicleType string) (FareSetting, error) {
	row := s.db.QueryRow(ctx, `
		SELECT city, vehicle_type, base_fare, per_km_rate, per_minute_rate,
		       minimum_fare, booking_fee, cancellation_fee, active
		FROM fare_settings
		WHERE city = $1 AND vehicle_type = $2 AND active`, city, vehicleType)

	var f FareSetting
	err := row.Scan(&f.City, &f.VehicleType, &f.BaseFare, &f.PerKmRate, &f.PerMinuteRate,
		&f.MinimumFare, &f.BookingFee, &f.CancellationFee, &f.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return FareSetting{}, ErrNoFareConfigured
	}
	if err != nil {
		return FareSetting{}, err
	}
	return f, nil
}

func (s *Store) SurgeMultiplier(ctx context.Context, city string, at time.Time) (float64, error) {
	var m float64
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(MAX(multiplier), 1.0)
		FROM surge_pricings
		WHERE city = $1 AND starts_at <= $2 AND ends_at > $2`, city, at).Scan(&m)
	if err != nil {
		return 1, err
	}
	if m < 1 {
		m = 1
	}
	return m, nil
}

func (s *Store) SurgeEdges(ctx context.Context, city string, at time.Time) (time.Time, time.Time, error) {
	var prev, next *time.Time
	err := s.db.QueryRow(ctx, `
		WITH edges AS (
			SELECT starts_at AS t FROM surge_pricings WHERE city = $1
			UNION ALL
			SELECT ends_at FROM surge_pricings WHERE city = $1
		)
		SELECT (SELECT MAX(t) FROM edges WHERE t <= $2),
		       (SELECT MIN(t) FROM edges WHERE t > $2)`, city, at).Scan(&prev, &next)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	var p, n time.Time
	if prev != nil {
		p = *prev
	}
	if next != nil {
		n = *next
	}
	return p, n, nil
}

func (s *Store) CommissionSettings(ctx context.Context) ([]CommissionSetting, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, COALESCE(city, ''), COALESCE(vehicle_type, ''), type, value,
		       COALESCE(min_rides_for_discount, 0), COALESCE(discounted_value, 0), active
		FROM commission_settings
		WHERE active
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CommissionSetting
	for rows.Next() {
		var c CommissionSetting
		var id, typ string
		if err := rows.Scan(&id, &c.City, &c.VehicleType, &typ, &c.Value,
			&c.MinRidesForDiscount, &c.DiscountedValue, &c.Active); err != nil {
			return nil, err
		}
		c.ID = types.ID(id)
		c.Type = CommissionType(typ)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ServiceZones loads active zones. Polygons are stored as parallel lat/lng
// arrays and validated here; a malformed row fails the whole load.
func (s *Store) ServiceZones(ctx context.Context) ([]geo.Zone, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, lats, lngs, fare_multiplier, priority, active
		FROM service_zones
		WHERE active
		ORDER BY priority, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []geo.Zone
	for rows.Next() {
		var z geo.Zone
		var id string
		var lats, lngs []float64
		if err := rows.Scan(&id, &z.Name, &lats, &lngs, &z.FareMultiplier, &z.Priority, &z.Active); err != nil {
			return nil, err
		}
		if len(lats) != len(lngs) {
			return nil, fmt.Errorf("zone %s: %w", id, geo.ErrInvalidPolygon)
		}
		pts := make([]types.Point, len(lats))
		for i := range lats {
			pts[i] = types.Point{Lat: lats[i], Lng: lngs[i]}
		}
		poly, err := geo.NewPolygon(pts)
		if err != nil {
			return nil, fmt.Errorf("zone %s: %w", id, err)
		}
		z.ID = types.ID(id)
		z.Polygon = poly
		out = append(out, z)
	}
	return out, rows.Err()
}
