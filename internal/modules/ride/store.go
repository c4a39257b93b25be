// README: Ride store backed by PostgreSQL.
package ride

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"rideflow/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

var _ Repository = (*Store)(nil)

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const rideColumns = `
	id, rider_id, driver_id, driver_of_record, schedule_id, status, status_version,
	pickup_lat, pickup_lng, dropoff_lat, dropoff_lng, pickup_address, dropoff_address,
	city, vehicle_type, seats, departure_at, scheduled, match_score,
	estimated_fare, actual_fare, commission_amount, driver_share,
	payment_method, payment_status, gateway_ref,
	bid_min, bid_max, bid_duration_sec,
	trip_distance_km, trip_duration_min, trip_dropoff_lat, trip_dropoff_lng,
	created_at, matched_at, accepted_at, started_at, finished_at, settled_at, cancelled_at, cancel_reason`

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(row scanner) (*Ride, error) {
	var r Ride
	var driverID, driverOfRecord, scheduleID *string
	var actualFare, commission, share decimal.NullDecimal
	var bidMin, bidMax decimal.NullDecimal
	var bidDuration *int64
	var tripKm, tripMin, tripLat, tripLng *float64
	err := row.Scan(
		&r.ID, &r.RiderID, &driverID, &driverOfRecord, &scheduleID, &r.Status, &r.StatusVersion,
		&r.Pickup.Lat, &r.Pickup.Lng, &r.Dropoff.Lat, &r.Dropoff.Lng, &r.PickupAddress, &r.DropoffAddress,
		&r.City, &r.VehicleType, &r.Seats, &r.DepartureAt, &r.Scheduled, &r.MatchScore,
		&r.EstimatedFare, &actualFare, &commission, &share,
		&r.PaymentMethod, &r.PaymentStatus, &r.GatewayRef,
		&bidMin, &bidMax, &bidDuration,
		&tripKm, &tripMin, &tripLat, &tripLng,
		&r.CreatedAt, &r.MatchedAt, &r.AcceptedAt, &r.StartedAt, &r.FinishedAt, &r.SettledAt, &r.CancelledAt, &r.CancelReason,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.DriverID = toIDPtr(driverID)
	r.DriverOfRecord = toIDPtr(driverOfRecord)
	r.ScheduleID = toIDPtr(scheduleID)
	r.ActualFare = toMoneyPtr(actualFare)
	r.CommissionAmount = toMoneyPtr(commission)
	r.DriverShare = toMoneyPtr(share)
	if bidMin.Valid && bidMax.Valid {
		b := &Bidding{MinAmount: bidMin.Decimal, MaxAmount: bidMax.Decimal}
		if bidDuration != nil {
			b.Duration = time.Duration(*bidDuration) * time.Second
		}
		r.Bidding = b
	}
	if tripKm != nil {
		r.Trip = &Trip{DistanceKm: *tripKm, DurationMin: tripMin}
		if tripLat != nil && tripLng != nil {
			r.Trip.Dropoff = &types.Point{Lat: *tripLat, Lng: *tripLng}
		}
	}
	return &r, nil
}

type tripColumns struct {
	distance, duration, lat, lng *float64
}

func toTripColumns(t *Trip) tripColumns {
	if t == nil {
		return tripColumns{}
	}
	km := t.DistanceKm
	c := tripColumns{distance: &km, duration: t.DurationMin}
	if t.Dropoff != nil {
		lat, lng := t.Dropoff.Lat, t.Dropoff.Lng
		c.lat, c.lng = &lat, &lng
	}
	return c
}

func (s *Store) Create(ctx context.Context, r *Ride) error {
	var bidMin, bidMax decimal.NullDecimal
	var bidDuration *int64
	if r.Bidding != nil {
		bidMin = decimal.NewNullDecimal(r.Bidding.MinAmount)
		bidMax = decimal.NewNullDecimal(r.Bidding.MaxAmount)
		sec := int64(r.Bidding.Duration / time.Second)
		bidDuration = &sec
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO rides (
			id, rider_id, status, status_version,
			pickup_lat, pickup_lng, dropoff_lat, dropoff_lng, pickup_address, dropoff_address,
			city, vehicle_type, seats, departure_at, scheduled,
			estimated_fare, payment_method, payment_status, gateway_ref,
			bid_min, bid_max, bid_duration_sec, created_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, $17, $18, $19,
			$20, $21, $22, $23
		)`,
		string(r.ID), string(r.RiderID), string(r.Status), r.StatusVersion,
		r.Pickup.Lat, r.Pickup.Lng, r.Dropoff.Lat, r.Dropoff.Lng, r.PickupAddress, r.DropoffAddress,
		r.City, r.VehicleType, r.Seats, r.DepartureAt, r.Scheduled,
		r.EstimatedFare, string(r.PaymentMethod), string(r.PaymentStatus), r.GatewayRef,
		bidMin, bidMax, bidDuration, r.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	return err
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Ride, error) {
	return scanRide(s.db.QueryRow(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, string(id)))
}

// UpdateStatus locks the row, re-checks the CAS guard and writes back the
// transitioned ride in one transaction.
func (s *Store) UpdateStatus(ctx context.Context, t Transition) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	r, err := scanRide(tx.QueryRow(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1 FOR UPDATE`, string(t.RideID)))
	if err != nil {
		return false, err
	}
	if r.Status != t.From || r.StatusVersion != t.Version {
		return false, nil
	}
	applyTransition(r, t)
	trip := toTripColumns(r.Trip)
	tag, err := tx.Exec(ctx, `
		UPDATE rides
		SET status = $1,
			status_version = $2,
			driver_id = $3,
			driver_of_record = $4,
			schedule_id = $5,
			match_score = $6,
			matched_at = $7,
			accepted_at = $8,
			started_at = $9,
			finished_at = $10,
			cancelled_at = $11,
			cancel_reason = $12,
			trip_distance_km = $13,
			trip_duration_min = $14,
			trip_dropoff_lat = $15,
			trip_dropoff_lng = $16
		WHERE id = $17 AND status_version = $18`,
		string(r.Status), r.StatusVersion,
		fromIDPtr(r.DriverID), fromIDPtr(r.DriverOfRecord), fromIDPtr(r.ScheduleID), r.MatchScore,
		r.MatchedAt, r.AcceptedAt, r.StartedAt, r.FinishedAt, r.CancelledAt, r.CancelReason,
		trip.distance, trip.duration, trip.lat, trip.lng,
		string(r.ID), t.Version,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}
	return true, tx.Commit(ctx)
}

// Assign serialises on the driver with a transaction-scoped advisory lock.
// The partial unique index on active driver_id backs the check.
func (s *Store) Assign(ctx context.Context, a Assignment) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, string(a.DriverID)); err != nil {
		return err
	}
	var busy bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM rides
			WHERE driver_id = $1 AND status IN ('matched','accepted','in_progress')
		)`, string(a.DriverID)).Scan(&busy)
	if err != nil {
		return err
	}
	if busy {
		return ErrAssignmentConflict
	}
	tag, err := tx.Exec(ctx, `
		UPDATE rides
		SET status = 'matched',
			status_version = status_version + 1,
			driver_id = $1,
			schedule_id = $2,
			match_score = $3,
			matched_at = $4
		WHERE id = $5 AND status = 'searching'`,
		string(a.DriverID), fromIDPtr(a.ScheduleID), a.Score, a.MatchedAt, string(a.RideID),
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAssignmentConflict
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM rides WHERE id = $1)`, string(a.RideID)).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return errRideTaken
	}
	return tx.Commit(ctx)
}

func (s *Store) RecordSettlement(ctx context.Context, u SettlementUpdate) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE rides
		SET actual_fare = $1,
			commission_amount = $2,
			driver_share = $3,
			payment_status = $4,
			status = CASE WHEN $5 AND status = 'completed_unsettled' THEN 'completed' ELSE status END,
			status_version = CASE WHEN $5 AND status = 'completed_unsettled' THEN status_version + 1 ELSE status_version END,
			settled_at = CASE WHEN $5 AND status = 'completed_unsettled' THEN $6 ELSE settled_at END
		WHERE id = $7`,
		u.ActualFare, u.Commission, u.DriverShare, string(u.PaymentStatus), u.Complete, u.SettledAt, string(u.RideID),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetPayment(ctx context.Context, id types.ID, method PaymentMethod, status PaymentStatus, gatewayRef string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE rides
		SET payment_method = COALESCE(NULLIF($1, ''), payment_method),
			payment_status = COALESCE(NULLIF($2, ''), payment_status),
			gateway_ref = COALESCE(NULLIF($3, ''), gateway_ref)
		WHERE id = $4`,
		string(method), string(status), gatewayRef, string(id),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListByStatus(ctx context.Context, status Status, limit int) ([]*Ride, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `SELECT `+rideColumns+` FROM rides WHERE status = $1 ORDER BY created_at LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) CompletedCountByDriver(ctx context.Context, driverID types.ID) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM rides
		WHERE driver_of_record = $1 AND status = 'completed'`, string(driverID)).Scan(&n)
	return n, err
}

func (s *Store) HasActiveByRider(ctx context.Context, riderID types.ID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM rides
			WHERE rider_id = $1
			  AND status IN ('searching','matched','accepted','in_progress')
		)`, string(riderID)).Scan(&exists)
	return exists, err
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO ride_state_events (
			ride_id, from_status, to_status, actor_type, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.RideID), string(e.FromStatus), string(e.ToStatus), e.ActorType, fromIDPtr(e.ActorID), e.CreatedAt,
	)
	return err
}

func toIDPtr(v *string) *types.ID {
	if v == nil {
		return nil
	}
	id := types.ID(*v)
	return &id
}

func fromIDPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func toMoneyPtr(v decimal.NullDecimal) *types.Money {
	if !v.Valid {
		return nil
	}
	m := v.Decimal
	return &m
}
