// README: Ride service implements lifecycle transitions on top of a Repository.
package ride

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"rideflow/internal/types"
)

var (
	ErrInvalidState       = errors.New("invalid state transition")
	ErrNotFound           = errors.New("ride not found")
	ErrConflict           = errors.New("ride state conflict")
	ErrAssignmentConflict = errors.New("driver or ride already assigned")
	ErrActiveRide         = errors.New("rider has active ride")
	ErrForbidden          = errors.New("actor not allowed on ride")
	ErrBadRequest         = errors.New("bad request")
)

// errRideTaken is returned by Assign when the ride already left searching.
// It matches both ErrAssignmentConflict and ErrInvalidState.
var errRideTaken = fmt.Errorf("%w: %w", ErrAssignmentConflict, ErrInvalidState)

type Service struct {
	store  Repository
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger, now: time.Now}
}

type CreateCommand struct {
	RiderID        types.ID
	Pickup         types.Point
	Dropoff        types.Point
	PickupAddress  string
	DropoffAddress string
	City           string
	VehicleType    string
	Seats          int
	DepartureAt    time.Time
	Scheduled      bool
	EstimatedFare  types.Money
	PaymentMethod  PaymentMethod
	Bidding        *Bidding
}

type CancelCommand struct {
	RideID    types.ID
	ActorType string
	ActorID   *types.ID
	Reason    string
}

const (
	ActorRider  = "rider"
	ActorDriver = "driver"
	ActorAdmin  = "admin"
	ActorSystem = "system"
)

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Ride, error) {
	if cmd.RiderID == "" || cmd.City == "" || cmd.VehicleType == "" {
		return nil, ErrBadRequest
	}
	if !cmd.Pickup.Valid() || !cmd.Dropoff.Valid() {
		return nil, ErrBadRequest
	}
	if cmd.PaymentMethod == "" {
		cmd.PaymentMethod = PaymentCash
	}
	if !cmd.PaymentMethod.Valid() {
		return nil, ErrBadRequest
	}
	if cmd.Seats <= 0 {
		cmd.Seats = 1
	}
	active, err := s.store.HasActiveByRider(ctx, cmd.RiderID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrActiveRide
	}

	now := s.now()
	if cmd.DepartureAt.IsZero() {
		cmd.DepartureAt = now
	}
	r := &Ride{
		ID:             types.NewID(),
		RiderID:        cmd.RiderID,
		Status:         StatusSearching,
		Pickup:         cmd.Pickup,
		Dropoff:        cmd.Dropoff,
		PickupAddress:  cmd.PickupAddress,
		DropoffAddress: cmd.DropoffAddress,
		City:           cmd.City,
		VehicleType:    cmd.VehicleType,
		Seats:          cmd.Seats,
		DepartureAt:    cmd.DepartureAt,
		Scheduled:      cmd.Scheduled,
		EstimatedFare:  cmd.EstimatedFare,
		PaymentMethod:  cmd.PaymentMethod,
		PaymentStatus:  PaymentUnpaid,
		Bidding:        cmd.Bidding,
		CreatedAt:      now,
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	rider := cmd.RiderID
	s.appendEvent(ctx, r.ID, StatusNone, StatusSearching, ActorRider, &rider)
	return r, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Ride, error) {
	return s.store.Get(ctx, id)
}

// Assign records a match. The driver must already be reserved by the caller.
func (s *Service) Assign(ctx context.Context, a Assignment) error {
	if a.RideID == "" || a.DriverID == "" {
		return ErrBadRequest
	}
	if a.MatchedAt.IsZero() {
		a.MatchedAt = s.now()
	}
	if err := s.store.Assign(ctx, a); err != nil {
		return err
	}
	s.appendEvent(ctx, a.RideID, StatusSearching, StatusMatched, ActorSystem, nil)
	return nil
}

func (s *Service) Accept(ctx context.Context, rideID, driverID types.ID) (*Ride, error) {
	return s.driverTransition(ctx, rideID, driverID, Transition{To: StatusAccepted})
}

// Decline returns a matched ride to searching and releases its driver slot.
func (s *Service) Decline(ctx context.Context, rideID, driverID types.ID) (*Ride, error) {
	return s.driverTransition(ctx, rideID, driverID, Transition{To: StatusSearching})
}

func (s *Service) Start(ctx context.Context, rideID, driverID types.ID) (*Ride, error) {
	return s.driverTransition(ctx, rideID, driverID, Transition{To: StatusInProgress})
}

// Complete marks the trip finished and stores the measured trip, if any, in
// the same write. Settlement moves it on to completed.
func (s *Service) Complete(ctx context.Context, rideID, driverID types.ID, trip *Trip) (*Ride, error) {
	if trip != nil && trip.DistanceKm < 0 {
		return nil, ErrBadRequest
	}
	return s.driverTransition(ctx, rideID, driverID, Transition{To: StatusCompletedUnsettled, Trip: trip})
}

func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Ride, error) {
	var to Status
	switch cmd.ActorType {
	case ActorRider:
		to = StatusCancelledByRider
	case ActorDriver:
		to = StatusCancelledByDriver
	case ActorAdmin:
		to = StatusCancelledByAdmin
	default:
		return nil, ErrBadRequest
	}
	r, err := s.store.Get(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	switch cmd.ActorType {
	case ActorRider:
		if cmd.ActorID != nil && *cmd.ActorID != r.RiderID {
			return nil, ErrForbidden
		}
	case ActorDriver:
		if cmd.ActorID == nil || r.DriverID == nil || *cmd.ActorID != *r.DriverID {
			return nil, ErrForbidden
		}
	}
	reason := cmd.Reason
	return s.transition(ctx, r, Transition{To: to, Reason: &reason}, cmd.ActorType, cmd.ActorID)
}

// FailNoDriver closes a ride that exhausted its search window.
func (s *Service) FailNoDriver(ctx context.Context, rideID types.ID) (*Ride, error) {
	r, err := s.store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	reason := "no_driver_available"
	return s.transition(ctx, r, Transition{To: StatusFailedNoDriver, Reason: &reason}, ActorSystem, nil)
}

func (s *Service) RecordSettlement(ctx context.Context, u SettlementUpdate) error {
	r, err := s.store.Get(ctx, u.RideID)
	if err != nil {
		return err
	}
	if r.Status != StatusCompletedUnsettled && r.Status != StatusCompleted && !r.Status.Cancelled() {
		s.logger.Error("settlement recorded on unfinished ride", "ride_id", r.ID, "status", r.Status)
		return ErrInvalidState
	}
	if u.SettledAt.IsZero() {
		u.SettledAt = s.now()
	}
	if err := s.store.RecordSettlement(ctx, u); err != nil {
		return err
	}
	if u.Complete && r.Status == StatusCompletedUnsettled {
		s.appendEvent(ctx, r.ID, StatusCompletedUnsettled, StatusCompleted, ActorSystem, nil)
	}
	return nil
}

func (s *Service) SetPayment(ctx context.Context, id types.ID, method PaymentMethod, status PaymentStatus, gatewayRef string) error {
	if method != "" && !method.Valid() {
		return ErrBadRequest
	}
	return s.store.SetPayment(ctx, id, method, status, gatewayRef)
}

func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Ride, error) {
	return s.store.ListByStatus(ctx, status, limit)
}

func (s *Service) CompletedRides(ctx context.Context, driverID types.ID) (int, error) {
	return s.store.CompletedCountByDriver(ctx, driverID)
}

func (s *Service) driverTransition(ctx context.Context, rideID, driverID types.ID, t Transition) (*Ride, error) {
	if driverID == "" {
		return nil, ErrBadRequest
	}
	r, err := s.store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.DriverID == nil || *r.DriverID != driverID {
		if !CanTransition(r.Status, t.To) {
			return nil, ErrInvalidState
		}
		return nil, ErrForbidden
	}
	d := driverID
	return s.transition(ctx, r, t, ActorDriver, &d)
}

// transition applies t.To to r under the CAS guard. The caller sets To and
// optionally Reason and Trip; the guard fields are filled in here.
func (s *Service) transition(ctx context.Context, r *Ride, t Transition, actorType string, actorID *types.ID) (*Ride, error) {
	to := t.To
	if !CanTransition(r.Status, to) {
		s.logger.Warn("rejected ride transition", "ride_id", r.ID, "from", r.Status, "to", to)
		return nil, ErrInvalidState
	}
	from := r.Status
	t.RideID = r.ID
	t.From = from
	t.Version = r.StatusVersion
	t.At = s.now()
	ok, err := s.store.UpdateStatus(ctx, t)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	s.appendEvent(ctx, r.ID, from, to, actorType, actorID)
	return s.store.Get(ctx, r.ID)
}

func (s *Service) appendEvent(ctx context.Context, id types.ID, from, to Status, actorType string, actorID *types.ID) {
	err := s.store.AppendEvent(ctx, &Event{
		RideID:     id,
		FromStatus: from,
		ToStatus:   to,
		ActorType:  actorType,
		ActorID:    actorID,
		CreatedAt:  s.now(),
	})
	if err != nil {
		s.logger.Warn("append ride event failed", "ride_id", id, "error", err)
	}
}
