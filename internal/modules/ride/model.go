// README: Ride aggregate, status definitions and the lifecycle transition table.
package ride

import (
	"time"

	"rideflow/internal/types"
)

type Status string

const (
	StatusNone               Status = "none"
	StatusSearching          Status = "searching"
	StatusMatched            Status = "matched"
	StatusAccepted           Status = "accepted"
	StatusInProgress         Status = "in_progress"
	StatusCompletedUnsettled Status = "completed_unsettled"
	StatusCompleted          Status = "completed"
	StatusCancelledByRider   Status = "cancelled_by_rider"
	StatusCancelledByDriver  Status = "cancelled_by_driver"
	StatusCancelledByAdmin   Status = "cancelled_by_admin"
	StatusFailedNoDriver     Status = "failed_no_driver"
)

// ActiveStatuses are the states in which a ride holds its driver.
var ActiveStatuses = []Status{StatusMatched, StatusAccepted, StatusInProgress}

func (s Status) Active() bool {
	return s == StatusMatched || s == StatusAccepted || s == StatusInProgress
}

func (s Status) Cancelled() bool {
	return s == StatusCancelledByRider || s == StatusCancelledByDriver || s == StatusCancelledByAdmin
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailedNoDriver || s.Cancelled()
}

// AllowedTransitions represents the ride state flow as code.
var AllowedTransitions = map[Status][]Status{
	StatusSearching: {StatusMatched, StatusFailedNoDriver,
		StatusCancelledByRider, StatusCancelledByDriver, StatusCancelledByAdmin},
	StatusMatched: {StatusAccepted, StatusSearching,
		StatusCancelledByRider, StatusCancelledByDriver, StatusCancelledByAdmin},
	StatusAccepted: {StatusInProgress,
		StatusCancelledByRider, StatusCancelledByDriver, StatusCancelledByAdmin},
	StatusInProgress:         {StatusCompletedUnsettled, StatusCancelledByAdmin},
	StatusCompletedUnsettled: {StatusCompleted},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "cash"
	PaymentWallet PaymentMethod = "wallet"
	PaymentCard   PaymentMethod = "card"
)

func (m PaymentMethod) Valid() bool {
	return m == PaymentCash || m == PaymentWallet || m == PaymentCard
}

type PaymentStatus string

const (
	PaymentUnpaid         PaymentStatus = "unpaid"
	PaymentPendingGateway PaymentStatus = "pending_gateway"
	PaymentPaid           PaymentStatus = "paid"
	PaymentFailed         PaymentStatus = "failed"
)

// Bidding holds the rider's optional price bounds. Negotiation happens elsewhere.
type Bidding struct {
	MinAmount types.Money
	MaxAmount types.Money
	Duration  time.Duration
}

type Ride struct {
	ID             types.ID
	RiderID        types.ID
	DriverID       *types.ID
	DriverOfRecord *types.ID
	ScheduleID     *types.ID
	Status         Status
	StatusVersion  int
	Pickup         types.Point
	Dropoff        types.Point
	PickupAddress  string
	DropoffAddress string
	City           string
	VehicleType    string
	Seats          int
	DepartureAt    time.Time
	Scheduled      bool
	MatchScore     float64

	EstimatedFare    types.Money
	ActualFare       *types.Money
	CommissionAmount *types.Money
	DriverShare      *types.Money
	PaymentMethod    PaymentMethod
	PaymentStatus    PaymentStatus
	GatewayRef       string
	Bidding          *Bidding
	Trip             *Trip

	CreatedAt    time.Time
	MatchedAt    *time.Time
	AcceptedAt   *time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	SettledAt    *time.Time
	CancelledAt  *time.Time
	CancelReason *string
}

// Trip is the measured trip reported at completion. A zero distance or a nil
// duration falls back to the planned route when pricing.
type Trip struct {
	DistanceKm  float64
	DurationMin *float64
	Dropoff     *types.Point
}

// Event is the audit row appended on every status change.
type Event struct {
	ID         int64
	RideID     types.ID
	FromStatus Status
	ToStatus   Status
	ActorType  string
	ActorID    *types.ID
	CreatedAt  time.Time
}

// Assignment is the payload of the searching -> matched transition.
type Assignment struct {
	RideID     types.ID
	DriverID   types.ID
	ScheduleID *types.ID
	Score      float64
	MatchedAt  time.Time
}

// SettlementUpdate records the posted fare split on a ride.
type SettlementUpdate struct {
	RideID        types.ID
	ActualFare    types.Money
	Commission    types.Money
	DriverShare   types.Money
	PaymentStatus PaymentStatus
	Complete      bool
	SettledAt     time.Time
}
