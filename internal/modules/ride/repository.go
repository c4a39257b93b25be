package ride

import (
	"context"
	"time"

	"rideflow/internal/types"
)

// Transition is a compare-and-swap status change guarded by StatusVersion.
type Transition struct {
	RideID  types.ID
	From    Status
	To      Status
	Version int
	Reason  *string
	Trip    *Trip
	At      time.Time
}

// Repository persists rides. Implementations must make UpdateStatus, Assign
// and RecordSettlement atomic with respect to each other.
type Repository interface {
	Create(ctx context.Context, r *Ride) error
	Get(ctx context.Context, id types.ID) (*Ride, error)
	UpdateStatus(ctx context.Context, t Transition) (bool, error)
	// Assign moves a searching ride to matched only if the driver holds no
	// other active ride. It returns ErrAssignmentConflict otherwise.
	Assign(ctx context.Context, a Assignment) error
	RecordSettlement(ctx context.Context, u SettlementUpdate) error
	SetPayment(ctx context.Context, id types.ID, method PaymentMethod, status PaymentStatus, gatewayRef string) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Ride, error)
	CompletedCountByDriver(ctx context.Context, driverID types.ID) (int, error)
	HasActiveByRider(ctx context.Context, riderID types.ID) (bool, error)
	AppendEvent(ctx context.Context, e *Event) error
}
