// README: Driver availability registry with compare-and-set reservation.
package matching

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"rideflow/internal/modules/geo"
	"rideflow/internal/types"
)

var ErrUnknownDriver = errors.New("driver not registered")

// Registry tracks which drivers are online, where they are and which ride
// they hold. Reserve is the only way to mark a driver busy.
type Registry interface {
	SetAvailability(ctx context.Context, driverID types.ID, online bool, loc types.Point) error
	UpdateLocation(ctx context.Context, driverID types.ID, loc types.Point) error
	State(ctx context.Context, driverID types.ID) (DriverState, bool, error)
	Nearby(ctx context.Context, p types.Point, radiusKm float64) ([]DriverState, error)
	// Reserve moves an online idle driver to busy with rideID. It reports
	// false if another caller won.
	Reserve(ctx context.Context, driverID, rideID types.ID) (bool, error)
	// Release frees the driver only if it is still held by rideID.
	Release(ctx context.Context, driverID, rideID types.ID) error
}

type MemoryRegistry struct {
	mu      sync.Mutex
	drivers map[types.ID]*DriverState
	now     func() time.Time
}

var _ Registry = (*MemoryRegistry)(nil)

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{drivers: make(map[types.ID]*DriverState), now: time.Now}
}

func (r *MemoryRegistry) SetAvailability(_ context.Context, driverID types.ID, online bool, loc types.Point) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.drivers[driverID]
	if !ok {
		st = &DriverState{DriverID: driverID}
		r.drivers[driverID] = st
	}
	st.Online = online
	st.Location = loc
	st.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRegistry) UpdateLocation(_ context.Context, driverID types.ID, loc types.Point) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.drivers[driverID]
	if !ok {
		return ErrUnknownDriver
	}
	st.Location = loc
	st.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRegistry) State(_ context.Context, driverID types.ID) (DriverState, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.drivers[driverID]
	if !ok {
		return DriverState{}, false, nil
	}
	return copyState(st), true, nil
}

func (r *MemoryRegistry) Nearby(_ context.Context, p types.Point, radiusKm float64) ([]DriverState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []DriverState
	for _, st := range r.drivers {
		if !st.Idle() {
			continue
		}
		if geo.DistanceKm(st.Location, p) <= radiusKm {
			out = append(out, copyState(st))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out, nil
}

func (r *MemoryRegistry) Reserve(_ context.Context, driverID, rideID types.ID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.drivers[driverID]
	if !ok || !st.Idle() {
		return false, nil
	}
	id := rideID
	st.ActiveRide = &id
	st.UpdatedAt = r.now()
	return true, nil
}

func (r *MemoryRegistry) Release(_ context.Context, driverID, rideID types.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.drivers[driverID]
	if !ok {
		return nil
	}
	if st.ActiveRide != nil && *st.ActiveRide == rideID {
		st.ActiveRide = nil
		st.UpdatedAt = r.now()
	}
	return nil
}

func copyState(st *DriverState) DriverState {
	cp := *st
	if st.ActiveRide != nil {
		id := *st.ActiveRide
		cp.ActiveRide = &id
	}
	return cp
}
