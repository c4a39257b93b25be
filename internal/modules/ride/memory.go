package ride

import (
	"context"
	"sort"
	"sync"
	"time"

	"rideflow/internal/types"
)

// MemoryStore is the in-process Repository. A single mutex serialises every
// write, which gives Assign its check-and-set atomicity.
type MemoryStore struct {
	mu     sync.Mutex
	rides  map[types.ID]*Ride
	events []Event
	nextEv int64
}

var _ Repository = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[types.ID]*Ride)}
}

func (m *MemoryStore) Create(_ context.Context, r *Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return ErrConflict
	}
	m.rides[r.ID] = cloneRide(r)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (*Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRide(r), nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, t Transition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[t.RideID]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != t.From || r.StatusVersion != t.Version {
		return false, nil
	}
	applyTransition(r, t)
	return true, nil
}

func (m *MemoryStore) Assign(_ context.Context, a Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[a.RideID]
	if !ok {
		return ErrNotFound
	}
	if r.Status != StatusSearching {
		return errRideTaken
	}
	for _, other := range m.rides {
		if other.ID != r.ID && other.Status.Active() && other.DriverID != nil && *other.DriverID == a.DriverID {
			return ErrAssignmentConflict
		}
	}
	d := a.DriverID
	r.DriverID = &d
	r.ScheduleID = a.ScheduleID
	r.MatchScore = a.Score
	at := a.MatchedAt
	r.MatchedAt = &at
	r.Status = StatusMatched
	r.StatusVersion++
	return nil
}

func (m *MemoryStore) RecordSettlement(_ context.Context, u SettlementUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[u.RideID]
	if !ok {
		return ErrNotFound
	}
	fare, commission, share := u.ActualFare, u.Commission, u.DriverShare
	r.ActualFare = &fare
	r.CommissionAmount = &commission
	r.DriverShare = &share
	r.PaymentStatus = u.PaymentStatus
	if u.Complete && r.Status == StatusCompletedUnsettled {
		r.Status = StatusCompleted
		r.StatusVersion++
		at := u.SettledAt
		r.SettledAt = &at
	}
	return nil
}

func (m *MemoryStore) SetPayment(_ context.Context, id types.ID, method PaymentMethod, status PaymentStatus, gatewayRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return ErrNotFound
	}
	if method != "" {
		r.PaymentMethod = method
	}
	if status != "" {
		r.PaymentStatus = status
	}
	if gatewayRef != "" {
		r.GatewayRef = gatewayRef
	}
	return nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Ride
	for _, r := range m.rides {
		if r.Status == status {
			out = append(out, cloneRide(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CompletedCountByDriver(_ context.Context, driverID types.ID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.rides {
		if r.Status == StatusCompleted && r.DriverOfRecord != nil && *r.DriverOfRecord == driverID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) HasActiveByRider(_ context.Context, riderID types.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rides {
		if r.RiderID == riderID && (r.Status == StatusSearching || r.Status.Active()) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEv++
	cp := *e
	cp.ID = m.nextEv
	m.events = append(m.events, cp)
	return nil
}

// Events returns the audit trail of one ride in append order.
func (m *MemoryStore) Events(id types.ID) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.RideID == id {
			out = append(out, e)
		}
	}
	return out
}

// applyTransition mutates r for t; the caller has verified the CAS guard.
func applyTransition(r *Ride, t Transition) {
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	switch {
	case t.To == StatusSearching:
		r.DriverID = nil
		r.ScheduleID = nil
		r.MatchScore = 0
		r.MatchedAt = nil
	case t.To == StatusAccepted:
		r.AcceptedAt = &at
	case t.To == StatusInProgress:
		r.StartedAt = &at
	}
	if t.From.Active() && !t.To.Active() && t.To != StatusSearching {
		r.DriverOfRecord = r.DriverID
		r.DriverID = nil
	}
	if t.To == StatusCompletedUnsettled {
		r.FinishedAt = &at
		r.Trip = cloneTrip(t.Trip)
	}
	if t.To.Cancelled() || t.To == StatusFailedNoDriver {
		r.CancelledAt = &at
		r.CancelReason = t.Reason
	}
	r.Status = t.To
	r.StatusVersion++
}

func cloneRide(r *Ride) *Ride {
	cp := *r
	cp.DriverID = cloneID(r.DriverID)
	cp.DriverOfRecord = cloneID(r.DriverOfRecord)
	cp.ScheduleID = cloneID(r.ScheduleID)
	cp.ActualFare = cloneMoney(r.ActualFare)
	cp.CommissionAmount = cloneMoney(r.CommissionAmount)
	cp.DriverShare = cloneMoney(r.DriverShare)
	if r.Bidding != nil {
		b := *r.Bidding
		cp.Bidding = &b
	}
	cp.Trip = cloneTrip(r.Trip)
	return &cp
}

func cloneTrip(t *Trip) *Trip {
	if t == nil {
		return nil
	}
	cp := *t
	if t.DurationMin != nil {
		d := *t.DurationMin
		cp.DurationMin = &d
	}
	if t.Dropoff != nil {
		p := *t.Dropoff
		cp.Dropoff = &p
	}
	return &cp
}

func cloneID(v *types.ID) *types.ID {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneMoney(v *types.Money) *types.Money {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
