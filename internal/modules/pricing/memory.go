package pricing

import (
	"context"
	"sync"
	"time"

	"rideflow/internal/modules/geo"
)

// MemoryStore is an in-process ConfigStore, used by tests and the memory backend.
type MemoryStore struct {
	mu          sync.RWMutex
	fares       map[string]FareSetting
	surges      []SurgePricing
	commissions []CommissionSetting
	zones       []geo.Zone
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{fares: make(map[string]FareSetting)}
}

func fareKey(city, vehicle string) string { return city + "|" + vehicle }

func (m *MemoryStore) PutFare(f FareSetting) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fares[fareKey(f.City, f.VehicleType)] = f
}

func (m *MemoryStore) AddSurge(s SurgePricing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.surges = append(m.surges, s)
}

func (m *MemoryStore) AddCommission(c CommissionSetting) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commissions = append(m.commissions, c)
}

func (m *MemoryStore) AddZone(z geo.Zone) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zones = append(m.zones, z)
}

func (m *MemoryStore) FareSetting(_ context.Context, city, vehicleType string) (FareSetting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.fares[fareKey(city, vehicleType)]
	if !ok || !f.Active {
		return FareSetting{}, ErrNoFareConfigured
	}
	return f, nil
}

func (m *MemoryStore) SurgeMultiplier(_ context.Context, city string, at time.Time) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maxActiveSurge(m.surges, city, at), nil
}

func (m *MemoryStore) SurgeEdges(_ context.Context, city string, at time.Time) (time.Time, time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prev, next := surgeEdges(m.surges, city, at)
	return prev, next, nil
}

func (m *MemoryStore) CommissionSettings(_ context.Context) ([]CommissionSetting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]CommissionSetting, len(m.commissions))
	copy(out, m.commissions)
	return out, nil
}

func (m *MemoryStore) ServiceZones(_ context.Context) ([]geo.Zone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]geo.Zone, len(m.zones))
	copy(out, m.zones)
	return out, nil
}

// maxActiveSurge returns the highest multiplier active for city at t, or 1.
func maxActiveSurge(surges []SurgePricing, city string, t time.Time) float64 {
	best := 1.0
	for _, s := range surges {
		if s.City == city && s.ActiveAt(t) && s.Multiplier > best {
			best = s.Multiplier
		}
	}
	return best
}

func surgeEdges(surges []SurgePricing, city string, t time.Time) (prev, next time.Time) {
	for _, s := range surges {
		if s.City != city {
			continue
		}
		for _, e := range [2]time.Time{s.StartsAt, s.EndsAt} {
			switch {
			case !e.After(t):
				if e.After(prev) {
					prev = e
				}
			case next.IsZero() || e.Before(next):
				next = e
			}
		}
	}
	return prev, next
}
