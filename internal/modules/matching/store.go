// README: Driver and schedule reference data (in-memory and PostgreSQL).
package matching

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"rideflow/internal/types"
)

var ErrDriverNotFound = errors.New("driver not found")

type DriverStore interface {
	Driver(ctx context.Context, id types.ID) (Driver, error)
}

type ScheduleStore interface {
	ActiveSchedules(ctx context.Context) ([]Schedule, error)
	IncrementMatched(ctx context.Context, scheduleID types.ID) error
	AddEarnings(ctx context.Context, scheduleID types.ID, amount types.Money) error
}

type MemoryStore struct {
	mu        sync.Mutex
	drivers   map[types.ID]Driver
	schedules map[types.ID]*Schedule
}

var (
	_ DriverStore   = (*MemoryStore)(nil)
	_ ScheduleStore = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		drivers:   make(map[types.ID]Driver),
		schedules: make(map[types.ID]*Schedule),
	}
}

func (m *MemoryStore) PutDriver(d Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.ID] = d
}

func (m *MemoryStore) PutSchedule(s Schedule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := s
	m.schedules[s.ID] = &cp
}

func (m *MemoryStore) Driver(_ context.Context, id types.ID) (Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return Driver{}, ErrDriverNotFound
	}
	return d, nil
}

func (m *MemoryStore) Schedule(id types.ID) (Schedule, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return Schedule{}, false
	}
	return *s, true
}

func (m *MemoryStore) ActiveSchedules(_ context.Context) ([]Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Schedule
	for _, s := range m.schedules {
		if s.Active {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) IncrementMatched(_ context.Context, scheduleID types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.schedules[scheduleID]; ok {
		s.MatchedRides++
	}
	return nil
}

func (m *MemoryStore) AddEarnings(_ context.Context, scheduleID types.ID, amount types.Money) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.schedules[scheduleID]; ok {
		s.TotalEarnings = s.TotalEarnings.Add(amount)
	}
	return nil
}

type Store struct {
	db *pgxpool.Pool
}

var (
	_ DriverStore   = (*Store)(nil)
	_ ScheduleStore = (*Store)(nil)
)

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Driver(ctx context.Context, id types.ID) (Driver, error) {
	var d Driver
	err := s.db.QueryRow(ctx, `
		SELECT id, approval_status, vehicle_type, city, rating
		FROM drivers WHERE id = $1`, string(id),
	).Scan(&d.ID, &d.Approval, &d.VehicleType, &d.City, &d.Rating)
	if errors.Is(err, pgx.ErrNoRows) {
		return Driver{}, ErrDriverNotFound
	}
	return d, err
}

func (s *Store) ActiveSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, driver_id, from_lat, from_lng, to_lat, to_lng, from_label, to_label,
		       departure_minute, weekdays, matched_rides, total_earnings, active
		FROM driver_schedules
		WHERE active
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		var sc Schedule
		var days []int32
		if err := rows.Scan(
			&sc.ID, &sc.DriverID, &sc.From.Lat, &sc.From.Lng, &sc.To.Lat, &sc.To.Lng,
			&sc.FromLabel, &sc.ToLabel, &sc.DepartureMinute, &days,
			&sc.MatchedRides, &sc.TotalEarnings, &sc.Active,
		); err != nil {
			return nil, err
		}
		for _, d := range days {
			sc.Weekdays = append(sc.Weekdays, time.Weekday(d))
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *Store) IncrementMatched(ctx context.Context, scheduleID types.ID) error {
	_, err := s.db.Exec(ctx, `UPDATE driver_schedules SET matched_rides = matched_rides + 1 WHERE id = $1`, string(scheduleID))
	return err
}

func (s *Store) AddEarnings(ctx context.Context, scheduleID types.ID, amount types.Money) error {
	_, err := s.db.Exec(ctx, `UPDATE driver_schedules SET total_earnings = total_earnings + $1 WHERE id = $2`, amount, string(scheduleID))
	return err
}
