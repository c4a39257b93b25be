// README: Matching tests on in-memory stores and registry.
package matching

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"rideflow/internal/config"
	"rideflow/internal/modules/ride"
	"rideflow/internal/types"
)

var (
	// Monday 08:00 UTC.
	monday8am = time.Date(2026, time.October, 19, 8, 0, 0, 0, time.UTC)
	home      = types.Point{Lat: 23.0225, Lng: 72.5714}
	office    = types.Point{Lat: 23.0700, Lng: 72.5200}
)

type fixture struct {
	rides    *ride.Service
	store    *MemoryStore
	registry *MemoryRegistry
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rides := ride.NewService(ride.NewMemoryStore(), nil)
	store := NewMemoryStore()
	registry := NewMemoryRegistry()
	svc := NewService(store, store, registry, rides, config.MatchingConfig{MinMatchScore: DefaultMinMatchScore}, nil)
	svc.now = func() time.Time { return monday8am }
	return &fixture{rides: rides, store: store, registry: registry, svc: svc}
}

func (f *fixture) addDriver(t *testing.T, id types.ID, loc types.Point) {
	t.Helper()
	f.store.PutDriver(Driver{ID: id, Approval: ApprovalApproved, VehicleType: "sedan", City: "ahmedabad", Rating: 4.8})
	if err := f.registry.SetAvailability(context.Background(), id, true, loc); err != nil {
		t.Fatalf("set availability: %v", err)
	}
}

func (f *fixture) addSchedule(id, driver types.ID, from, to types.Point, minute int) {
	f.store.PutSchedule(Schedule{
		ID:              id,
		DriverID:        driver,
		From:            from,
		To:              to,
		DepartureMinute: minute,
		Weekdays:        []time.Weekday{time.Monday, time.Tuesday},
		Active:          true,
	})
}

func (f *fixture) newRide(t *testing.T, rider types.ID, scheduled bool, at time.Time) *ride.Ride {
	t.Helper()
	r, err := f.rides.Create(context.Background(), ride.CreateCommand{
		RiderID:     rider,
		Pickup:      home,
		Dropoff:     office,
		City:        "ahmedabad",
		VehicleType: "sedan",
		Scheduled:   scheduled,
		DepartureAt: at,
	})
	if err != nil {
		t.Fatalf("create ride: %v", err)
	}
	return r
}

func offset(p types.Point, dLat float64) types.Point {
	return types.Point{Lat: p.Lat + dLat, Lng: p.Lng}
}

func TestMinutesApart(t *testing.T) {
	cases := []struct {
		a, b, want int
	}{
		{480, 480, 0},
		{480, 510, 30},
		{510, 480, 30},
		{1430, 10, 20},
		{10, 1430, 20},
		{0, 720, 720},
	}
	for _, tc := range cases {
		if got := MinutesApart(tc.a, tc.b); got != tc.want {
			t.Errorf("MinutesApart(%d, %d) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestRankTieBreaks(t *testing.T) {
	cands := []Candidate{
		{DriverID: "c", Score: 80, DistanceKm: 1},
		{DriverID: "b", Score: 80, DistanceKm: 1},
		{DriverID: "a", Score: 80, DistanceKm: 2},
		{DriverID: "z", Score: 95, DistanceKm: 3},
	}
	Rank(cands)
	want := []types.ID{"z", "b", "c", "a"}
	for i, c := range cands {
		if c.DriverID != want[i] {
			t.Fatalf("rank[%d] = %s, want %s", i, c.DriverID, want[i])
		}
	}
}

func TestMatchScheduledPicksBestRoute(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addDriver(t, "d-exact", home)
	f.addDriver(t, "d-near", offset(home, 0.005))
	f.addSchedule("s-exact", "d-exact", home, office, 8*60+20)
	f.addSchedule("s-near", "d-near", offset(home, 0.005), offset(office, 0.005), 8*60)

	r := f.newRide(t, "rider-1", true, monday8am)
	res, err := f.svc.Match(ctx, r)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.DriverID != "d-exact" || res.ScheduleID == nil || *res.ScheduleID != "s-exact" || res.Score != 100 {
		t.Fatalf("unexpected result: %+v", res)
	}
	got, _ := f.rides.Get(ctx, r.ID)
	if got.Status != ride.StatusMatched || got.DriverID == nil || *got.DriverID != "d-exact" {
		t.Fatalf("ride not matched: %+v", got)
	}
	sc, _ := f.store.Schedule("s-exact")
	if sc.MatchedRides != 1 {
		t.Fatalf("matched rides = %d, want 1", sc.MatchedRides)
	}
	st, _, _ := f.registry.State(ctx, "d-exact")
	if st.ActiveRide == nil || *st.ActiveRide != r.ID {
		t.Fatal("driver not reserved in registry")
	}
}

func TestMatchDepartureWindowWrapsMidnight(t *testing.T) {
	f := newFixture(t)
	f.addDriver(t, "d-late", home)
	f.addSchedule("s-late", "d-late", home, office, 23*60+50)
	// Tuesday 00:10 is 20 minutes after a Monday 23:50 departure on the clock.
	at := time.Date(2026, time.October, 20, 0, 10, 0, 0, time.UTC)
	r := f.newRide(t, "rider-1", true, at)
	if _, err := f.svc.Match(context.Background(), r); err != nil {
		t.Fatalf("match across midnight: %v", err)
	}
}

func TestMatchFiltersIneligibleDrivers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.store.PutDriver(Driver{ID: "d-pending", Approval: ApprovalPending, VehicleType: "sedan"})
	_ = f.registry.SetAvailability(ctx, "d-pending", true, home)
	f.addSchedule("s-pending", "d-pending", home, office, 480)

	f.store.PutDriver(Driver{ID: "d-offline", Approval: ApprovalApproved, VehicleType: "sedan"})
	_ = f.registry.SetAvailability(ctx, "d-offline", false, home)
	f.addSchedule("s-offline", "d-offline", home, office, 480)

	f.addDriver(t, "d-busy", home)
	_, _ = f.registry.Reserve(ctx, "d-busy", "other-ride")
	f.addSchedule("s-busy", "d-busy", home, office, 480)

	f.addDriver(t, "d-window", home)
	f.addSchedule("s-window", "d-window", home, office, 480+31)

	f.addDriver(t, "d-far", offset(home, 0.05))
	f.addSchedule("s-far", "d-far", offset(home, 0.05), office, 480)

	f.store.PutDriver(Driver{ID: "d-suv", Approval: ApprovalApproved, VehicleType: "suv"})
	_ = f.registry.SetAvailability(ctx, "d-suv", true, offset(home, 0.05))
	f.addSchedule("s-suv", "d-suv", home, office, 480)

	f.addDriver(t, "d-weekend", offset(home, 0.05))
	f.store.PutSchedule(Schedule{ID: "s-weekend", DriverID: "d-weekend", From: home, To: office,
		DepartureMinute: 480, Weekdays: []time.Weekday{time.Saturday}, Active: true})

	r := f.newRide(t, "rider-1", true, monday8am)
	if _, err := f.svc.Match(ctx, r); !errors.Is(err, ErrNoDriverAvailable) {
		t.Fatalf("err = %v, want ErrNoDriverAvailable", err)
	}
	got, _ := f.rides.Get(ctx, r.ID)
	if got.Status != ride.StatusSearching || got.DriverID != nil {
		t.Fatalf("ride should stay searching: %+v", got)
	}
}

func TestMatchImmediateUsesNearbyDrivers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addDriver(t, "d-2km", offset(home, 0.018))
	f.addDriver(t, "d-500m", offset(home, 0.0045))

	r := f.newRide(t, "rider-1", false, time.Time{})
	res, err := f.svc.Match(ctx, r)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.DriverID != "d-500m" || res.ScheduleID != nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Score < 85 || res.Score > 90 {
		t.Fatalf("score = %v, want ~87.5", res.Score)
	}
}

func TestMatchSkipsDriverReservedElsewhere(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addDriver(t, "d-best", home)
	f.addDriver(t, "d-second", offset(home, 0.002))
	f.addSchedule("s-best", "d-best", home, office, 480)
	f.addSchedule("s-second", "d-second", offset(home, 0.002), office, 480)

	other := f.newRide(t, "rider-other", true, monday8am)
	if err := f.rides.Assign(ctx, ride.Assignment{RideID: other.ID, DriverID: "d-best"}); err != nil {
		t.Fatalf("assign other: %v", err)
	}

	r := f.newRide(t, "rider-1", true, monday8am)
	res, err := f.svc.Match(ctx, r)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.DriverID != "d-second" || res.Attempts != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	st, _, _ := f.registry.State(ctx, "d-best")
	if st.ActiveRide != nil {
		t.Fatal("reservation should be released after assignment conflict")
	}
}

type failingRelease struct {
	*MemoryRegistry
}

func (failingRelease) Release(context.Context, types.ID, types.ID) error {
	return errors.New("redis: connection refused")
}

func TestMatchLogsFailedRelease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addDriver(t, "d-best", home)
	f.addSchedule("s-best", "d-best", home, office, 480)
	other := f.newRide(t, "rider-other", true, monday8am)
	if err := f.rides.Assign(ctx, ride.Assignment{RideID: other.ID, DriverID: "d-best"}); err != nil {
		t.Fatalf("assign other: %v", err)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	svc := NewService(f.store, f.store, failingRelease{f.registry}, f.rides, config.MatchingConfig{MinMatchScore: DefaultMinMatchScore}, logger)
	svc.now = func() time.Time { return monday8am }

	r := f.newRide(t, "rider-1", true, monday8am)
	if _, err := svc.Match(ctx, r); !errors.Is(err, ErrNoDriverAvailable) {
		t.Fatalf("err = %v, want ErrNoDriverAvailable", err)
	}
	out := buf.String()
	if !strings.Contains(out, "release of reserved driver failed") || !strings.Contains(out, `"driver_id":"d-best"`) {
		t.Fatalf("release failure not logged: %s", out)
	}
}

func TestNewServiceMinScore(t *testing.T) {
	tests := []struct {
		name       string
		configured float64
		want       float64
	}{
		{"zero is kept", 0, 0},
		{"negative falls back", -1, DefaultMinMatchScore},
		{"explicit", 82, 82},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(nil, nil, nil, nil, config.MatchingConfig{MinMatchScore: tt.configured}, nil)
			if svc.cfg.MinMatchScore != tt.want {
				t.Fatalf("min score = %v, want %v", svc.cfg.MinMatchScore, tt.want)
			}
		})
	}
}

func TestMatchRejectsNonSearchingRide(t *testing.T) {
	f := newFixture(t)
	r := f.newRide(t, "rider-1", false, time.Time{})
	r.Status = ride.StatusMatched
	if _, err := f.svc.Match(context.Background(), r); !errors.Is(err, ride.ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
}

func TestConcurrentMatchSingleDriver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addDriver(t, "d-only", home)
	f.addSchedule("s-only", "d-only", home, office, 480)

	const n = 10
	rides := make([]*ride.Ride, n)
	for i := range rides {
		rides[i] = f.newRide(t, types.ID(fmt.Sprintf("rider-%d", i)), true, monday8am)
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, r := range rides {
		wg.Add(1)
		go func(r *ride.Ride) {
			defer wg.Done()
			<-start
			_, err := f.svc.Match(ctx, r)
			errs <- err
		}(r)
	}
	close(start)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrNoDriverAvailable) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("driver matched %d times, want 1", success)
	}
	matched := 0
	for _, r := range rides {
		got, _ := f.rides.Get(ctx, r.ID)
		if got.Status == ride.StatusMatched {
			matched++
		}
	}
	if matched != 1 {
		t.Fatalf("matched rides = %d, want 1", matched)
	}
}
