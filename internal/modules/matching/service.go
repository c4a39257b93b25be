// README: Matching service scores drivers for a ride and assigns the best available one.
package matching

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"rideflow/internal/config"
	"rideflow/internal/modules/geo"
	"rideflow/internal/modules/ride"
	"rideflow/internal/observability"
	"rideflow/internal/types"
)

var ErrNoDriverAvailable = errors.New("no driver available")

// Assigner performs the store-level searching -> matched transition.
type Assigner interface {
	Assign(ctx context.Context, a ride.Assignment) error
}

type Service struct {
	drivers   DriverStore
	schedules ScheduleStore
	registry  Registry
	rides     Assigner
	cfg       config.MatchingConfig
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(drivers DriverStore, schedules ScheduleStore, registry Registry, rides Assigner, cfg config.MatchingConfig, logger *slog.Logger) *Service {
	if cfg.MinMatchScore < 0 {
		cfg.MinMatchScore = DefaultMinMatchScore
	}
	if cfg.DepartureWindowMinutes <= 0 {
		cfg.DepartureWindowMinutes = int(DefaultDepartureWindow / time.Minute)
	}
	if cfg.NearbyRadiusKm <= 0 {
		cfg.NearbyRadiusKm = DefaultNearbyRadiusKm
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		drivers:   drivers,
		schedules: schedules,
		registry:  registry,
		rides:     rides,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *Service) Registry() Registry {
	return s.registry
}

// Candidates returns the eligible drivers for r, best first. Drivers in
// exclude are skipped.
func (s *Service) Candidates(ctx context.Context, r *ride.Ride, exclude map[types.ID]bool) ([]Candidate, error) {
	at := r.DepartureAt
	if at.IsZero() || !r.Scheduled {
		at = s.now()
	}
	weekday := at.Weekday()
	minute := minuteOfDay(at)
	window := s.cfg.DepartureWindowMinutes

	best := make(map[types.ID]Candidate)
	consider := func(c Candidate) {
		if exclude[c.DriverID] {
			return
		}
		if prev, ok := best[c.DriverID]; ok && !better(c, prev) {
			return
		}
		best[c.DriverID] = c
	}

	schedules, err := s.schedules.ActiveSchedules(ctx)
	if err != nil {
		return nil, err
	}
	for _, sc := range schedules {
		if !sc.Active || !sc.RunsOn(weekday) {
			continue
		}
		if MinutesApart(sc.DepartureMinute, minute) > window {
			continue
		}
		score := geo.RouteMatchScore(r.Pickup, r.Dropoff, sc.From, sc.To)
		if score < s.cfg.MinMatchScore {
			s.logger.Debug("schedule below threshold", "ride_id", r.ID, "schedule_id", sc.ID, "score", score)
			continue
		}
		st, ok, err := s.eligible(ctx, r, sc.DriverID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		id := sc.ID
		consider(Candidate{
			DriverID:   sc.DriverID,
			ScheduleID: &id,
			Score:      score,
			DistanceKm: geo.DistanceKm(st.Location, r.Pickup),
		})
	}

	if !r.Scheduled {
		nearby, err := s.registry.Nearby(ctx, r.Pickup, s.cfg.NearbyRadiusKm)
		if err != nil {
			return nil, err
		}
		for _, st := range nearby {
			km := geo.DistanceKm(st.Location, r.Pickup)
			score := geo.ProximityScore(km)
			if score < s.cfg.MinMatchScore {
				continue
			}
			if _, ok, err := s.eligible(ctx, r, st.DriverID); err != nil {
				return nil, err
			} else if !ok {
				continue
			}
			consider(Candidate{DriverID: st.DriverID, Score: score, DistanceKm: km})
		}
	}

	out := make([]Candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	Rank(out)
	return out, nil
}

// Match assigns the best reservable candidate to r. Losing a reservation or
// assignment race moves on to the next candidate.
func (s *Service) Match(ctx context.Context, r *ride.Ride) (*Result, error) {
	return s.MatchExcluding(ctx, r, nil)
}

func (s *Service) MatchExcluding(ctx context.Context, r *ride.Ride, exclude map[types.ID]bool) (*Result, error) {
	if r.Status != ride.StatusSearching {
		return nil, ride.ErrInvalidState
	}
	start := s.now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()
	cands, err := s.Candidates(ctx, r, exclude)
	if err != nil {
		return nil, err
	}
	conflicts := 0
	for i, c := range cands {
		ok, err := s.registry.Reserve(ctx, c.DriverID, r.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.logger.Debug("driver reservation lost", "ride_id", r.ID, "driver_id", c.DriverID)
			continue
		}
		matchedAt := s.now()
		err = s.rides.Assign(ctx, ride.Assignment{
			RideID:     r.ID,
			DriverID:   c.DriverID,
			ScheduleID: c.ScheduleID,
			Score:      c.Score,
			MatchedAt:  matchedAt,
		})
		if errors.Is(err, ride.ErrInvalidState) {
			s.releaseReserved(ctx, c.DriverID, r.ID)
			s.logger.Debug("ride no longer searching", "ride_id", r.ID)
			return nil, err
		}
		if errors.Is(err, ride.ErrAssignmentConflict) {
			conflicts++
			s.releaseReserved(ctx, c.DriverID, r.ID)
			s.logger.Debug("assignment conflict", "ride_id", r.ID, "driver_id", c.DriverID)
			continue
		}
		if err != nil {
			s.releaseReserved(ctx, c.DriverID, r.ID)
			return nil, err
		}
		if c.ScheduleID != nil {
			if err := s.schedules.IncrementMatched(ctx, *c.ScheduleID); err != nil {
				s.logger.Warn("schedule counter update failed", "schedule_id", *c.ScheduleID, "error", err)
			}
		}
		observability.MatchesTotal.WithLabelValues("matched").Inc()
		s.logger.Info("ride matched", "ride_id", r.ID, "driver_id", c.DriverID, "score", c.Score, "attempts", i+1)
		return &Result{
			RideID:     r.ID,
			DriverID:   c.DriverID,
			ScheduleID: c.ScheduleID,
			Score:      c.Score,
			MatchedAt:  matchedAt,
			Attempts:   i + 1,
		}, nil
	}
	if len(cands) == 1 && conflicts == 1 {
		// the registry reserved a driver the ride store still considers busy
		s.logger.Error("assignment conflict on sole candidate", "ride_id", r.ID, "driver_id", cands[0].DriverID)
	}
	observability.MatchesTotal.WithLabelValues("no_driver").Inc()
	return nil, ErrNoDriverAvailable
}

// Release frees a driver once its ride leaves the active states.
func (s *Service) Release(ctx context.Context, driverID, rideID types.ID) error {
	return s.registry.Release(ctx, driverID, rideID)
}

// releaseReserved undoes a reservation taken during this attempt.
func (s *Service) releaseReserved(ctx context.Context, driverID, rideID types.ID) {
	if err := s.registry.Release(ctx, driverID, rideID); err != nil {
		s.logger.Error("release of reserved driver failed", "driver_id", driverID, "ride_id", rideID, "error", err)
	}
}

func (s *Service) eligible(ctx context.Context, r *ride.Ride, driverID types.ID) (DriverState, bool, error) {
	d, err := s.drivers.Driver(ctx, driverID)
	if errors.Is(err, ErrDriverNotFound) {
		return DriverState{}, false, nil
	}
	if err != nil {
		return DriverState{}, false, err
	}
	if d.Approval != ApprovalApproved {
		return DriverState{}, false, nil
	}
	if r.VehicleType != "" && d.VehicleType != "" && d.VehicleType != r.VehicleType {
		return DriverState{}, false, nil
	}
	if r.City != "" && d.City != "" && d.City != r.City {
		return DriverState{}, false, nil
	}
	st, ok, err := s.registry.State(ctx, driverID)
	if err != nil || !ok || !st.Idle() {
		return DriverState{}, false, err
	}
	return st, true, nil
}

// Rank orders candidates by score desc, pickup distance asc, driver id asc.
func Rank(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool { return better(cands[i], cands[j]) })
}

func better(a, b Candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.DistanceKm != b.DistanceKm {
		return a.DistanceKm < b.DistanceKm
	}
	return a.DriverID < b.DriverID
}
