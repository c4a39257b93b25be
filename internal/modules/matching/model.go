// README: Matching inputs (drivers, schedules, availability) and results.
package matching

import (
	"time"

	"rideflow/internal/types"
)

type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalSuspended ApprovalStatus = "suspended"
)

type Driver struct {
	ID          types.ID
	Approval    ApprovalStatus
	VehicleType string
	City        string
	Rating      float64
}

// Schedule is a driver's recurring route. DepartureMinute counts minutes after midnight.
type Schedule struct {
	ID              types.ID
	DriverID        types.ID
	From            types.Point
	To              types.Point
	FromLabel       string
	ToLabel         string
	DepartureMinute int
	Weekdays        []time.Weekday
	MatchedRides    int
	TotalEarnings   types.Money
	Active          bool
}

func (s Schedule) RunsOn(d time.Weekday) bool {
	for _, w := range s.Weekdays {
		if w == d {
			return true
		}
	}
	return false
}

// DriverState is the live availability entry held by a Registry.
type DriverState struct {
	DriverID   types.ID
	Online     bool
	Location   types.Point
	ActiveRide *types.ID
	UpdatedAt  time.Time
}

func (s DriverState) Idle() bool {
	return s.Online && s.ActiveRide == nil
}

// Candidate is one scored driver for a ride.
type Candidate struct {
	DriverID   types.ID
	ScheduleID *types.ID
	Score      float64
	DistanceKm float64
}

type Result struct {
	RideID     types.ID
	DriverID   types.ID
	ScheduleID *types.ID
	Score      float64
	MatchedAt  time.Time
	Attempts   int
}

const (
	// DefaultMinMatchScore is the lowest score a candidate may have.
	DefaultMinMatchScore = 70.0
	// DefaultDepartureWindow bounds |schedule departure - ride time|.
	DefaultDepartureWindow = 30 * time.Minute
	// DefaultNearbyRadiusKm limits the free-driver search around a pickup.
	DefaultNearbyRadiusKm = 5.0
	minutesPerDay         = 24 * 60
)

// MinutesApart is the distance between two minute-of-day values on a 24h clock.
func MinutesApart(a, b int) int {
	d := (a - b) % minutesPerDay
	if d < 0 {
		d += minutesPerDay
	}
	if d > minutesPerDay/2 {
		d = minutesPerDay - d
	}
	return d
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}
