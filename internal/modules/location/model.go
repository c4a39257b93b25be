// README: Driver location message as published by the driver app.
package location

import (
	"rideflow/internal/types"
)

// Update is one position report. Seq increases per driver; TsMs is the
// device timestamp in Unix milliseconds. Online, when set, also flips the
// driver's availability.
type Update struct {
	DriverID types.ID `json:"driver_id"`
	Seq      int64    `json:"seq"`
	Lat      float64  `json:"lat"`
	Lng      float64  `json:"lng"`
	TsMs     int64    `json:"ts_ms"`
	Online   *bool    `json:"online,omitempty"`
}

func (u Update) Point() types.Point {
	return types.Point{Lat: u.Lat, Lng: u.Lng}
}

type Result struct {
	Accepted bool
	Reason   string
}

const (
	ReasonStale     = "stale"
	ReasonThrottled = "throttled"
)
