// README: Rider-facing ride handlers: estimate, request, status, cancel, cash fallback.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"rideflow/internal/http/middleware"
	"rideflow/internal/modules/dispatch"
	"rideflow/internal/modules/pricing"
	"rideflow/internal/modules/ride"
	"rideflow/internal/types"
)

type RideHandler struct {
	dispatch *dispatch.Coordinator
	rides    *ride.Service
}

func NewRideHandler(coord *dispatch.Coordinator, rides *ride.Service) *RideHandler {
	return &RideHandler{dispatch: coord, rides: rides}
}

type routeReq struct {
	PickupLat   float64 `json:"pickup_lat"`
	PickupLng   float64 `json:"pickup_lng"`
	DropoffLat  float64 `json:"dropoff_lat"`
	DropoffLng  float64 `json:"dropoff_lng"`
	City        string  `json:"city"`
	VehicleType string  `json:"vehicle_type"`
}

func (r routeReq) pickup() types.Point  { return types.Point{Lat: r.PickupLat, Lng: r.PickupLng} }
func (r routeReq) dropoff() types.Point { return types.Point{Lat: r.DropoffLat, Lng: r.DropoffLng} }

type estimateReq struct {
	routeReq
	DepartureAt *time.Time `json:"departure_at"`
}

type createRideReq struct {
	routeReq
	PickupAddress  string     `json:"pickup_address"`
	DropoffAddress string     `json:"dropoff_address"`
	Seats          int        `json:"seats"`
	DepartureAt    *time.Time `json:"departure_at"`
	PaymentMethod  string     `json:"payment_method"`
	BidMin         *string    `json:"bid_min"`
	BidMax         *string    `json:"bid_max"`
	BidDurationSec int        `json:"bid_duration_sec"`
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func (h *RideHandler) Estimate(c *gin.Context) {
	var req estimateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	in := pricing.Input{
		Pickup:      req.pickup(),
		Drop:        req.dropoff(),
		City:        req.City,
		VehicleType: req.VehicleType,
	}
	if req.DepartureAt != nil {
		in.At = *req.DepartureAt
	}
	b, err := h.dispatch.Estimate(c.Request.Context(), in)
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, b)
}

func (h *RideHandler) Create(c *gin.Context) {
	var req createRideReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.City == "" || req.VehicleType == "" {
		writeError(c, http.StatusBadRequest, "missing fields")
		return
	}
	cmd := ride.CreateCommand{
		RiderID:        types.ID(middleware.CallerID(c)),
		Pickup:         req.pickup(),
		Dropoff:        req.dropoff(),
		PickupAddress:  req.PickupAddress,
		DropoffAddress: req.DropoffAddress,
		City:           req.City,
		VehicleType:    req.VehicleType,
		Seats:          req.Seats,
		PaymentMethod:  ride.PaymentMethod(req.PaymentMethod),
	}
	if req.DepartureAt != nil {
		cmd.DepartureAt = *req.DepartureAt
		cmd.Scheduled = req.DepartureAt.After(time.Now())
	}
	if req.BidMin != nil && req.BidMax != nil {
		lo, err1 := decimal.NewFromString(*req.BidMin)
		hi, err2 := decimal.NewFromString(*req.BidMax)
		if err1 != nil || err2 != nil || lo.GreaterThan(hi) || lo.IsNegative() {
			writeError(c, http.StatusBadRequest, "invalid bid range")
			return
		}
		cmd.Bidding = &ride.Bidding{MinAmount: lo, MaxAmount: hi, Duration: time.Duration(req.BidDurationSec) * time.Second}
	}
	r, err := h.dispatch.Submit(c.Request.Context(), cmd)
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, toRideView(r))
}

func (h *RideHandler) Get(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid ride id")
		return
	}
	r, err := h.rides.Get(c.Request.Context(), types.ID(id))
	if err != nil {
		writeRideError(c, err)
		return
	}
	if !canView(c, r) {
		writeError(c, http.StatusForbidden, "forbidden")
		return
	}
	writeJSON(c, http.StatusOK, toRideView(r))
}

func (h *RideHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid ride id")
		return
	}
	var req cancelReq
	_ = c.ShouldBindJSON(&req)
	actor := types.ID(middleware.CallerID(c))
	r, err := h.dispatch.Cancel(c.Request.Context(), ride.CancelCommand{
		RideID:    types.ID(id),
		ActorType: middleware.CallerRole(c),
		ActorID:   &actor,
		Reason:    req.Reason,
	})
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toRideView(r))
}

// PayCash switches a ride whose wallet payment failed to cash.
func (h *RideHandler) PayCash(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid ride id")
		return
	}
	r, res, err := h.dispatch.FallbackToCash(c.Request.Context(), types.ID(id), types.ID(middleware.CallerID(c)))
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ride": toRideView(r), "fare": res.Breakdown})
}

func canView(c *gin.Context, r *ride.Ride) bool {
	caller := types.ID(middleware.CallerID(c))
	switch middleware.CallerRole(c) {
	case middleware.RoleAdmin:
		return true
	case middleware.RoleRider:
		return r.RiderID == caller
	case middleware.RoleDriver:
		return (r.DriverID != nil && *r.DriverID == caller) || (r.DriverOfRecord != nil && *r.DriverOfRecord == caller)
	}
	return false
}
