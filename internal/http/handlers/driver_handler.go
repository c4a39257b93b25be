// README: Driver handlers for availability, location and the ride lifecycle.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"rideflow/internal/http/middleware"
	"rideflow/internal/modules/dispatch"
	"rideflow/internal/modules/matching"
	"rideflow/internal/modules/ride"
	"rideflow/internal/modules/settlement"
	"rideflow/internal/observability"
	"rideflow/internal/types"
)

type DriverHandler struct {
	dispatch *dispatch.Coordinator
	registry matching.Registry
}

func NewDriverHandler(coord *dispatch.Coordinator, registry matching.Registry) *DriverHandler {
	return &DriverHandler{dispatch: coord, registry: registry}
}

type availabilityReq struct {
	Online bool    `json:"online"`
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
}

type locationReq struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type completeReq struct {
	DistanceKm  float64  `json:"distance_km"`
	DurationMin *float64 `json:"duration_min"`
	DropoffLat  *float64 `json:"dropoff_lat"`
	DropoffLng  *float64 `json:"dropoff_lng"`
}

func (h *DriverHandler) SetAvailability(c *gin.Context) {
	var req availabilityReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	loc := types.Point{Lat: req.Lat, Lng: req.Lng}
	if !loc.Valid() {
		writeError(c, http.StatusBadRequest, "invalid location")
		return
	}
	driverID := types.ID(middleware.CallerID(c))
	if err := h.registry.SetAvailability(c.Request.Context(), driverID, req.Online, loc); err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"driver_id": driverID, "online": req.Online})
}

func (h *DriverHandler) UpdateLocation(c *gin.Context) {
	var req locationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	loc := types.Point{Lat: req.Lat, Lng: req.Lng}
	if !loc.Valid() {
		writeError(c, http.StatusBadRequest, "invalid location")
		return
	}
	if err := h.registry.UpdateLocation(c.Request.Context(), types.ID(middleware.CallerID(c)), loc); err != nil {
		observability.LocationUpdates.WithLabelValues("rejected").Inc()
		writeRideError(c, err)
		return
	}
	observability.LocationUpdates.WithLabelValues("http").Inc()
	writeJSON(c, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *DriverHandler) Accept(c *gin.Context) {
	h.lifecycle(c, h.dispatch.Accept)
}

func (h *DriverHandler) Decline(c *gin.Context) {
	h.lifecycle(c, h.dispatch.Decline)
}

func (h *DriverHandler) Start(c *gin.Context) {
	h.lifecycle(c, h.dispatch.Start)
}

func (h *DriverHandler) Complete(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid ride id")
		return
	}
	var req completeReq
	_ = c.ShouldBindJSON(&req)
	var tel *settlement.Telemetry
	if req.DistanceKm > 0 || req.DurationMin != nil || req.DropoffLat != nil {
		tel = &settlement.Telemetry{DistanceKm: req.DistanceKm, DurationMin: req.DurationMin}
		if req.DropoffLat != nil && req.DropoffLng != nil {
			p := types.Point{Lat: *req.DropoffLat, Lng: *req.DropoffLng}
			if !p.Valid() {
				writeError(c, http.StatusBadRequest, "invalid dropoff")
				return
			}
			tel.Dropoff = &p
		}
	}
	r, res, err := h.dispatch.Complete(c.Request.Context(), types.ID(id), types.ID(middleware.CallerID(c)), tel)
	if err != nil && r == nil {
		writeRideError(c, err)
		return
	}
	body := gin.H{"ride": toRideView(r), "fare": res.Breakdown}
	if err != nil {
		body["error"] = err.Error()
		writeJSON(c, http.StatusAccepted, body)
		return
	}
	writeJSON(c, http.StatusOK, body)
}

func (h *DriverHandler) lifecycle(c *gin.Context, op func(ctx context.Context, rideID, driverID types.ID) (*ride.Ride, error)) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid ride id")
		return
	}
	r, err := op(c.Request.Context(), types.ID(id), types.ID(middleware.CallerID(c)))
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toRideView(r))
}
