// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"rideflow/internal/modules/dispatch"
	"rideflow/internal/modules/matching"
	"rideflow/internal/modules/pricing"
	"rideflow/internal/modules/ride"
	"rideflow/internal/modules/settlement"
	"rideflow/internal/modules/wallet"
)

type errorResponse struct {
	Error string `json:"error"`
}

// isValidID accepts uuids and other short slug-like identifiers.
func isValidID(v string) bool {
	if v == "" || len(v) > 64 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeRideError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ride.ErrBadRequest), errors.Is(err, pricing.ErrBadRequest):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, ride.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, ride.ErrForbidden):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, ride.ErrInvalidState), errors.Is(err, ride.ErrActiveRide),
		errors.Is(err, ride.ErrConflict), errors.Is(err, ride.ErrAssignmentConflict),
		errors.Is(err, dispatch.ErrNotFallbackEligible), errors.Is(err, settlement.ErrNotSettleable),
		errors.Is(err, settlement.ErrNotGatewayRide):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, pricing.ErrNoFareConfigured):
		writeError(c, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, wallet.ErrInsufficientBalance):
		writeError(c, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, matching.ErrUnknownDriver):
		writeError(c, http.StatusNotFound, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

func writeWalletError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, wallet.ErrBadRequest), errors.Is(err, wallet.ErrInvalidAmount), errors.Is(err, wallet.ErrInvalidAccount):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, wallet.ErrWalletNotFound), errors.Is(err, wallet.ErrReservationNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, wallet.ErrInsufficientBalance):
		writeError(c, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, wallet.ErrDuplicateReference), errors.Is(err, wallet.ErrInvalidReservation):
		writeError(c, http.StatusConflict, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}
