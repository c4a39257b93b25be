// README: Payment gateway callback.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"rideflow/internal/modules/settlement"
	"rideflow/internal/types"
)

type PaymentHandler struct {
	settlement *settlement.Service
}

func NewPaymentHandler(svc *settlement.Service) *PaymentHandler {
	return &PaymentHandler{settlement: svc}
}

type gatewayReq struct {
	Success        bool   `json:"success"`
	TransactionRef string `json:"transaction_ref"`
	Amount         string `json:"amount"`
}

func (h *PaymentHandler) GatewayResult(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid ride id")
		return
	}
	var req gatewayReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	amt, err := decimal.NewFromString(req.Amount)
	if err != nil || req.TransactionRef == "" {
		writeError(c, http.StatusBadRequest, "invalid amount or transaction_ref")
		return
	}
	status, err := h.settlement.ApplyGatewayResult(c.Request.Context(), types.ID(id), settlement.GatewayResult{
		Success:        req.Success,
		TransactionRef: req.TransactionRef,
		Amount:         amt,
	})
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"ride_id": id, "payment_status": status})
}
